package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"loanescrow/core/events"
	"loanescrow/crypto"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleEventsWS streams escrow events. Clients may resume from a cursor and
// narrow the stream to one escrow.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	filter := strings.TrimSpace(r.URL.Query().Get("escrow"))
	if filter != "" {
		addr, err := crypto.DecodeAddress(filter)
		if err != nil {
			http.Error(w, "invalid escrow address", http.StatusBadRequest)
			return
		}
		filter = addr.String()
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor, escrow string) error {
	updates, cancel, backlog := s.stream.Subscribe(ctx, cursor)
	defer cancel()

	for _, env := range backlog {
		if err := writeEnvelope(ctx, conn, env, escrow); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEnvelope(ctx, conn, env, escrow); err != nil {
				return err
			}
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env events.Envelope, escrow string) error {
	if escrow != "" && (env.Event == nil || env.Event.Attributes["escrow"] != escrow) {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
