package events

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"loanescrow/core/types"
)

const hubHistoryLimit = 2048

// Envelope is a sequenced event as delivered to stream subscribers.
type Envelope struct {
	Sequence uint64       `json:"sequence"`
	Cursor   string       `json:"cursor"`
	Event    *types.Event `json:"event"`
}

// Hub fans emitted events out to stream subscribers and keeps a bounded
// history so reconnecting clients can resume from a cursor. Slow
// subscribers miss updates rather than block the emitter.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Envelope
	history []Envelope
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Envelope)}
}

// Emit implements Emitter. Events that do not carry a *types.Event payload
// are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	typed, ok := evt.(Typed)
	if !ok || typed.Event() == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	env := Envelope{
		Sequence: h.seq,
		Cursor:   strconv.FormatUint(h.seq, 10),
		Event:    typed.Event().Clone(),
	}
	h.history = append(h.history, env)
	if len(h.history) > hubHistoryLimit {
		excess := len(h.history) - hubHistoryLimit
		trimmed := make([]Envelope, hubHistoryLimit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	for _, ch := range h.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// Subscribe registers a subscriber for events after cursor. The returned
// cancel func is idempotent and also runs when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Envelope, func(), []Envelope) {
	updates := make(chan Envelope, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]Envelope, 0, len(h.history))
	for _, env := range h.history {
		if env.Sequence > since {
			backlog = append(backlog, env)
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}
