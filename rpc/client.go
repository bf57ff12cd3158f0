package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client is a minimal JSON-RPC client for the escrow server.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient returns a client posting to endpoint. token, when set, is sent
// as a bearer token.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/") + "/",
		token:    strings.TrimSpace(token),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Call invokes method with params and decodes the result into out. A
// JSON-RPC error is returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  []interface{}{},
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode RPC response (HTTP %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}
