// Package gather drives the upstream automation service: it owns one
// tool-calling connection per (session, provider), sequences dependent tool
// invocations, and escalates interactive-login challenges to the caller.
package gather

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"gatherbridge/internal/domain"
)

const (
	clientName    = "gather-bridge"
	clientVersion = "1.0.0"
	mcpProtocol   = "2025-03-26"

	headerSessionID = "Mcp-Session-Id"
	headerCustomApp = "x-getgather-custom-app"
	headerLocation  = "x-location"
)

// CallOptions tunes a single tool invocation. A zero Timeout uses the
// transport default; polling calls pass an extended budget.
type CallOptions struct {
	Timeout time.Duration
}

// Transport is one live tool-calling connection to the upstream service.
type Transport interface {
	CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (map[string]any, error)
	Close() error
}

// DialFunc establishes a new Transport for a browser session.
type DialFunc func(ctx context.Context, sessionID string) (Transport, error)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type toolCallResult struct {
	IsError           bool            `json:"isError"`
	StructuredContent map[string]any  `json:"structuredContent"`
	Content           json.RawMessage `json:"content"`
}

// HTTPTransport speaks JSON-RPC over the upstream's streamable HTTP
// endpoint. The upstream assigns a session header on initialize which must
// accompany every subsequent call.
type HTTPTransport struct {
	endpoint       string
	client         *http.Client
	headers        map[string]string
	defaultTimeout time.Duration
	sessionID      string
	seq            atomic.Int64
}

// HTTPTransportConfig configures DialHTTP.
type HTTPTransportConfig struct {
	// Endpoint is the upstream MCP URL, e.g. http://host:8000/mcp/.
	Endpoint string

	// Headers are attached to every request (custom app tag, location).
	Headers map[string]string

	// DefaultTimeout bounds ordinary tool calls. Polling calls override it
	// via CallOptions.
	DefaultTimeout time.Duration

	Client *http.Client
}

// DialHTTP performs the initialize handshake and returns a ready transport.
func DialHTTP(ctx context.Context, cfg HTTPTransportConfig) (*HTTPTransport, error) {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	t := &HTTPTransport{
		endpoint:       cfg.Endpoint,
		client:         client,
		headers:        cfg.Headers,
		defaultTimeout: cfg.DefaultTimeout,
	}

	params := map[string]any{
		"protocolVersion": mcpProtocol,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if _, err := t.roundTrip(ctx, "initialize", params, cfg.DefaultTimeout); err != nil {
		return nil, err
	}
	return t, nil
}

// CallTool invokes a named tool and returns its structured content.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (map[string]any, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := t.roundTrip(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}, timeout)
	if err != nil {
		return nil, err
	}

	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.ErrProtocol("unparseable tool result", err)
	}
	if result.IsError {
		return nil, domain.ErrProtocol(fmt.Sprintf("tool %s reported an error", name), nil)
	}
	return result.StructuredContent, nil
}

// Close ends the upstream session. The upstream treats session deletion as
// advisory, so a failure here is not surfaced.
func (t *HTTPTransport) Close() error {
	if t.sessionID == "" {
		return nil
	}
	req, err := http.NewRequest(http.MethodDelete, t.endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(headerSessionID, t.sessionID)
	resp, err := t.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	return nil
}

func (t *HTTPTransport) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      t.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, domain.ErrProtocol("encode rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrTransport("build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if t.sessionID != "" {
		req.Header.Set(headerSessionID, t.sessionID)
	}
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, domain.ErrTransport(fmt.Sprintf("%s call failed", method), err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.sessionID = sid
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.ErrTransport(
			fmt.Sprintf("%s returned status %d", method, resp.StatusCode), nil)
	}

	payload, err := readRPCBody(resp)
	if err != nil {
		return nil, err
	}

	var rpc rpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return nil, domain.ErrProtocol("unparseable rpc response", err)
	}
	if rpc.Error != nil {
		return nil, domain.ErrProtocol(
			fmt.Sprintf("rpc error %d: %s", rpc.Error.Code, rpc.Error.Message), nil)
	}
	return rpc.Result, nil
}

// readRPCBody handles both plain JSON responses and the SSE framing the
// streamable HTTP endpoint uses for long calls, where the final data event
// carries the response message.
func readRPCBody(resp *http.Response) ([]byte, error) {
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, domain.ErrTransport("read response body", err)
		}
		return payload, nil
	}

	var last []byte
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			last = []byte(strings.TrimSpace(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.ErrTransport("read event stream", err)
	}
	if last == nil {
		return nil, domain.ErrProtocol("event stream carried no data", nil)
	}
	return last, nil
}
