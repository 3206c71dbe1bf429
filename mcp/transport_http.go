package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// SessionHeader carries the server-assigned MCP session id.
const SessionHeader = "Mcp-Session-Id"

const (
	maxResponseBody = 32 << 20
	maxErrorBody    = 256
)

var errHTTPClosed = errors.New("mcp: http transport is closed")

// HTTPTransportConfig configures the streamable HTTP transport.
type HTTPTransportConfig struct {
	Endpoint string
	// Headers are set on every POST, after the protocol headers.
	Headers map[string]string
	Client  *http.Client
}

// HTTPTransport posts each message to one endpoint. Whatever the server
// answers in the response body, plain JSON, a batch or an event stream, is
// queued for Receive.
type HTTPTransport struct {
	endpoint string
	headers  http.Header
	client   *http.Client

	queue     chan Message
	sessionID atomic.Value
	closed    atomic.Bool
	closeOnce sync.Once
}

// StatusError reports a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("mcp: endpoint returned status %d", e.StatusCode)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// NewHTTPTransport validates cfg. No connection is made until Send.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("mcp: http endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json, text/event-stream")
	for key, value := range cfg.Headers {
		headers.Set(key, value)
	}

	t := &HTTPTransport{
		endpoint: endpoint,
		headers:  headers,
		client:   client,
		queue:    make(chan Message, 64),
	}
	t.sessionID.Store("")
	return t, nil
}

// Send posts message and queues every message found in the reply.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	if t.closed.Load() {
		return errHTTPClosed
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}

	resp, err := t.post(ctx, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if id := strings.TrimSpace(resp.Header.Get(SessionHeader)); id != "" {
		t.sessionID.Store(id)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("mcp: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{StatusCode: resp.StatusCode, Body: clip(string(body), maxErrorBody)}
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	replies, err := decodeHTTPBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		select {
		case t.queue <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header = t.headers.Clone()
	if id := t.SessionID(); id != "" {
		req.Header.Set(SessionHeader, id)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: post %s: %w", t.endpoint, err)
	}
	return resp, nil
}

// Receive returns the next queued reply.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.queue:
		return message, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// SessionID is the id the server assigned, or "" before it assigned one.
func (t *HTTPTransport) SessionID() string {
	id, _ := t.sessionID.Load().(string)
	return id
}

// Close rejects further sends and drops idle connections.
func (t *HTTPTransport) Close(context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.client.CloseIdleConnections()
	})
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
