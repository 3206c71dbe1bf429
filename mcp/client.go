package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
)

const (
	defaultProtocolVersion = "2025-03-26"
	defaultClientName      = "mcpcheck"
	defaultClientVersion   = "dev"

	// maxListPages stops a server that never stops handing out cursors.
	maxListPages = 64
)

// ErrClientClosed is returned for calls issued after Close.
var ErrClientClosed = errors.New("mcp: client is closed")

// Transport moves JSON-RPC messages to and from a server. Send may be called
// from many goroutines; Receive only from the client's reader.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// Options sets what the client announces during initialize.
type Options struct {
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any
}

func (o Options) withDefaults() Options {
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = defaultProtocolVersion
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo.Name = defaultClientName
	}
	if o.ClientInfo.Version == "" {
		o.ClientInfo.Version = defaultClientVersion
	}
	o.Capabilities = maps.Clone(o.Capabilities)
	return o
}

// Client speaks MCP over a Transport. Requests are matched to responses by
// id, so concurrent calls share a single connection.
type Client struct {
	transport Transport
	options   Options
	inflight  *inflight

	initMu   sync.Mutex
	initDone bool
	initRes  InitializeResult

	readOnce   sync.Once
	stopReader context.CancelFunc
	readerCtx  context.Context
	closeOnce  sync.Once
}

// NewClient wraps transport. Nothing is sent until the first call.
func NewClient(transport Transport, options Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		transport:  transport,
		options:    options.withDefaults(),
		inflight:   newInflight(),
		readerCtx:  ctx,
		stopReader: cancel,
	}
}

// Initialize runs the initialize request and the initialized notification.
// Later calls return the first result without touching the wire.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	if c == nil {
		return InitializeResult{}, errors.New("mcp: client is nil")
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initDone {
		return c.initRes, nil
	}

	var result InitializeResult
	err := c.request(ctx, methodInitialize, InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    c.options.Capabilities,
		ClientInfo:      c.options.ClientInfo,
	}, &result)
	if err != nil {
		return InitializeResult{}, err
	}
	if err := c.notify(ctx, methodInitialized, struct{}{}); err != nil {
		return InitializeResult{}, err
	}

	c.initDone, c.initRes = true, result
	return result, nil
}

// ListTools walks tools/list pages until the server stops returning a new
// cursor.
func (c *Client) ListTools(ctx context.Context) (ToolsListResult, error) {
	var (
		all    ToolsListResult
		cursor string
	)
	for range maxListPages {
		var page ToolsListResult
		if err := c.request(ctx, methodToolsList, toolsListParams{Cursor: cursor}, &page); err != nil {
			return ToolsListResult{}, err
		}
		all.Tools = append(all.Tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
	return ToolsListResult{}, &RequestError{
		Method: methodToolsList,
		Err:    fmt.Errorf("still paginating after %d pages", maxListPages),
	}
}

// CallTool invokes one tool. Nil arguments are sent as an empty object.
func (c *Client) CallTool(ctx context.Context, params ToolsCallParams) (ToolsCallResult, error) {
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	var result ToolsCallResult
	if err := c.request(ctx, methodToolsCall, params, &result); err != nil {
		return ToolsCallResult{}, err
	}
	return result, nil
}

// Close fails pending calls with ErrClientClosed and closes the transport.
// Only the first call does anything, even after the transport broke.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		c.inflight.shutdown(ErrClientClosed)
		c.stopReader()
		err = c.transport.Close(ctx)
	})
	return err
}

func (c *Client) request(ctx context.Context, method string, params, out any) error {
	fail := func(err error) error { return &RequestError{Method: method, Err: err} }
	if c == nil || c.transport == nil {
		return fail(errors.New("transport is nil"))
	}
	raw, err := encodeParams(params)
	if err != nil {
		return fail(err)
	}

	id, reply, err := c.inflight.open()
	if err != nil {
		return fail(err)
	}
	defer c.inflight.forget(id)
	c.readOnce.Do(func() { go c.read() })

	if err := c.transport.Send(ctx, newRequest(id, method, raw)); err != nil {
		return fail(err)
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case response, ok := <-reply:
		if !ok {
			return fail(c.inflight.cause())
		}
		if err := response.decodeResult(out); err != nil {
			return fail(err)
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	if err := c.transport.Send(ctx, newNotification(method, raw)); err != nil {
		return &RequestError{Method: method, Err: err}
	}
	return nil
}

// read owns transport.Receive. Server-initiated messages are ignored.
func (c *Client) read() {
	for {
		message, err := c.transport.Receive(c.readerCtx)
		if err != nil {
			c.inflight.shutdown(err)
			return
		}
		if message.IsResponse() {
			c.inflight.deliver(message)
		}
	}
}

// inflight tracks requests waiting for a response. After shutdown every
// waiter channel is closed and new requests are refused with the cause.
type inflight struct {
	mu      sync.Mutex
	next    int64
	waiters map[int64]chan Message
	err     error
}

func newInflight() *inflight {
	return &inflight{next: 1, waiters: make(map[int64]chan Message)}
}

func (f *inflight) open() (int64, <-chan Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, nil, f.err
	}
	id := f.next
	f.next++
	ch := make(chan Message, 1)
	f.waiters[id] = ch
	return id, ch, nil
}

func (f *inflight) forget(id int64) {
	f.mu.Lock()
	delete(f.waiters, id)
	f.mu.Unlock()
}

func (f *inflight) deliver(message Message) {
	f.mu.Lock()
	ch, ok := f.waiters[message.ID]
	delete(f.waiters, message.ID)
	f.mu.Unlock()
	if ok {
		ch <- message
	}
}

// shutdown records the first cause and releases every waiter.
func (f *inflight) shutdown(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return
	}
	f.err = cause
	for id, ch := range f.waiters {
		close(ch)
		delete(f.waiters, id)
	}
}

func (f *inflight) cause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		return ErrClientClosed
	}
	return f.err
}
