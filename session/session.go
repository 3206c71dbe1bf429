// Package session opens and drives one MCP channel to the server under test.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/TexasFortress-AI/mcpcheck/mcp"
)

// Kind selects how a Session reaches the server.
type Kind string

const (
	// KindStdio spawns the bridge binary and speaks over its stdin/stdout.
	KindStdio Kind = "stdio"
	// KindHTTP posts JSON-RPC messages straight to the server endpoint.
	KindHTTP Kind = "http"
)

const (
	// DefaultBackendURL is the server's MCP endpoint on a local install.
	DefaultBackendURL = "http://localhost:9437/mcp"
	// DefaultCallTimeout bounds every request on a session.
	DefaultCallTimeout = 30 * time.Second

	clientName = "mcpcheck"
)

// ParseKind validates a transport name.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindStdio:
		return KindStdio, nil
	case KindHTTP:
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want stdio or http)", value)
	}
}

// Target describes where the server lives and how to reach it.
type Target struct {
	// BackendURL is the MCP endpoint for http sessions and the upstream
	// handed to the stdio bridge.
	BackendURL string
	// BridgePath overrides bridge discovery for stdio sessions.
	BridgePath string
	// SearchRoot is where target/debug and target/release are probed.
	SearchRoot string
	// CallTimeout bounds each request. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	// Headers are added to every http request.
	Headers map[string]string
	// HTTPClient overrides the pooled client for http sessions.
	HTTPClient *http.Client
}

func (t Target) withDefaults() Target {
	if strings.TrimSpace(t.BackendURL) == "" {
		t.BackendURL = DefaultBackendURL
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = DefaultCallTimeout
	}
	return t
}

// ToolDescriptor is one advertised tool. InputSchema is the raw JSON the
// server sent, which may be absent, null, or not an object.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallObservation captures one request issued on a session.
type CallObservation struct {
	Method   string
	Tool     string
	Duration time.Duration
	Err      error
}

// CallObserver receives an observation after every session request.
type CallObserver interface {
	ObserveCall(observation CallObservation)
}

type options struct {
	logger   *slog.Logger
	observer CallObserver
	version  string
}

// Option customizes Open.
type Option func(*options)

// WithLogger sets the session logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers a call observer.
func WithObserver(observer CallObserver) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithClientVersion sets the version reported in clientInfo.
func WithClientVersion(version string) Option {
	return func(o *options) {
		if strings.TrimSpace(version) != "" {
			o.version = version
		}
	}
}

// cleanupFunc releases one resource acquired during Open.
type cleanupFunc func(ctx context.Context) error

type transportFactory func(ctx context.Context, target Target, logger *slog.Logger) (mcp.Transport, []cleanupFunc, error)

var transportFactories = map[Kind]transportFactory{
	KindStdio: newStdioTransport,
	KindHTTP:  newHTTPTransport,
}

// Session is an open MCP channel. It is safe for concurrent use once Open
// returns.
type Session struct {
	kind     Kind
	target   Target
	logger   *slog.Logger
	observer CallObserver
	client   *mcp.Client
	init     mcp.InitializeResult

	mu       sync.Mutex
	cleanups []cleanupFunc
	closed   bool
}

// Open establishes a channel of the given kind and performs the initialize
// handshake. Every failure is a *TransportError, and anything acquired before
// the failure is released before Open returns.
func Open(ctx context.Context, kind Kind, target Target, opts ...Option) (*Session, error) {
	o := options{
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(&o)
	}

	target = target.withDefaults()
	factory, ok := transportFactories[kind]
	if !ok {
		return nil, &TransportError{Kind: kind, Op: "open", Err: fmt.Errorf("unsupported transport %q", kind)}
	}

	s := &Session{
		kind:     kind,
		target:   target,
		logger:   o.logger.With(slog.String("transport", string(kind))),
		observer: o.observer,
	}

	transport, cleanups, err := factory(ctx, target, s.logger)
	for _, cleanup := range cleanups {
		s.push(cleanup)
	}
	if err != nil {
		s.closeQuietly()
		return nil, &TransportError{Kind: kind, Op: "open", Err: err}
	}

	s.client = mcp.NewClient(transport, mcp.Options{
		ClientInfo: mcp.ClientInfo{
			Name:    clientName,
			Version: o.version,
		},
		Capabilities: map[string]any{
			"tools": map[string]any{},
		},
	})
	s.push(s.client.Close)

	callCtx, cancel := context.WithTimeout(ctx, target.CallTimeout)
	defer cancel()
	started := time.Now()
	result, err := s.client.Initialize(callCtx)
	s.observe("initialize", "", started, err)
	if err != nil {
		s.closeQuietly()
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("timeout after %s: %w", target.CallTimeout, err)
		}
		return nil, &TransportError{Kind: kind, Op: "initialize", Err: err}
	}
	s.init = result

	s.logger.Debug("mcp session opened",
		slog.String("server", result.ServerInfo.Name),
		slog.String("server_version", result.ServerInfo.Version),
		slog.String("protocol_version", result.ProtocolVersion),
	)
	return s, nil
}

// InitializeResult returns what the server reported during the handshake.
func (s *Session) InitializeResult() mcp.InitializeResult {
	if s == nil {
		return mcp.InitializeResult{}
	}
	return s.init
}

// IsOpen reports whether the session was opened and not yet closed.
func (s *Session) IsOpen() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && !s.closed
}

// ListTools returns every advertised tool in server order.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.target.CallTimeout)
	defer cancel()

	started := time.Now()
	listed, err := s.client.ListTools(callCtx)
	if err != nil {
		err = s.invocationError(ctx, callCtx, "", err)
		s.observe("tools/list", "", started, err)
		return nil, err
	}
	s.observe("tools/list", "", started, nil)

	tools := make([]ToolDescriptor, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return tools, nil
}

// CallTool invokes name with params and returns the structured payload:
// structuredContent when present, else the first text block parsed as JSON,
// else that text as a JSON string. Failures are *InvocationError.
func (s *Session) CallTool(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.target.CallTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.client.CallTool(callCtx, mcp.ToolsCallParams{
		Name:      name,
		Arguments: params,
	})
	if err != nil {
		err = s.invocationError(ctx, callCtx, name, err)
		s.observe("tools/call", name, started, err)
		return nil, err
	}

	if result.IsError {
		message := result.JoinedText()
		if strings.TrimSpace(message) == "" {
			message = "server reported isError"
		}
		err := &InvocationError{Tool: name, Message: strings.TrimSpace(message)}
		s.observe("tools/call", name, started, err)
		return nil, err
	}

	payload, err := toolPayload(result)
	if err != nil {
		err = &InvocationError{Tool: name, Message: err.Error(), Err: err}
	}
	s.observe("tools/call", name, started, err)
	return payload, err
}

// Close releases every resource in reverse acquisition order. It is safe on a
// nil, unopened, or already closed session.
func (s *Session) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("mcp session cleanup failed", slog.Any("error", err))
	}
	return err
}

func (s *Session) closeQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Close(ctx)
}

func (s *Session) push(cleanup cleanupFunc) {
	if cleanup == nil {
		return
	}
	s.mu.Lock()
	s.cleanups = append(s.cleanups, cleanup)
	s.mu.Unlock()
}

func (s *Session) ready() error {
	if s == nil {
		return &TransportError{Op: "call", Err: errors.New("session is nil")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.closed {
		return &TransportError{Kind: s.kind, Op: "call", Err: errors.New("session is closed")}
	}
	return nil
}

func (s *Session) invocationError(parent, callCtx context.Context, tool string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && parent.Err() == nil {
		return &InvocationError{
			Tool:    tool,
			Message: fmt.Sprintf("timeout after %s", s.target.CallTimeout),
			Timeout: true,
			Err:     err,
		}
	}

	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return &InvocationError{Tool: tool, Code: rpcErr.Code, Message: rpcErr.Message, Err: err}
	}
	return &InvocationError{Tool: tool, Message: err.Error(), Err: err}
}

func (s *Session) observe(method, tool string, started time.Time, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveCall(CallObservation{
		Method:   method,
		Tool:     tool,
		Duration: time.Since(started),
		Err:      err,
	})
}

func toolPayload(result mcp.ToolsCallResult) (json.RawMessage, error) {
	if structured := trimRaw(result.StructuredContent); len(structured) > 0 && string(structured) != "null" {
		return structured, nil
	}

	text, ok := result.FirstText()
	if !ok {
		return nil, errors.New("result has no structured or text content")
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("encode text payload: %w", err)
	}
	return encoded, nil
}

func trimRaw(raw json.RawMessage) json.RawMessage {
	return json.RawMessage(strings.TrimSpace(string(raw)))
}
