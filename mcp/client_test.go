package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// pipeTransport hands every request to serve and feeds whatever serve
// pushes back through replies, the way a real connection would.
type pipeTransport struct {
	serve func(p *pipeTransport, req Message)

	replies chan Message
	broken  chan error

	mu       sync.Mutex
	sent     []Message
	isClosed bool
}

func newPipe(serve func(p *pipeTransport, req Message)) *pipeTransport {
	return &pipeTransport{
		serve:   serve,
		replies: make(chan Message, 64),
		broken:  make(chan error, 1),
	}
}

// answer builds a serve func that replies to each request with fn's result.
func answer(t *testing.T, fn func(req Message) any) func(*pipeTransport, Message) {
	return func(p *pipeTransport, req Message) {
		switch v := fn(req).(type) {
		case nil:
		case *RPCError:
			p.replies <- Message{JSONRPC: jsonRPCVersion, ID: req.ID, Error: v}
		default:
			p.replies <- Message{JSONRPC: jsonRPCVersion, ID: req.ID, Result: rawJSON(t, v)}
		}
	}
}

func (p *pipeTransport) Send(_ context.Context, message Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, message)
	serve := p.serve
	p.mu.Unlock()
	if message.ID != 0 && serve != nil {
		serve(p, message)
	}
	return nil
}

func (p *pipeTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-p.replies:
		return message, nil
	case err := <-p.broken:
		return Message{}, err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeTransport) Close(context.Context) error {
	p.mu.Lock()
	p.isClosed = true
	p.mu.Unlock()
	return nil
}

func (p *pipeTransport) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.Method)
	}
	return out
}

func (p *pipeTransport) params(t *testing.T, i int) map[string]any {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	return paramsOf(t, p.sent[i].Params)
}

func TestInitializeSendsIdentityThenNotification(t *testing.T) {
	pipe := newPipe(answer(t, func(req Message) any {
		return InitializeResult{
			ProtocolVersion: "2026-01-01",
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      ServerInfo{Name: "rustymail-mcp", Version: "1.0.0"},
		}
	}))
	client := NewClient(pipe, Options{
		ProtocolVersion: "2026-01-01",
		ClientInfo:      ClientInfo{Name: "mcpcheck-test", Version: "0.1.0"},
	})
	defer client.Close(context.Background())

	got, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got.ServerInfo.Name != "rustymail-mcp" || !got.HasCapability("tools") {
		t.Fatalf("Initialize() = %+v", got)
	}

	methods := pipe.methods()
	if len(methods) != 2 || methods[0] != "initialize" || methods[1] != "notifications/initialized" {
		t.Fatalf("sent methods = %v", methods)
	}
	params := pipe.params(t, 0)
	if params["protocolVersion"] != "2026-01-01" {
		t.Errorf("protocolVersion = %v", params["protocolVersion"])
	}
	if info, _ := params["clientInfo"].(map[string]any); info["name"] != "mcpcheck-test" {
		t.Errorf("clientInfo = %v", params["clientInfo"])
	}
}

func TestInitializeDefaultsAndCaching(t *testing.T) {
	pipe := newPipe(answer(t, func(req Message) any {
		return InitializeResult{ProtocolVersion: "2025-03-26", ServerInfo: ServerInfo{Name: "rustymail-mcp"}}
	}))
	client := NewClient(pipe, Options{})
	defer client.Close(context.Background())

	for i := 0; i < 3; i++ {
		if _, err := client.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize() #%d error = %v", i, err)
		}
	}
	if methods := pipe.methods(); len(methods) != 2 {
		t.Fatalf("sent methods = %v, want one handshake", methods)
	}
	params := pipe.params(t, 0)
	if params["protocolVersion"] != defaultProtocolVersion {
		t.Fatalf("protocolVersion = %v, want default", params["protocolVersion"])
	}
	if info, _ := params["clientInfo"].(map[string]any); info["name"] != defaultClientName {
		t.Fatalf("clientInfo = %v, want default name", params["clientInfo"])
	}
}

func TestListToolsFollowsCursor(t *testing.T) {
	pipe := newPipe(answer(t, func(req Message) any {
		if paramsOf(t, req.Params)["cursor"] == "page-2" {
			return map[string]any{"tools": []map[string]any{
				{"name": "list_accounts", "inputSchema": map[string]any{"type": "object"}},
			}}
		}
		return map[string]any{
			"tools": []map[string]any{
				{"name": "list_folders", "inputSchema": map[string]any{"type": "object"}},
				{"name": "broken", "inputSchema": "not-an-object"},
			},
			"nextCursor": "page-2",
		}
	}))
	client := NewClient(pipe, Options{})
	defer client.Close(context.Background())

	result, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(result.Tools) != 3 || result.Tools[2].Name != "list_accounts" {
		t.Fatalf("tools = %+v", result.Tools)
	}
	if string(result.Tools[1].InputSchema) != `"not-an-object"` {
		t.Fatalf("raw schema = %s, want the scalar preserved", result.Tools[1].InputSchema)
	}
	if _, ok := pipe.params(t, 0)["cursor"]; ok {
		t.Fatal("first page sent a cursor")
	}
}

func TestListToolsStopsRunawayPagination(t *testing.T) {
	page := 0
	pipe := newPipe(answer(t, func(req Message) any {
		page++
		return map[string]any{"tools": []any{}, "nextCursor": fmt.Sprintf("p%d", page)}
	}))
	client := NewClient(pipe, Options{})
	defer client.Close(context.Background())

	_, err := client.ListTools(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Method != "tools/list" {
		t.Fatalf("ListTools() error = %v, want RequestError", err)
	}
	if page != maxListPages {
		t.Fatalf("pages fetched = %d, want %d", page, maxListPages)
	}
}

func TestRPCErrorNamesStandardCodes(t *testing.T) {
	tests := []struct {
		err  *RPCError
		want string
	}{
		{err: &RPCError{Code: CodeParseError, Message: "bad json"}, want: "mcp: rpc error -32700 (parse error): bad json"},
		{err: &RPCError{Code: CodeInvalidRequest, Message: "no method"}, want: "mcp: rpc error -32600 (invalid request): no method"},
		{err: &RPCError{Code: CodeMethodNotFound, Message: "resources/list"}, want: "mcp: rpc error -32601 (method not found): resources/list"},
		{err: &RPCError{Code: CodeInvalidParams, Message: "Missing folder"}, want: "mcp: rpc error -32602 (invalid params): Missing folder"},
		{err: &RPCError{Code: CodeInternalError, Message: "boom"}, want: "mcp: rpc error -32603 (internal error): boom"},
		{err: &RPCError{Code: -32000, Message: "IMAP down"}, want: "mcp: rpc error -32000: IMAP down"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestCallToolSurfacesRPCError(t *testing.T) {
	pipe := newPipe(answer(t, func(req Message) any {
		return &RPCError{Code: CodeInternalError, Message: "Failed to lookup account"}
	}))
	client := NewClient(pipe, Options{})
	defer client.Close(context.Background())

	_, err := client.CallTool(context.Background(), ToolsCallParams{Name: "count_emails_in_folder"})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "Failed to lookup account" {
		t.Fatalf("CallTool() error = %v, want rpc error in chain", err)
	}
	if !errors.Is(err, &RPCError{Code: CodeInternalError}) {
		t.Fatal("errors.Is did not match on code")
	}
	if errors.Is(err, &RPCError{Code: CodeInvalidParams}) {
		t.Fatal("errors.Is matched a different code")
	}
	if _, ok := pipe.params(t, 0)["arguments"].(map[string]any); !ok {
		t.Fatal("nil arguments were not sent as an empty object")
	}
}

func TestClientIgnoresServerNotifications(t *testing.T) {
	pipe := newPipe(func(p *pipeTransport, req Message) {
		p.replies <- Message{JSONRPC: jsonRPCVersion, Method: "notifications/message"}
		p.replies <- Message{JSONRPC: jsonRPCVersion, ID: 999, Result: rawJSON(t, map[string]any{})}
		p.replies <- Message{JSONRPC: jsonRPCVersion, ID: req.ID, Result: rawJSON(t, map[string]any{"tools": []any{}})}
	})
	client := NewClient(pipe, Options{})
	defer client.Close(context.Background())

	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
}

func TestClientMultiplexesConcurrentCalls(t *testing.T) {
	const calls = 8
	var (
		mu      sync.Mutex
		waiting []Message
	)
	// Hold every request, then answer in reverse so responses cross.
	pipe := newPipe(func(p *pipeTransport, req Message) {
		mu.Lock()
		defer mu.Unlock()
		waiting = append(waiting, req)
		if len(waiting) < calls {
			return
		}
		for i := len(waiting) - 1; i >= 0; i-- {
			name := paramsOf(t, waiting[i].Params)["name"]
			p.replies <- Message{JSONRPC: jsonRPCVersion, ID: waiting[i].ID, Result: rawJSON(t, map[string]any{
				"content": []map[string]any{{"type": "text", "text": name}},
			})}
		}
	})
	client := NewClient(pipe, Options{})
	defer client.Close(context.Background())

	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("tool_%d", i)
			result, err := client.CallTool(context.Background(), ToolsCallParams{Name: name})
			if err != nil {
				errs <- err
				return
			}
			if text, _ := result.FirstText(); text != name {
				errs <- fmt.Errorf("call %s got response for %s", name, text)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCallHonorsContextDeadline(t *testing.T) {
	client := NewClient(newPipe(nil), Options{})
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.ListTools(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ListTools() error = %v, want deadline exceeded", err)
	}
}

func TestBrokenTransportFailsPendingAndLaterCalls(t *testing.T) {
	cause := errors.New("mcp: stdio process exited: exit status 1")
	pipe := newPipe(func(p *pipeTransport, req Message) {
		select {
		case p.broken <- cause:
		default:
		}
	})
	client := NewClient(pipe, Options{})
	defer client.Close(context.Background())

	_, err := client.CallTool(context.Background(), ToolsCallParams{Name: "list_accounts"})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Method != "tools/call" || !errors.Is(err, cause) {
		t.Fatalf("CallTool() error = %v, want wrapped transport failure", err)
	}

	_, err = client.ListTools(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("ListTools() after failure error = %v, want same cause", err)
	}
}

func TestCloseIsIdempotentAndRejectsCalls(t *testing.T) {
	pipe := newPipe(nil)
	client := NewClient(pipe, Options{})

	for i := 0; i < 2; i++ {
		if err := client.Close(context.Background()); err != nil {
			t.Fatalf("Close() #%d error = %v", i, err)
		}
	}
	if !pipe.isClosed {
		t.Fatal("transport was not closed")
	}
	if _, err := client.ListTools(context.Background()); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("ListTools() after Close error = %v, want ErrClientClosed", err)
	}

	var nilClient *Client
	if err := nilClient.Close(context.Background()); err != nil {
		t.Fatalf("nil Close() error = %v", err)
	}
}

func TestCloseReleasesWaitingCall(t *testing.T) {
	client := NewClient(newPipe(nil), Options{})

	done := make(chan error, 1)
	go func() {
		_, err := client.ListTools(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = client.Close(context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, ErrClientClosed) {
			t.Fatalf("ListTools() error = %v, want ErrClientClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not released by Close")
	}
}

func paramsOf(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	return out
}

func rawJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return data
}
