package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func httpResponse(status int, contentType string, body string, headers map[string]string) *http.Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	for key, value := range headers {
		header.Set(key, value)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestStdioTransportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := NewStdioTransport(ctx, StdioTransportConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_MCP_STDIO_HELPER": "1",
			"MCP_BACKEND_URL":          "http://localhost:9437/api",
		},
	})
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}

	client := NewClient(transport, Options{})
	defer client.Close(context.Background())

	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	listed, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(listed.Tools) != 1 || listed.Tools[0].Name != "list_accounts" {
		t.Fatalf("ListTools() = %#v, want list_accounts", listed.Tools)
	}

	called, err := client.CallTool(ctx, ToolsCallParams{Name: "list_accounts"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	text, ok := called.FirstText()
	if !ok || text != "http://localhost:9437/api" {
		t.Fatalf("CallTool() text = %q, want backend url echoed from env", text)
	}
}

func TestStdioTransportReportsExitWithStderr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := NewStdioTransport(ctx, StdioTransportConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_MCP_STDIO_HELPER": "1",
			"MCP_STDIO_HELPER_MODE":    "crash",
		},
	})
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}
	defer transport.Close(context.Background())

	_, err = transport.Receive(ctx)
	if err == nil {
		t.Fatal("Receive() error = nil, want closed stdout")
	}
	if !strings.Contains(err.Error(), "backend unreachable") {
		t.Fatalf("Receive() error = %v, want stderr tail", err)
	}
}

func TestStdioTransportSkipsNonJSONLines(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := NewStdioTransport(ctx, StdioTransportConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_MCP_STDIO_HELPER": "1",
			"MCP_STDIO_HELPER_MODE":    "banner",
		},
	})
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}
	defer transport.Close(context.Background())

	if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: 7, Method: "tools/list"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	message, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if message.ID != 7 || !message.IsResponse() {
		t.Fatalf("Receive() = %+v, want response to id 7", message)
	}
}

func TestStdioTransportSurvivesServerRequestWithStringID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := NewStdioTransport(ctx, StdioTransportConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_MCP_STDIO_HELPER": "1",
			"MCP_STDIO_HELPER_MODE":    "ping",
		},
	})
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}
	client := NewClient(transport, Options{})
	defer client.Close(context.Background())

	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	listed, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() after server ping error = %v", err)
	}
	if len(listed.Tools) != 1 || listed.Tools[0].Name != "list_accounts" {
		t.Fatalf("ListTools() = %+v", listed.Tools)
	}
}

func TestStdioTransportRequiresCommand(t *testing.T) {
	_, err := NewStdioTransport(context.Background(), StdioTransportConfig{})
	if err == nil {
		t.Fatal("NewStdioTransport() error = nil, want missing command")
	}
}

func TestStdioTransportCloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := NewStdioTransport(ctx, StdioTransportConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess", "--"},
		Env:     map[string]string{"GO_WANT_MCP_STDIO_HELPER": "1"},
	})
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: 1, Method: "tools/list"}); err == nil {
		t.Fatal("Send() after Close error = nil")
	}
}

func TestHTTPTransportSessionIDAndJSONResponse(t *testing.T) {
	var (
		mu       sync.Mutex
		seenIDs  []string
		accepted []string
	)
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		seenIDs = append(seenIDs, req.Header.Get(SessionHeader))
		accepted = append(accepted, req.Header.Get("Accept"))
		mu.Unlock()

		if req.Header.Get("X-API-Key") != "secret" {
			return httpResponse(http.StatusUnauthorized, "text/plain", "missing key", nil), nil
		}

		var message Message
		if err := json.NewDecoder(req.Body).Decode(&message); err != nil {
			return nil, err
		}
		switch message.Method {
		case "initialize":
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","serverInfo":{"name":"rustymail"}}}`, message.ID)
			return httpResponse(http.StatusOK, "application/json", body, map[string]string{SessionHeader: "sess-1"}), nil
		case "notifications/initialized":
			return httpResponse(http.StatusAccepted, "", "", nil), nil
		default:
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, message.ID)
			return httpResponse(http.StatusOK, "application/json", body, nil), nil
		}
	})}

	transport, err := NewHTTPTransport(HTTPTransportConfig{
		Endpoint: "http://localhost:9437/mcp",
		Headers:  map[string]string{"X-API-Key": "secret"},
		Client:   client,
	})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	mcpClient := NewClient(transport, Options{})
	defer mcpClient.Close(context.Background())

	if _, err := mcpClient.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := mcpClient.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if transport.SessionID() != "sess-1" {
		t.Fatalf("SessionID() = %q, want sess-1", transport.SessionID())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seenIDs) != 3 {
		t.Fatalf("request count = %d, want 3", len(seenIDs))
	}
	if seenIDs[0] != "" || seenIDs[1] != "sess-1" || seenIDs[2] != "sess-1" {
		t.Fatalf("session headers = %v, want replay after initialize", seenIDs)
	}
	if !strings.Contains(accepted[0], "text/event-stream") {
		t.Fatalf("Accept = %q, want event-stream accepted", accepted[0])
	}
}

func TestHTTPTransportEventStreamResponse(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		var message Message
		if err := json.NewDecoder(req.Body).Decode(&message); err != nil {
			return nil, err
		}
		body := "event: message\n" +
			fmt.Sprintf("data: {\"jsonrpc\":\"2.0\",\"id\":%d,\n", message.ID) +
			"data: \"result\":{\"content\":[{\"type\":\"text\",\"text\":\"{\\\"count\\\":3}\"}]}}\n\n"
		return httpResponse(http.StatusOK, "text/event-stream; charset=utf-8", body, nil), nil
	})}

	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: "http://example.test/mcp", Client: client})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	mcpClient := NewClient(transport, Options{})
	defer mcpClient.Close(context.Background())

	result, err := mcpClient.CallTool(context.Background(), ToolsCallParams{Name: "count_emails_in_folder"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	text, _ := result.FirstText()
	if text != `{"count":3}` {
		t.Fatalf("FirstText() = %q", text)
	}
}

func TestHTTPTransportSkipsServerRequestWithStringID(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		var message Message
		if err := json.NewDecoder(req.Body).Decode(&message); err != nil {
			return nil, err
		}
		if message.ID == 0 {
			return httpResponse(http.StatusAccepted, "", "", nil), nil
		}
		body := "data: {\"jsonrpc\":\"2.0\",\"id\":\"srv-ping-1\",\"method\":\"ping\"}\n\n" +
			fmt.Sprintf("data: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"protocolVersion\":\"2025-03-26\",\"serverInfo\":{\"name\":\"rustymail\"}}}\n\n", message.ID)
		return httpResponse(http.StatusOK, "text/event-stream", body, nil), nil
	})}

	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: "http://example.test/mcp", Client: client})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	mcpClient := NewClient(transport, Options{})
	defer mcpClient.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := mcpClient.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if result.ServerInfo.Name != "rustymail" {
		t.Fatalf("ServerInfo.Name = %q", result.ServerInfo.Name)
	}
}

func TestMessageDecodesAnyIDForm(t *testing.T) {
	tests := []struct {
		frame      string
		wantID     int64
		wantMethod string
		response   bool
	}{
		{frame: `{"jsonrpc":"2.0","id":7,"result":{}}`, wantID: 7, response: true},
		{frame: `{"jsonrpc":"2.0","id":"srv-ping-1","method":"ping"}`, wantMethod: "ping"},
		{frame: `{"jsonrpc":"2.0","id":"3","result":{}}`},
		{frame: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`},
		{frame: `{"jsonrpc":"2.0","id":1.5,"result":{}}`},
		{frame: `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`, wantMethod: "notifications/message"},
	}
	for _, tt := range tests {
		var message Message
		if err := json.Unmarshal([]byte(tt.frame), &message); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.frame, err)
		}
		if message.ID != tt.wantID || message.Method != tt.wantMethod || message.IsResponse() != tt.response {
			t.Fatalf("Unmarshal(%s) = %+v, want id %d method %q response %v", tt.frame, message, tt.wantID, tt.wantMethod, tt.response)
		}
		if message.JSONRPC != "2.0" {
			t.Fatalf("Unmarshal(%s) lost jsonrpc version", tt.frame)
		}
	}
}

func TestHTTPTransportStatusError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusBadGateway, "text/plain", "upstream down", nil), nil
	})}
	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: "http://example.test/mcp", Client: client})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}

	err = transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: 1, Method: "tools/list"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Send() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway || statusErr.Body != "upstream down" {
		t.Fatalf("StatusError = %+v", statusErr)
	}
}

func TestHTTPTransportNoContentIsAcknowledged(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusNoContent, "", "", nil), nil
	})}
	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: "http://example.test/mcp", Client: client})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	if err := transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, Method: "notifications/initialized"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := transport.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive() error = %v, want nothing queued", err)
	}
}

func TestHTTPTransportRejectsSendAfterClose(t *testing.T) {
	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: "http://example.test/mcp"})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: 1}); err == nil {
		t.Fatal("Send() after Close error = nil")
	}
}

func TestNewHTTPTransportRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: "  "}); err == nil {
		t.Fatal("NewHTTPTransport() error = nil, want missing endpoint")
	}
}

func TestDecodeHTTPBodyBatch(t *testing.T) {
	messages, err := decodeHTTPBody("application/json", []byte(`[{"jsonrpc":"2.0","id":1,"result":{}},{"jsonrpc":"2.0","method":"notifications/progress"}]`))
	if err != nil {
		t.Fatalf("decodeHTTPBody() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(messages))
	}
	if !messages[0].IsResponse() || messages[1].IsResponse() {
		t.Fatalf("IsResponse classification wrong: %+v", messages)
	}
}

func TestTailBufferKeepsMostRecentBytes(t *testing.T) {
	buf := &tailBuffer{limit: 8}
	buf.WriteLine("first")
	buf.WriteLine("second")
	got := buf.String()
	if len(got) > 8 {
		t.Fatalf("tail length = %d, want <= 8", len(got))
	}
	if !strings.HasSuffix(got, "second\n") {
		t.Fatalf("tail = %q, want suffix second", got)
	}
}

// TestMCPStdioHelperProcess acts as a minimal stdio MCP bridge when re-executed
// by the stdio transport tests.
func TestMCPStdioHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_MCP_STDIO_HELPER") != "1" {
		return
	}

	if os.Getenv("MCP_STDIO_HELPER_MODE") == "crash" {
		_, _ = fmt.Fprintln(os.Stderr, "error: backend unreachable")
		os.Exit(3)
	}

	scanner := bufio.NewScanner(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	if os.Getenv("MCP_STDIO_HELPER_MODE") == "banner" {
		_, _ = writer.WriteString("rustymail bridge starting\n\n")
		_ = writer.Flush()
	}
	for scanner.Scan() {
		var message Message
		if err := json.Unmarshal(scanner.Bytes(), &message); err != nil {
			continue
		}
		if message.ID == 0 {
			continue
		}

		var result any
		switch message.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2025-03-26",
				"serverInfo":      map[string]any{"name": "helper"},
			}
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{{
					"name":        "list_accounts",
					"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
				}},
			}
		case "tools/call":
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": os.Getenv("MCP_BACKEND_URL")}},
			}
		default:
			result = map[string]any{}
		}

		if os.Getenv("MCP_STDIO_HELPER_MODE") == "ping" {
			_, _ = writer.WriteString(`{"jsonrpc":"2.0","id":"srv-ping-1","method":"ping"}` + "\n")
		}
		raw, _ := json.Marshal(result)
		data, _ := json.Marshal(Message{JSONRPC: jsonRPCVersion, ID: message.ID, Result: raw})
		_, _ = writer.Write(append(data, '\n'))
		_ = writer.Flush()
	}
	os.Exit(0)
}
