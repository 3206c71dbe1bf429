// Package dashboard talks to the server's dashboard API: the chatbot query
// endpoint and the direct MCP tool execute endpoint.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/TexasFortress-AI/mcpcheck/session"
)

const (
	// QueryPath is the chatbot endpoint.
	QueryPath = "/api/dashboard/chatbot/query"
	// ExecutePath runs one MCP tool without the chatbot in between.
	ExecutePath = "/api/dashboard/mcp/execute"
	// APIKeyHeader carries the dashboard API key.
	APIKeyHeader = "X-API-Key"

	// DefaultTimeout bounds one dashboard request. Chatbot queries wait on
	// an LLM round trip, so it is longer than the MCP per-call default.
	DefaultTimeout = 120 * time.Second

	maxErrorBody    = 512
	maxResponseBody = 32 << 20
)

// Config configures a dashboard Client.
type Config struct {
	// BaseURL is the scheme and host of the server, e.g. http://localhost:9437.
	BaseURL string
	APIKey  string
	// Timeout bounds each request when Client is nil.
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Client calls the dashboard API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// QueryRequest is the chatbot request body.
type QueryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	AccountID      string `json:"account_id,omitempty"`
	CurrentFolder  string `json:"current_folder,omitempty"`
}

// QueryResponse is the part of the chatbot reply the harness reads.
type QueryResponse struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
}

type executeRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Tool    string          `json:"tool"`
}

// StatusError is returned for non-2xx dashboard responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("dashboard: %s returned status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("dashboard: %s returned status %d: %s", e.Path, e.StatusCode, body)
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("dashboard: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("dashboard: invalid base url %q", cfg.BaseURL)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = session.HTTPClient(timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    client,
		logger:  logger,
	}, nil
}

// BaseURLFrom derives the dashboard base URL from an MCP endpoint URL by
// keeping only its scheme and host.
func BaseURLFrom(endpoint string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("dashboard: parse %q: %w", endpoint, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("dashboard: %q has no scheme or host", endpoint)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// Query sends a natural-language query to the chatbot. A fresh conversation
// id is generated when the request has none.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return QueryResponse{}, errors.New("dashboard: query is required")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	var out QueryResponse
	if err := c.post(ctx, QueryPath, req, &out); err != nil {
		return QueryResponse{}, err
	}
	c.logger.Debug("chatbot replied",
		slog.String("conversation_id", out.ConversationID),
		slog.Int("chars", len(out.Text)),
	)
	return out, nil
}

// CallTool runs name through the execute endpoint and returns its data
// payload. A success:false reply is a *session.InvocationError.
func (c *Client) CallTool(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}

	var out executeResponse
	if err := c.post(ctx, ExecutePath, executeRequest{Tool: name, Parameters: params}, &out); err != nil {
		return nil, &session.InvocationError{Tool: name, Message: err.Error(), Err: err}
	}
	if !out.Success {
		message := strings.TrimSpace(out.Error)
		if message == "" {
			message = "execute reported success=false"
		}
		return nil, &session.InvocationError{Tool: name, Message: message}
	}
	if len(bytes.TrimSpace(out.Data)) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Data, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dashboard: encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dashboard: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dashboard: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return fmt.Errorf("dashboard: read %s response: %w", path, err)
	}
	if len(data) > maxResponseBody {
		return fmt.Errorf("dashboard: %s response exceeds %d bytes", path, maxResponseBody)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		text := string(data)
		if len(text) > maxErrorBody {
			cut := maxErrorBody
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + "..."
		}
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: text}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("dashboard: decode %s response: %w", path, err)
	}
	return nil
}
