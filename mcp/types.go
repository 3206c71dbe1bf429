package mcp

import (
	"encoding/json"
	"strings"
)

// ClientInfo names the harness in the initialize request.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerInfo names the server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// HasCapability reports whether the server advertised the named capability.
func (r InitializeResult) HasCapability(name string) bool {
	_, ok := r.Capabilities[name]
	return ok
}

// Tool is one entry of a tools/list page. InputSchema is kept raw so a
// malformed schema fails its own check instead of the whole listing.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type ToolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type toolsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentBlock is one item of a tools/call result's content array. Only
// text blocks matter to the harness; other kinds are carried through.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type ToolsCallResult struct {
	Content           []ContentBlock  `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// FirstText returns the text of the first text block.
func (r ToolsCallResult) FirstText() (string, bool) {
	for _, block := range r.Content {
		if block.Type == "text" {
			return block.Text, true
		}
	}
	return "", false
}

// JoinedText concatenates every text block, one per line.
func (r ToolsCallResult) JoinedText() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
