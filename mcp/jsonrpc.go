package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

const jsonRPCVersion = "2.0"

// Method names the harness sends.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// JSON-RPC error codes a conformant server answers with.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var codeNames = map[int]string{
	CodeParseError:     "parse error",
	CodeInvalidRequest: "invalid request",
	CodeMethodNotFound: "method not found",
	CodeInvalidParams:  "invalid params",
	CodeInternalError:  "internal error",
}

// Message is one JSON-RPC 2.0 frame. Requests and responses carry a
// non-zero ID; notifications have ID 0 and a method. The client only issues
// integer ids, so a frame whose id is a string, a fraction or null decodes
// with ID 0 and is never matched to a pending call.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// UnmarshalJSON accepts any JSON-RPC id form. Non-integer ids are kept out
// of ID so server-initiated requests like a string-id ping do not fail the
// whole frame.
func (m *Message) UnmarshalJSON(data []byte) error {
	type frame Message
	var wire struct {
		frame
		ID json.RawMessage `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Message(wire.frame)
	m.ID = integerID(wire.ID)
	return nil
}

func integerID(raw json.RawMessage) int64 {
	var id int64
	if len(raw) == 0 || json.Unmarshal(raw, &id) != nil {
		return 0
	}
	return id
}

func newRequest(id int64, method string, params json.RawMessage) Message {
	return Message{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}
}

func newNotification(method string, params json.RawMessage) Message {
	return Message{JSONRPC: jsonRPCVersion, Method: method, Params: params}
}

// IsResponse reports whether m answers a request rather than being a
// request or notification of its own.
func (m Message) IsResponse() bool {
	return m.Method == "" && m.ID != 0
}

// decodeResult unmarshals the result of a response into out, surfacing the
// error object first.
func (m Message) decodeResult(out any) error {
	if m.JSONRPC != "" && m.JSONRPC != jsonRPCVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.Error != nil {
		return m.Error
	}
	if out == nil || len(m.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if name, ok := codeNames[e.Code]; ok {
		return fmt.Sprintf("mcp: rpc error %d (%s): %s", e.Code, name, e.Message)
	}
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// Is matches another *RPCError by code, so errors.Is(err, &RPCError{Code: CodeMethodNotFound})
// works through wrapping.
func (e *RPCError) Is(target error) bool {
	var other *RPCError
	if e == nil || !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code == e.Code
}

// RequestError ties a failure to the method whose request produced it.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: %s: %v", e.Method, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
