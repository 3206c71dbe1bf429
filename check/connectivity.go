package check

import (
	"context"
	"fmt"

	"github.com/TexasFortress-AI/mcpcheck/mcp"
)

// Handshaker exposes the result of the initialize handshake.
type Handshaker interface {
	IsOpen() bool
	InitializeResult() mcp.InitializeResult
}

// CheckHandshake passes when the session is open and the server reported a
// protocol version.
func CheckHandshake(s Handshaker) Outcome {
	const name = "Initialize handshake"
	if s == nil || !s.IsOpen() {
		return Fail(name, "session is not open")
	}
	result := s.InitializeResult()
	if result.ProtocolVersion == "" {
		return Fail(name, "server did not report a protocol version")
	}
	server := result.ServerInfo.Name
	if server == "" {
		server = "unnamed server"
	}
	detail := fmt.Sprintf("%s, protocol %s", server, result.ProtocolVersion)
	if len(result.Capabilities) > 0 && !result.HasCapability("tools") {
		detail += " (tools capability not advertised)"
	}
	return Pass(name, detail)
}

// CheckSimpleCall calls list_accounts with no arguments. Any invocation error
// fails the check.
func CheckSimpleCall(ctx context.Context, caller Caller) Outcome {
	const name = "list_accounts tool call"
	payload, err := caller.CallTool(ctx, "list_accounts", map[string]any{})
	if err != nil {
		return Fail(name, err.Error())
	}
	if message, failed := reportedFailure(payload); failed {
		return Fail(name, message)
	}
	return Pass(name, "Tool call succeeded")
}
