package check

import (
	"context"
	"errors"
	"testing"

	"github.com/TexasFortress-AI/mcpcheck/mcp"
	"github.com/TexasFortress-AI/mcpcheck/session"
)

type fakeHandshake struct {
	open   bool
	result mcp.InitializeResult
}

func (f fakeHandshake) IsOpen() bool                           { return f.open }
func (f fakeHandshake) InitializeResult() mcp.InitializeResult { return f.result }

func TestCheckHandshake(t *testing.T) {
	ok := CheckHandshake(fakeHandshake{open: true, result: mcp.InitializeResult{
		ProtocolVersion: "2025-03-26",
		ServerInfo:      mcp.ServerInfo{Name: "rustymail-mcp"},
	}})
	if !ok.Passed || ok.Detail != "rustymail-mcp, protocol 2025-03-26" {
		t.Fatalf("outcome = %+v", ok)
	}

	noTools := CheckHandshake(fakeHandshake{open: true, result: mcp.InitializeResult{
		ProtocolVersion: "2025-03-26",
		Capabilities:    map[string]any{"logging": map[string]any{}},
	}})
	if !noTools.Passed || noTools.Detail != "unnamed server, protocol 2025-03-26 (tools capability not advertised)" {
		t.Fatalf("outcome = %+v", noTools)
	}

	if CheckHandshake(fakeHandshake{open: false}).Passed {
		t.Fatal("closed session passed handshake")
	}
	if CheckHandshake(fakeHandshake{open: true}).Passed {
		t.Fatal("missing protocol version passed handshake")
	}
	var closed *session.Session
	if CheckHandshake(closed).Passed {
		t.Fatal("nil session passed handshake")
	}
}

func TestCheckSimpleCall(t *testing.T) {
	passed := CheckSimpleCall(context.Background(), &fakeCaller{results: map[string]string{"": `{"success":true,"data":[]}`}})
	if !passed.Passed || passed.Name != "list_accounts tool call" {
		t.Fatalf("outcome = %+v", passed)
	}

	// An error mentioning accounts is still a failure.
	failed := CheckSimpleCall(context.Background(), &fakeCaller{err: errors.New("no account configured")})
	if failed.Passed || failed.Detail != "no account configured" {
		t.Fatalf("outcome = %+v", failed)
	}

	reported := CheckSimpleCall(context.Background(), &fakeCaller{results: map[string]string{"": `{"success":false,"error":"Failed to list accounts: db"}`}})
	if reported.Passed || reported.Detail != "Failed to list accounts: db" {
		t.Fatalf("outcome = %+v", reported)
	}
}
