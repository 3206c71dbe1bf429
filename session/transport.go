package session

import (
	"context"
	"log/slog"

	"github.com/TexasFortress-AI/mcpcheck/mcp"
)

func newStdioTransport(ctx context.Context, target Target, logger *slog.Logger) (mcp.Transport, []cleanupFunc, error) {
	bridge, err := ResolveBridge(target)
	if err != nil {
		return nil, nil, err
	}

	// The bridge outlives Open's ctx; it is stopped by the cleanup stack.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cleanups := []cleanupFunc{func(context.Context) error {
		cancel()
		return nil
	}}

	logger.Debug("starting mcp bridge", slog.String("bridge", bridge), slog.String("backend", target.BackendURL))
	transport, err := mcp.NewStdioTransport(procCtx, mcp.StdioTransportConfig{
		Command: bridge,
		Env:     bridgeEnv(target),
		Logger:  logger,
	})
	if err != nil {
		return nil, cleanups, err
	}
	return transport, cleanups, nil
}

func newHTTPTransport(_ context.Context, target Target, _ *slog.Logger) (mcp.Transport, []cleanupFunc, error) {
	client := target.HTTPClient
	if client == nil {
		client = HTTPClient(0)
	}
	transport, err := mcp.NewHTTPTransport(mcp.HTTPTransportConfig{
		Endpoint: target.BackendURL,
		Headers:  target.Headers,
		Client:   client,
	})
	if err != nil {
		return nil, nil, err
	}
	return transport, nil, nil
}
