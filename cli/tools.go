package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/TexasFortress-AI/mcpcheck/check"
	"github.com/TexasFortress-AI/mcpcheck/config"
	"github.com/TexasFortress-AI/mcpcheck/session"
)

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the advertised tool catalog",
		Long: "Open one MCP session and print every advertised tool with its required " +
			"parameters, marked as expected or unexpected, followed by the missing tools. " +
			"Exits 1 when the catalog does not match.",
		Args: cobra.NoArgs,
		RunE: runTools,
	}
	addSessionFlags(cmd)
	return cmd
}

type toolEntry struct {
	Name     string   `json:"name"`
	Expected bool     `json:"expected"`
	Required []string `json:"required,omitempty"`
}

type toolsOutput struct {
	Tools   []toolEntry `json:"tools"`
	Missing []string    `json:"missing"`
	Extra   []string    `json:"extra"`
}

func runTools(cmd *cobra.Command, _ []string) error {
	settings, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)
	logger.Debug("settings resolved", slog.Any("settings", settings))
	ctx := cmd.Context()

	sess, err := session.Open(ctx, settings.Transport, buildTarget(settings),
		session.WithLogger(logger),
		session.WithClientVersion(versionOf(cmd)),
	)
	if err != nil {
		return exitError(exitFailure, "open session: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warn("close session failed", slog.Any("error", err))
		}
	}()

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return exitError(exitFailure, "list tools: %v", err)
	}

	expected := check.DefaultCatalog()
	if settings.ExpectedTools != nil {
		expected = check.NewCatalog(settings.ExpectedTools...)
	}
	diff := check.DiffCatalog(tools, expected)

	out := cmd.OutOrStdout()
	if settings.Format == config.FormatJSON {
		payload := toolsOutput{Tools: make([]toolEntry, 0, len(tools)), Missing: diff.Missing, Extra: diff.Extra}
		for _, tool := range tools {
			payload.Tools = append(payload.Tools, toolEntry{
				Name:     tool.Name,
				Expected: expected.Contains(tool.Name),
				Required: check.RequiredParams(tool.InputSchema),
			})
		}
		if payload.Missing == nil {
			payload.Missing = []string{}
		}
		if payload.Extra == nil {
			payload.Extra = []string{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return exitError(exitFailure, "writing catalog: %v", err)
		}
	} else {
		fmt.Fprint(out, check.DescribeCatalog(tools, expected))
	}

	if !diff.Match() {
		return exitError(exitFailure, "catalog mismatch: %d missing, %d unexpected", len(diff.Missing), len(diff.Extra))
	}
	return nil
}
