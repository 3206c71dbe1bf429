package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TexasFortress-AI/mcpcheck/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpcheck",
		Short: "MCP conformance and consistency checks for RustyMail",
		Long: "mcpcheck opens an MCP session against a RustyMail server, checks the advertised " +
			"tool catalog and schemas, exercises a tool call, and optionally cross-checks the " +
			"dashboard chatbot against direct tool results.",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate("mcpcheck {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.Bool("verbose", false, "Log at debug level")
	flags.Bool("quiet", false, "Log errors only")

	root.AddCommand(cli.NewRunCmd(), cli.NewToolsCmd(), cli.NewWatchCmd())
	return root
}
