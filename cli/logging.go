package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// newLogger builds the stderr logger from the root --verbose and --quiet
// flags. --quiet wins when both are set.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
