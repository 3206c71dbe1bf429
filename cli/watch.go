package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/TexasFortress-AI/mcpcheck/suite"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// NewWatchCmd creates the "watch" subcommand.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rerun the suite on a cron schedule",
		Long: "Run the suite on a five-field UTC cron schedule until interrupted or " +
			"--max-runs is reached. Each run prints its own report; the exit status " +
			"reflects the last run.",
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	addSessionFlags(cmd)
	addSuiteFlags(cmd)
	cmd.Flags().String("schedule", "", "Five-field cron expression, evaluated in UTC")
	cmd.Flags().Int("max-runs", 0, "Stop after this many runs (0 = until interrupted)")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	expr, _ := cmd.Flags().GetString("schedule")
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return exitError(exitFailure, "%v", err)
	}
	maxRuns, _ := cmd.Flags().GetInt("max-runs")
	if maxRuns < 0 {
		return exitError(exitFailure, "--max-runs must be >= 0, got %d", maxRuns)
	}

	settings, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)
	logger.Debug("settings resolved", slog.Any("settings", settings))
	ctx := cmd.Context()

	tel, err := setupTelemetry(ctx, settings.OTLPEndpoint, versionOf(cmd))
	if err != nil {
		return exitError(exitFailure, "%v", err)
	}
	defer shutdownTelemetry(tel, logger)

	orch, err := newOrchestrator(cmd, settings, logger, tel.observer)
	if err != nil {
		return exitError(exitFailure, "%v", err)
	}

	logger.Info("watching", slog.String("schedule", strings.TrimSpace(expr)), slog.Time("next", schedule.Next(time.Now().UTC())))
	out := cmd.OutOrStdout()
	last, runs := watchLoop(ctx, schedule, maxRuns, orch.Run, func(report suite.Report) {
		if err := writeReport(out, report, settings.Format); err != nil {
			logger.Warn("writing report failed", slog.Any("error", err))
		}
	})

	checks, _ := tel.Totals(context.WithoutCancel(ctx), "mcpcheck.checks")
	failures, _ := tel.Totals(context.WithoutCancel(ctx), "mcpcheck.check.failures")
	logger.Info("watch stopped",
		slog.Int("runs", runs),
		slog.Int64("checks", checks),
		slog.Int64("failed_outcomes", failures),
	)

	if runs == 0 {
		return nil
	}
	return reportExit(last)
}

// watchLoop runs the suite on every schedule tick until ctx ends or maxRuns
// runs completed. Ticks that fire while a run is in progress are skipped.
func watchLoop(
	ctx context.Context,
	schedule cron.Schedule,
	maxRuns int,
	run func(context.Context) suite.Report,
	onReport func(suite.Report),
) (suite.Report, int) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		last suite.Report
		runs int
	)
	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxRuns > 0 && runs >= maxRuns
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil || done() {
			return
		}
		report := run(ctx)
		onReport(report)

		mu.Lock()
		last = report
		runs++
		mu.Unlock()
		if done() {
			cancel()
		}
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	mu.Lock()
	defer mu.Unlock()
	return last, runs
}

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}
