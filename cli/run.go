package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/TexasFortress-AI/mcpcheck/config"
	"github.com/TexasFortress-AI/mcpcheck/dashboard"
	"github.com/TexasFortress-AI/mcpcheck/session"
	"github.com/TexasFortress-AI/mcpcheck/suite"
)

const closeTimeout = 10 * time.Second

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conformance suite once",
		Long: "Open one MCP session, run the catalog, schema and tool-call checks " +
			"(plus chatbot consistency probes with --chatbot) and print a report. " +
			"Exits 1 when any check fails.",
		Args: cobra.NoArgs,
		RunE: runRun,
	}
	addSessionFlags(cmd)
	addSuiteFlags(cmd)
	return cmd
}

// addSessionFlags registers the flags needed to reach the server.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", string(session.KindStdio), "Transport: stdio | http")
	cmd.Flags().String("url", session.DefaultBackendURL, "MCP backend URL")
	cmd.Flags().String("bridge", "", "Path to the stdio bridge binary (default: target/debug, then target/release)")
	cmd.Flags().String("api-key", "", "API key sent as X-API-Key")
	cmd.Flags().Duration("timeout", session.DefaultCallTimeout, "Per-call timeout")
	cmd.Flags().String("config", "", "Config file (default: ./mcpcheck.yaml, then ~/.mcpcheck/config.yaml)")
	cmd.Flags().String("format", config.FormatText, "Output format: text | json")
}

// addSuiteFlags registers the flags that shape a suite run.
func addSuiteFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("chatbot", false, "Add chatbot consistency probes")
	cmd.Flags().String("dashboard-url", "", "Dashboard base URL (default: scheme and host of --url)")
	cmd.Flags().Duration("chatbot-timeout", dashboard.DefaultTimeout, "Timeout for one dashboard request")
	cmd.Flags().String("direct-via", "session", "Direct caller for consistency probes: session | dashboard")
	cmd.Flags().StringArray("account", nil, "Account to probe (repeatable; default: discovered via list_accounts)")
	cmd.Flags().Int("parallel", 0, "Maximum concurrently running checks (0 = unbounded)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint")
}

func runRun(cmd *cobra.Command, _ []string) error {
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

	report := orch.Run(ctx)
	if err := writeReport(cmd.OutOrStdout(), report, settings.Format); err != nil {
		return exitError(exitFailure, "writing report: %v", err)
	}
	return reportExit(report)
}

// resolveSettings layers environment, config file and changed flags.
func resolveSettings(cmd *cobra.Command) (config.Settings, error) {
	env, err := config.ParseEnv()
	if err != nil {
		return config.Settings{}, exitError(exitFailure, "%v", err)
	}
	path, _ := cmd.Flags().GetString("config")
	settings, err := config.Load(path, env)
	if err != nil {
		return config.Settings{}, exitError(exitFailure, "loading config: %v", err)
	}
	applyFlags(cmd, &settings)
	if err := settings.Validate(); err != nil {
		return config.Settings{}, exitError(exitFailure, "invalid settings: %v", err)
	}
	return settings, nil
}

// applyFlags overlays only the flags the user actually set.
func applyFlags(cmd *cobra.Command, s *config.Settings) {
	flags := cmd.Flags()
	changed := func(name string) bool {
		return flags.Lookup(name) != nil && flags.Changed(name)
	}

	if changed("transport") {
		v, _ := flags.GetString("transport")
		s.Transport = session.Kind(v)
	}
	if changed("url") {
		s.BackendURL, _ = flags.GetString("url")
	}
	if changed("bridge") {
		s.Bridge, _ = flags.GetString("bridge")
	}
	if changed("api-key") {
		s.APIKey, _ = flags.GetString("api-key")
	}
	if changed("timeout") {
		s.Timeout, _ = flags.GetDuration("timeout")
	}
	if changed("format") {
		s.Format, _ = flags.GetString("format")
	}
	if changed("chatbot") {
		s.Chatbot, _ = flags.GetBool("chatbot")
	}
	if changed("chatbot-timeout") {
		s.ChatbotTimeout, _ = flags.GetDuration("chatbot-timeout")
	}
	if changed("dashboard-url") {
		s.DashboardURL, _ = flags.GetString("dashboard-url")
	}
	if changed("direct-via") {
		s.DirectVia, _ = flags.GetString("direct-via")
	}
	if changed("account") {
		s.Accounts, _ = flags.GetStringArray("account")
	}
	if changed("parallel") {
		s.Parallel, _ = flags.GetInt("parallel")
	}
	if changed("otlp-endpoint") {
		s.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
}

func buildTarget(s config.Settings) session.Target {
	target := session.Target{
		BackendURL:  s.BackendURL,
		BridgePath:  s.Bridge,
		CallTimeout: s.Timeout,
	}
	if s.APIKey != "" {
		target.Headers = map[string]string{dashboard.APIKeyHeader: s.APIKey}
	}
	return target
}

func newOrchestrator(cmd *cobra.Command, s config.Settings, logger *slog.Logger, observer suite.Observer) (*suite.Orchestrator, error) {
	direct, err := suite.ParseDirectVia(s.DirectVia)
	if err != nil {
		return nil, err
	}

	cfg := suite.Config{
		Transport:        s.Transport,
		Target:           buildTarget(s),
		ExpectedTools:    s.ExpectedTools,
		ChatbotMode:      s.Chatbot,
		DirectVia:        direct,
		Probes:           s.Probes,
		Accounts:         s.Accounts,
		MetadataPrefixes: s.MetadataPrefixes,
		Parallel:         s.Parallel,
		ClientVersion:    versionOf(cmd),
		Logger:           logger,
		Observer:         observer,
	}

	if s.Chatbot {
		baseURL := s.DashboardURL
		if baseURL == "" {
			if baseURL, err = dashboard.BaseURLFrom(s.BackendURL); err != nil {
				return nil, fmt.Errorf("deriving dashboard URL: %w", err)
			}
		}
		client, err := dashboard.New(dashboard.Config{
			BaseURL: baseURL,
			APIKey:  s.APIKey,
			Timeout: s.ChatbotTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		cfg.Chatbot = client
		cfg.Dashboard = client
	}
	return suite.New(cfg)
}

func writeReport(w io.Writer, report suite.Report, format string) error {
	if format == config.FormatJSON {
		return report.WriteJSON(w)
	}
	return report.WriteText(w)
}

func reportExit(report suite.Report) error {
	if report.Fatal != nil {
		return exitError(exitFailure, "session failed to open: %v", report.Fatal)
	}
	if !report.Success() {
		return exitError(exitFailure, "%d of %d checks failed", report.Summary.Failed, report.Summary.Total())
	}
	return nil
}

func shutdownTelemetry(t *telemetry, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", slog.Any("error", err))
	}
}

func versionOf(cmd *cobra.Command) string {
	if v := cmd.Root().Version; v != "" {
		return v
	}
	return "dev"
}
