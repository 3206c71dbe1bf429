// Package suite runs the conformance and consistency checks against one MCP
// session and collects a report.
package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TexasFortress-AI/mcpcheck/check"
	"github.com/TexasFortress-AI/mcpcheck/session"
)

// closeTimeout bounds session teardown after the checks settle.
const closeTimeout = 10 * time.Second

// State is the orchestrator lifecycle position.
type State int32

const (
	StateNotStarted State = iota
	StateInitializing
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DirectVia selects the direct caller used by consistency probes.
type DirectVia string

const (
	DirectViaSession   DirectVia = "session"
	DirectViaDashboard DirectVia = "dashboard"
)

// ParseDirectVia validates a direct caller name. Empty means session.
func ParseDirectVia(value string) (DirectVia, error) {
	switch DirectVia(strings.ToLower(strings.TrimSpace(value))) {
	case "", DirectViaSession:
		return DirectViaSession, nil
	case DirectViaDashboard:
		return DirectViaDashboard, nil
	default:
		return "", fmt.Errorf("unknown direct caller %q (want session or dashboard)", value)
	}
}

// Session is what the checks need from an open MCP channel.
type Session interface {
	check.Lister
	check.Caller
	check.Handshaker
	Close(ctx context.Context) error
}

// Opener opens the session for one run. calls receives every request the
// session issues.
type Opener func(ctx context.Context, calls session.CallObserver) (Session, error)

// Config configures an Orchestrator.
type Config struct {
	Transport session.Kind
	Target    session.Target

	// ExpectedTools overrides check.DefaultToolNames when non-nil.
	ExpectedTools []string

	// ChatbotMode adds one consistency check per probe.
	ChatbotMode bool
	Chatbot     check.Chatbot
	// Dashboard is the direct caller when DirectVia is dashboard.
	Dashboard        check.Caller
	DirectVia        DirectVia
	Probes           []check.Probe
	Accounts         []string
	MetadataPrefixes []string

	// Parallel caps concurrently running checks. Zero means no cap.
	Parallel      int
	ClientVersion string

	Logger   *slog.Logger
	Observer Observer
	Open     Opener
}

// Check is one named unit of work. It returns its outcomes and never
// records them itself.
type Check struct {
	Name string
	Run  func(ctx context.Context, s Session) []check.Outcome
}

// Orchestrator drives one run at a time through
// NotStarted, Initializing, Running and Completed.
type Orchestrator struct {
	cfg      Config
	expected check.ExpectedCatalog
	logger   *slog.Logger
	observer Observer
	open     Opener
	state    atomic.Int32
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Transport == "" {
		cfg.Transport = session.KindStdio
	}
	if cfg.Parallel < 0 {
		return nil, fmt.Errorf("suite: parallel must be >= 0, got %d", cfg.Parallel)
	}
	if cfg.DirectVia == "" {
		cfg.DirectVia = DirectViaSession
	}
	if cfg.ChatbotMode {
		if cfg.Chatbot == nil {
			return nil, errors.New("suite: chatbot mode requires a chatbot client")
		}
		if cfg.DirectVia == DirectViaDashboard && cfg.Dashboard == nil {
			return nil, errors.New("suite: direct calls via dashboard require a dashboard client")
		}
		if len(cfg.Probes) == 0 {
			cfg.Probes = []check.Probe{check.DefaultProbe()}
		}
	}

	expected := check.DefaultCatalog()
	if cfg.ExpectedTools != nil {
		expected = check.NewCatalog(cfg.ExpectedTools...)
	}

	o := &Orchestrator{
		cfg:      cfg,
		expected: expected,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		open:     cfg.Open,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = noopObserver{}
	}
	if o.open == nil {
		o.open = o.openSession
	}
	return o, nil
}

// State returns the lifecycle position of the current or last run.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Run executes one full run. Nothing carries over between runs.
func (o *Orchestrator) Run(ctx context.Context) Report {
	runID := uuid.New()
	logger := o.logger.With(slog.String("run_id", runID.String()))
	results := check.NewResultLog()
	report := Report{
		RunID:     runID,
		Transport: o.cfg.Transport,
		StartedAt: time.Now().UTC(),
	}
	o.observer.RunStarted(RunObservation{
		RunID:     runID.String(),
		Transport: o.cfg.Transport,
		StartedAt: report.StartedAt,
	})

	o.setState(StateInitializing, logger)
	sess, err := o.open(ctx, runCalls{runID: runID.String(), observer: o.observer})
	if err != nil {
		logger.Error("open session failed", slog.Any("error", err))
		report.Fatal = err
		results.Record(check.Fail("Open session", err.Error()))
	} else {
		o.setState(StateRunning, logger)
		for _, outcomes := range o.runChecks(ctx, runID.String(), logger, sess) {
			results.Record(outcomes...)
		}
	}

	o.setState(StateCompleted, logger)
	report.FinishedAt = time.Now().UTC()
	report.Outcomes = results.Outcomes()
	report.Summary = results.Summary()

	o.observer.RunFinished(RunObservation{
		RunID:     runID.String(),
		Transport: o.cfg.Transport,
		StartedAt: report.StartedAt,
		Duration:  report.FinishedAt.Sub(report.StartedAt),
		Summary:   report.Summary,
		Fatal:     report.Fatal,
	})
	logger.Info("run completed",
		slog.Bool("success", report.Success()),
		slog.Int("passed", report.Summary.Passed),
		slog.Int("failed", report.Summary.Failed),
	)
	return report
}

// runChecks dispatches every check concurrently and returns their outcomes
// in declaration order. The session is closed once all checks settle.
func (o *Orchestrator) runChecks(ctx context.Context, runID string, logger *slog.Logger, sess Session) [][]check.Outcome {
	defer o.closeSession(ctx, logger, sess)
	return o.dispatch(ctx, runID, logger, sess, o.Checks(ctx, sess))
}

// dispatch runs checks under the parallel limit. Slot i holds the outcomes
// of checks[i].
func (o *Orchestrator) dispatch(ctx context.Context, runID string, logger *slog.Logger, sess Session, checks []Check) [][]check.Outcome {
	slots := make([][]check.Outcome, len(checks))

	var g errgroup.Group
	if o.cfg.Parallel > 0 {
		g.SetLimit(o.cfg.Parallel)
	}
	for i, c := range checks {
		g.Go(func() error {
			slots[i] = o.runCheck(ctx, runID, logger, c, sess)
			return nil
		})
	}
	_ = g.Wait()
	return slots
}

func (o *Orchestrator) runCheck(ctx context.Context, runID string, logger *slog.Logger, c Check, sess Session) (outcomes []check.Outcome) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			outcomes = []check.Outcome{check.Failf(c.Name, "unexpected error: %v", recovered)}
		}

		failures := 0
		for _, outcome := range outcomes {
			if !outcome.Passed {
				failures++
			}
		}
		duration := time.Since(started)
		o.observer.ObserveCheck(CheckObservation{
			RunID:     runID,
			Name:      c.Name,
			Passed:    failures == 0,
			Outcomes:  len(outcomes),
			Failures:  failures,
			StartedAt: started,
			Duration:  duration,
		})

		attrs := []any{
			slog.String("check", c.Name),
			slog.Int("outcomes", len(outcomes)),
			slog.Duration("duration", duration),
		}
		if failures > 0 {
			logger.Warn("check failed", append(attrs, slog.Int("failures", failures))...)
			return
		}
		logger.Info("check passed", attrs...)
	}()
	return c.Run(ctx, sess)
}

func (o *Orchestrator) closeSession(ctx context.Context, logger *slog.Logger, sess Session) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil {
		logger.Warn("close session failed", slog.Any("error", err))
	}
}

// Checks returns the checks for one run in declaration order.
func (o *Orchestrator) Checks(ctx context.Context, sess Session) []Check {
	checks := []Check{
		{Name: "handshake", Run: func(_ context.Context, s Session) []check.Outcome {
			return []check.Outcome{check.CheckHandshake(s)}
		}},
		{Name: "catalog", Run: func(ctx context.Context, s Session) []check.Outcome {
			return check.ValidateCatalog(ctx, s, o.expected)
		}},
		{Name: "schemas", Run: func(ctx context.Context, s Session) []check.Outcome {
			return check.ValidateSchemas(ctx, s)
		}},
		{Name: "simple-call", Run: func(ctx context.Context, s Session) []check.Outcome {
			return []check.Outcome{check.CheckSimpleCall(ctx, s)}
		}},
	}
	if !o.cfg.ChatbotMode {
		return checks
	}
	return append(checks, o.consistencyChecks(ctx, sess)...)
}

func (o *Orchestrator) consistencyChecks(ctx context.Context, sess Session) []Check {
	var direct check.Caller = sess
	if o.cfg.DirectVia == DirectViaDashboard {
		direct = o.cfg.Dashboard
	}

	checker, err := check.NewConsistencyChecker(check.ConsistencyConfig{
		Chatbot:          o.cfg.Chatbot,
		Direct:           direct,
		MetadataPrefixes: o.cfg.MetadataPrefixes,
		Logger:           o.logger,
	})
	if err != nil {
		return []Check{failingCheck("consistency", "Consistency", err.Error())}
	}

	accounts := o.cfg.Accounts
	var discoverErr error
	if len(accounts) == 0 {
		accounts, discoverErr = check.DiscoverAccounts(ctx, direct)
		if discoverErr != nil {
			o.logger.Warn("account discovery failed", slog.Any("error", discoverErr))
		}
	}
	if len(accounts) == 0 {
		detail := "no accounts available"
		if discoverErr != nil {
			detail += ": account discovery failed: " + discoverErr.Error()
		}
		return []Check{failingCheck("consistency-accounts", "Consistency accounts", detail)}
	}

	checks := make([]Check, 0, len(o.cfg.Probes))
	for _, probe := range o.cfg.Probes {
		checks = append(checks, Check{
			Name: "consistency:" + probe.Name,
			Run: func(ctx context.Context, _ Session) []check.Outcome {
				return checker.CheckAccounts(ctx, probe, accounts)
			},
		})
	}
	return checks
}

func failingCheck(name, outcome, detail string) Check {
	return Check{Name: name, Run: func(context.Context, Session) []check.Outcome {
		return []check.Outcome{check.Fail(outcome, detail)}
	}}
}

func (o *Orchestrator) openSession(ctx context.Context, calls session.CallObserver) (Session, error) {
	s, err := session.Open(ctx, o.cfg.Transport, o.cfg.Target,
		session.WithLogger(o.logger),
		session.WithObserver(calls),
		session.WithClientVersion(o.cfg.ClientVersion),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (o *Orchestrator) setState(state State, logger *slog.Logger) {
	o.state.Store(int32(state))
	logger.Debug("run state changed", slog.String("state", state.String()))
}
