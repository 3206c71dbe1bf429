package suite

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/TexasFortress-AI/mcpcheck/check"
	"github.com/TexasFortress-AI/mcpcheck/session"
)

// Report is the result of one run.
type Report struct {
	RunID      uuid.UUID
	Transport  session.Kind
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []check.Outcome
	Summary    check.RunSummary
	// Fatal is set when the session could not be opened.
	Fatal error
}

// Success reports whether the run opened its session and every outcome
// passed.
func (r Report) Success() bool {
	return r.Fatal == nil && r.Summary.Success()
}

type reportJSON struct {
	RunID      string           `json:"run_id"`
	Transport  session.Kind     `json:"transport"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DurationMS int64            `json:"duration_ms"`
	Success    bool             `json:"success"`
	Fatal      string           `json:"fatal,omitempty"`
	Summary    check.RunSummary `json:"summary"`
	Outcomes   []check.Outcome  `json:"outcomes"`
}

// MarshalJSON renders the report with its fatal error as a string.
func (r Report) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		RunID:      r.RunID.String(),
		Transport:  r.Transport,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMS: r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		Success:    r.Success(),
		Summary:    r.Summary,
		Outcomes:   r.Outcomes,
	}
	if out.Outcomes == nil {
		out.Outcomes = []check.Outcome{}
	}
	if r.Fatal != nil {
		out.Fatal = r.Fatal.Error()
	}
	return json.Marshal(out)
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a human readable report: one line per outcome, then the
// summary and the failure list.
func (r Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("mcpcheck run %s (%s transport)\n", r.RunID, r.Transport)
	for _, outcome := range r.Outcomes {
		status := "PASS"
		if !outcome.Passed {
			status = "FAIL"
		}
		if outcome.Detail == "" {
			ew.printf("  [%s] %s\n", status, outcome.Name)
			continue
		}
		ew.printf("  [%s] %s: %s\n", status, outcome.Name, outcome.Detail)
	}

	ew.printf("\n%d passed, %d failed in %s\n",
		r.Summary.Passed, r.Summary.Failed, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Fatal != nil {
		ew.printf("fatal: %v\n", r.Fatal)
	}
	if len(r.Summary.Failures) > 0 {
		ew.printf("\nFailures:\n")
		for _, failure := range r.Summary.Failures {
			ew.printf("  - %s\n", failure)
		}
	}
	if r.Success() {
		ew.printf("\nResult: PASS\n")
	} else {
		ew.printf("\nResult: FAIL\n")
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
