// Package check holds the conformance and consistency checks and the log
// their outcomes are recorded into.
package check

import (
	"fmt"
	"sync"
)

// Outcome is the result of one named check. It is created once and never
// modified.
type Outcome struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Pass returns a passed outcome.
func Pass(name, detail string) Outcome {
	return Outcome{Name: name, Passed: true, Detail: detail}
}

// Fail returns a failed outcome.
func Fail(name, detail string) Outcome {
	return Outcome{Name: name, Passed: false, Detail: detail}
}

// Failf returns a failed outcome with a formatted detail.
func Failf(name, format string, args ...any) Outcome {
	return Fail(name, fmt.Sprintf(format, args...))
}

// RunSummary is derived from a ResultLog at report time.
type RunSummary struct {
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Failures []string `json:"failures,omitempty"`
}

// Success reports whether nothing failed.
func (s RunSummary) Success() bool {
	return s.Failed == 0
}

// Total is the number of recorded outcomes.
func (s RunSummary) Total() int {
	return s.Passed + s.Failed
}

// ResultLog is the ordered record of outcomes for one run.
type ResultLog struct {
	mu       sync.Mutex
	outcomes []Outcome
}

// NewResultLog returns an empty log.
func NewResultLog() *ResultLog {
	return &ResultLog{}
}

// Record appends outcomes in the order given.
func (l *ResultLog) Record(outcomes ...Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, outcomes...)
}

// Outcomes returns a copy of every recorded outcome in record order.
func (l *ResultLog) Outcomes() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outcome, len(l.outcomes))
	copy(out, l.outcomes)
	return out
}

// Summary counts passes and failures. Failures are listed in record order as
// "<name>: <detail>".
func (l *ResultLog) Summary() RunSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	var summary RunSummary
	for _, outcome := range l.outcomes {
		if outcome.Passed {
			summary.Passed++
			continue
		}
		summary.Failed++
		entry := outcome.Name
		if outcome.Detail != "" {
			entry += ": " + outcome.Detail
		}
		summary.Failures = append(summary.Failures, entry)
	}
	return summary
}
