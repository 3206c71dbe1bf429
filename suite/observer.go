package suite

import (
	"time"

	"github.com/TexasFortress-AI/mcpcheck/check"
	"github.com/TexasFortress-AI/mcpcheck/session"
)

// RunObservation describes a run at its start or end. Duration, Summary and
// Fatal are only set at the end.
type RunObservation struct {
	RunID     string
	Transport session.Kind
	StartedAt time.Time
	Duration  time.Duration
	Summary   check.RunSummary
	Fatal     error
}

// CheckObservation captures one settled check.
type CheckObservation struct {
	RunID     string
	Name      string
	Passed    bool
	Outcomes  int
	Failures  int
	StartedAt time.Time
	Duration  time.Duration
}

// Observer receives run-level observability events.
type Observer interface {
	RunStarted(observation RunObservation)
	RunFinished(observation RunObservation)
	ObserveCheck(observation CheckObservation)
	ObserveCall(runID string, observation session.CallObservation)
}

type noopObserver struct{}

func (noopObserver) RunStarted(RunObservation)                   {}
func (noopObserver) RunFinished(RunObservation)                  {}
func (noopObserver) ObserveCheck(CheckObservation)               {}
func (noopObserver) ObserveCall(string, session.CallObservation) {}

// runCalls forwards session call observations tagged with their run.
type runCalls struct {
	runID    string
	observer Observer
}

func (r runCalls) ObserveCall(observation session.CallObservation) {
	r.observer.ObserveCall(r.runID, observation)
}
