package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/TexasFortress-AI/mcpcheck/session"
	"github.com/TexasFortress-AI/mcpcheck/suite"
)

// Observer feeds suite events to both a TracingHandler and a MetricsHandler.
type Observer struct {
	tracing *TracingHandler
	metrics *MetricsHandler
}

// NewObserver creates an observer bound to meter and tracer.
func NewObserver(meter metric.Meter, tracer trace.Tracer) (*Observer, error) {
	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		return nil, err
	}
	return &Observer{
		tracing: NewTracingHandler(tracer),
		metrics: metrics,
	}, nil
}

func (o *Observer) RunStarted(observation suite.RunObservation) {
	if o == nil {
		return
	}
	o.tracing.RunStarted(observation)
}

func (o *Observer) RunFinished(observation suite.RunObservation) {
	if o == nil {
		return
	}
	o.tracing.RunFinished(observation)
	o.metrics.RecordRun(observation)
}

func (o *Observer) ObserveCheck(observation suite.CheckObservation) {
	if o == nil {
		return
	}
	o.tracing.ObserveCheck(observation)
	o.metrics.RecordCheck(observation)
}

func (o *Observer) ObserveCall(runID string, observation session.CallObservation) {
	if o == nil {
		return
	}
	o.tracing.ObserveCall(runID, observation)
	o.metrics.RecordCall(observation.Method, observation.Tool, observation.Duration.Seconds(), observation.Err != nil)
}

var _ suite.Observer = (*Observer)(nil)
