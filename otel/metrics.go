package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/TexasFortress-AI/mcpcheck/suite"
)

// MetricsHandler records check results and MCP call latency as
// OpenTelemetry metrics.
type MetricsHandler struct {
	runs          metric.Int64Counter
	checks        metric.Int64Counter
	checkFailures metric.Int64Counter
	callLatency   metric.Float64Histogram
	runDuration   metric.Float64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	runs, err := meter.Int64Counter("mcpcheck.runs",
		metric.WithDescription("Number of completed check runs"),
	)
	if err != nil {
		return nil, err
	}

	checks, err := meter.Int64Counter("mcpcheck.checks",
		metric.WithDescription("Number of executed checks"),
	)
	if err != nil {
		return nil, err
	}

	checkFailures, err := meter.Int64Counter("mcpcheck.check.failures",
		metric.WithDescription("Number of failed check outcomes"),
	)
	if err != nil {
		return nil, err
	}

	callLatency, err := meter.Float64Histogram("mcpcheck.call.latency",
		metric.WithDescription("MCP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("mcpcheck.run.duration",
		metric.WithDescription("Duration of a check run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		runs:          runs,
		checks:        checks,
		checkFailures: checkFailures,
		callLatency:   callLatency,
		runDuration:   runDuration,
	}, nil
}

// RecordRun counts a finished run and records its duration.
func (h *MetricsHandler) RecordRun(o suite.RunObservation) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("transport", string(o.Transport)),
		attribute.Bool("success", o.Fatal == nil && o.Summary.Success()),
	)
	h.runs.Add(ctx, 1, attrs)
	h.runDuration.Record(ctx, o.Duration.Seconds(), attrs)
}

// RecordCheck counts one settled check and its failed outcomes.
func (h *MetricsHandler) RecordCheck(o suite.CheckObservation) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("check", o.Name),
		attribute.Bool("passed", o.Passed),
	)
	h.checks.Add(ctx, 1, attrs)
	if o.Failures > 0 {
		h.checkFailures.Add(ctx, int64(o.Failures), metric.WithAttributes(attribute.String("check", o.Name)))
	}
}

// RecordCall records the latency of one MCP request.
func (h *MetricsHandler) RecordCall(method, tool string, seconds float64, failed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.Bool("success", !failed),
	}
	if tool != "" {
		attrs = append(attrs, attribute.String("tool_name", tool))
	}
	h.callLatency.Record(context.Background(), seconds, metric.WithAttributes(attrs...))
}
