// Package otel exports mcpcheck run, check and call events to OpenTelemetry.
package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TexasFortress-AI/mcpcheck/session"
	"github.com/TexasFortress-AI/mcpcheck/suite"
)

// TracingHandler turns run events into spans. Each run gets a root span;
// checks and MCP calls become its children.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	runSpans map[string]trace.Span      // runID -> span
	runCtxs  map[string]context.Context // runID -> context (for child spans)
}

// NewTracingHandler creates a TracingHandler using tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		runSpans: make(map[string]trace.Span),
		runCtxs:  make(map[string]context.Context),
	}
}

// RunStarted opens the root span for a run.
func (h *TracingHandler) RunStarted(o suite.RunObservation) {
	ctx, span := h.tracer.Start(context.Background(), "mcpcheck.run",
		trace.WithAttributes(
			attribute.String("mcpcheck.run_id", o.RunID),
			attribute.String("mcpcheck.transport", string(o.Transport)),
		),
		trace.WithTimestamp(o.StartedAt),
	)

	h.mu.Lock()
	h.runSpans[o.RunID] = span
	h.runCtxs[o.RunID] = ctx
	h.mu.Unlock()
}

// RunFinished ends the root span. A fatal error or any failed outcome marks
// it as an error.
func (h *TracingHandler) RunFinished(o suite.RunObservation) {
	h.mu.Lock()
	span, ok := h.runSpans[o.RunID]
	if ok {
		delete(h.runSpans, o.RunID)
		delete(h.runCtxs, o.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(
		attribute.Int("mcpcheck.passed", o.Summary.Passed),
		attribute.Int("mcpcheck.failed", o.Summary.Failed),
		attribute.String("mcpcheck.duration", o.Duration.String()),
	)
	switch {
	case o.Fatal != nil:
		span.RecordError(o.Fatal)
		span.SetStatus(codes.Error, o.Fatal.Error())
	case !o.Summary.Success():
		span.SetStatus(codes.Error, "checks failed")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(o.StartedAt.Add(o.Duration)))
}

// ObserveCheck records a settled check as a child span.
func (h *TracingHandler) ObserveCheck(o suite.CheckObservation) {
	_, span := h.tracer.Start(h.parent(o.RunID), "mcpcheck.check",
		trace.WithAttributes(
			attribute.String("mcpcheck.run_id", o.RunID),
			attribute.String("mcpcheck.check", o.Name),
			attribute.Int("mcpcheck.outcomes", o.Outcomes),
			attribute.Int("mcpcheck.failures", o.Failures),
		),
		trace.WithTimestamp(o.StartedAt),
	)
	if o.Passed {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "check failed")
	}
	span.End(trace.WithTimestamp(o.StartedAt.Add(o.Duration)))
}

// ObserveCall records one MCP request as a child span.
func (h *TracingHandler) ObserveCall(runID string, o session.CallObservation) {
	ended := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("mcpcheck.run_id", runID),
		attribute.String("rpc.method", o.Method),
	}
	if o.Tool != "" {
		attrs = append(attrs, attribute.String("mcpcheck.tool_name", o.Tool))
	}
	if session.IsTimeout(o.Err) {
		attrs = append(attrs, attribute.Bool("mcpcheck.timeout", true))
	}

	_, span := h.tracer.Start(h.parent(runID), "mcpcheck.call",
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(ended.Add(-o.Duration)),
	)
	if o.Err != nil {
		span.RecordError(o.Err, trace.WithTimestamp(ended))
		span.SetStatus(codes.Error, o.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(ended))
}

// ActiveRunSpanContext returns the span context of an open run, or an empty
// SpanContext when runID is unknown.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func (h *TracingHandler) parent(runID string) context.Context {
	h.mu.RLock()
	ctx, ok := h.runCtxs[runID]
	h.mu.RUnlock()
	if !ok {
		return context.Background()
	}
	return ctx
}
