package cli

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	mcpotel "github.com/TexasFortress-AI/mcpcheck/otel"
)

const instrumentationName = "github.com/TexasFortress-AI/mcpcheck"

// telemetry owns the providers behind the suite observer.
type telemetry struct {
	observer *mcpotel.Observer
	reader   *metric.ManualReader
	shutdown []func(context.Context) error
}

// setupTelemetry installs an in-process meter and, when endpoint is set, a
// tracer exporting over OTLP/HTTP. Without an endpoint spans go to the
// global tracer provider.
func setupTelemetry(ctx context.Context, endpoint, version string) (*telemetry, error) {
	t := &telemetry{reader: metric.NewManualReader()}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("mcpcheck"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	mp := metric.NewMeterProvider(metric.WithReader(t.reader), metric.WithResource(res))
	t.shutdown = append(t.shutdown, mp.Shutdown)

	tracer := otel.Tracer(instrumentationName)
	if endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
		tracer = tp.Tracer(instrumentationName)
	}

	observer, err := mcpotel.NewObserver(mp.Meter(instrumentationName), tracer)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry observer: %w", err)
	}
	t.observer = observer
	return t, nil
}

// Totals sums a counter across all attribute sets.
func (t *telemetry) Totals(ctx context.Context, name string) (int64, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return 0, err
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total, nil
}

// Shutdown flushes providers in reverse order of creation.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
