package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "dify-mcp/bridge/services"

type toolMetrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

func newToolMetrics(provider metric.MeterProvider) *toolMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	invocations, err := meter.Int64Counter("bridge.tool.invocations",
		metric.WithDescription("Tool calls forwarded to the workflow API"))
	if err != nil {
		otel.Handle(err)
		invocations = noop.Int64Counter{}
	}
	duration, err := meter.Float64Histogram("bridge.tool.duration",
		metric.WithDescription("Wall time of forwarded tool calls"),
		metric.WithUnit("ms"))
	if err != nil {
		otel.Handle(err)
		duration = noop.Float64Histogram{}
	}
	return &toolMetrics{invocations: invocations, duration: duration}
}

func (m *toolMetrics) record(ctx context.Context, tool string, failed bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("error", failed),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}
