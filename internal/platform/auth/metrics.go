package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

type otelRecorder struct {
	count   metric.Int64Counter
	latency metric.Float64Histogram
}

// NewOTelMetrics reports verifications as "stocksync.auth.verifications" and a latency histogram.
func NewOTelMetrics(meter metric.Meter) (MetricsRecorder, error) {
	count, err := meter.Int64Counter("stocksync.auth.verifications",
		metric.WithDescription("Inbound credential verifications by kind and outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("stocksync.auth.verification.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of inbound credential verification"))
	if err != nil {
		return nil, err
	}
	return &otelRecorder{count: count, latency: latency}, nil
}

func (r *otelRecorder) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	r.count.Add(ctx, 1, attrs)
	r.latency.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(attribute.String("kind", kind)))
}
