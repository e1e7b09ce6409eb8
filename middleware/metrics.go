package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom"
)

// meterName is the instrumentation scope name for loom metrics.
const meterName = "github.com/loomworks/loom"

// Metrics returns middleware that records per-operation metrics using
// the global OTel MeterProvider. If no MeterProvider is configured,
// noop instruments are used and this middleware becomes a
// pass-through.
//
// Instruments:
//   - loom.op.duration (Float64Histogram): execution time in seconds,
//     with attributes: op, workflow_id, status ("ok" or a fault kind)
//   - loom.op.executions (Int64Counter): total executions,
//     with attributes: op, workflow_id, status
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"loom.op.duration",
		metric.WithDescription("Duration of engine operations in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"loom.op.executions",
		metric.WithDescription("Total number of engine operations"),
		metric.WithUnit("{operation}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, op *Operation, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
			if kind, ok := loom.Classify(err); ok {
				status = string(kind)
			}
		}

		attrs := metric.WithAttributes(
			attribute.String("op", op.Name),
			attribute.String("workflow_id", op.WorkflowID),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
