package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for loom tracing.
const tracerName = "github.com/loomworks/loom"

// Tracing returns middleware that wraps each operation in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: loom.op, loom.workflow_id, loom.session_id.
// On error, the span status is set to codes.Error with the error
// message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, op *Operation, next Handler) error {
		ctx, span := tracer.Start(ctx, "loom."+op.Name,
			trace.WithAttributes(attribute.String("loom.op", op.Name)),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)

		// The handler fills in the operation's identity as it resolves
		// tokens and sessions, so these are only known once the body
		// has run.
		span.SetAttributes(
			attribute.String("loom.workflow_id", op.WorkflowID),
			attribute.String("loom.session_id", op.SessionID),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
