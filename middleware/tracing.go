package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sshnaidm/directord/task"
)

// tracerName is the instrumentation scope name for directord tracing.
const tracerName = "github.com/sshnaidm/directord"

// Tracing returns middleware that wraps task execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: directord.task.id, directord.job.id,
// directord.target, directord.step, directord.kind, directord.attempt.
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
	return func(ctx context.Context, t *task.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "directord.task.execute",
			trace.WithAttributes(
				attribute.String("directord.task.id", t.ID.String()),
				attribute.String("directord.job.id", t.JobID.String()),
				attribute.String("directord.target", t.Target),
				attribute.String("directord.step", t.StepName),
				attribute.String("directord.kind", t.Payload.Kind),
				attribute.Int("directord.attempt", t.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
