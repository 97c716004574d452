package deploy

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer resolves through the global provider, so spans are no-ops
// unless tracing is enabled at startup.
var tracer = otel.Tracer("github.com/agentbox/agentbox/pkg/deploy")

// startSpan opens a span annotated with the box identity.
func startSpan(ctx context.Context, name, boxID string, attempt int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("box.id", boxID),
		attribute.Int("deploy.attempt", attempt),
	))
	return ctx, span
}

// endSpan closes the span, recording the error if any.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
