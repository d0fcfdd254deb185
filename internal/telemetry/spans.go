package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskengine"

// StartDispatchSpan starts a span for one agent dispatch.
func StartDispatchSpan(ctx context.Context, taskID, workerID, resource string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("worker.id", workerID),
			attribute.String("resource", resource),
		),
	)
}

// StartReviewSpan starts a span for one approval round.
func StartReviewSpan(ctx context.Context, taskID string, round int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "review",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("review.round", round),
		),
	)
}

// StartVoteSpan starts a span for one voter call.
func StartVoteSpan(ctx context.Context, taskID, voter, provider string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "vote",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("voter.id", voter),
			attribute.String("voter.provider", provider),
		),
	)
}
