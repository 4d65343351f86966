package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "stageforge"

// StartRunSpan starts a span for one pipeline run.
func StartRunSpan(ctx context.Context, taskID, ownerID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("owner.id", ownerID),
			attribute.String("pipeline.mode", mode),
		),
	)
}

// StartStageSpan starts a span for one stage within a run.
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("stage.name", stage),
		),
	)
}
