package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fieldline/courier"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurnSpan opens a span covering a full conversation turn.
func StartTurnSpan(ctx context.Context, conversationID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
}

// StartToolSpan opens a span covering a single tool dispatch.
func StartToolSpan(ctx context.Context, tool, class string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "tool.dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.class", class),
		),
	)
}

// StartDeliverySpan opens a span covering one scheduled-action delivery attempt.
func StartDeliverySpan(ctx context.Context, actionID string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "scheduler.delivery",
		trace.WithAttributes(
			attribute.String("action.id", actionID),
			attribute.Int("action.attempt", attempt),
		),
	)
}
