package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "omnitask"

// Span attribute keys.
const (
	attrTaskID   = attribute.Key("task.id")
	attrReason   = attribute.Key("task.reason")
	attrProvider = attribute.Key("ai.provider")
	attrModel    = attribute.Key("ai.model")
	attrTokens   = attribute.Key("ai.tokens")
	attrCost     = attribute.Key("ai.cost_usd")
)

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartTaskSpan covers one worker delivery of a task.
func StartTaskSpan(ctx context.Context, taskID, reason string) (context.Context, trace.Span) {
	return start(ctx, "task.process", trace.SpanKindConsumer,
		attrTaskID.String(taskID), attrReason.String(reason))
}

// StartPhaseSpan is named task.<phase>, e.g. task.planning.
func StartPhaseSpan(ctx context.Context, taskID, phase, provider string) (context.Context, trace.Span) {
	return start(ctx, "task."+phase, trace.SpanKindInternal,
		attrTaskID.String(taskID), attrProvider.String(provider))
}

func StartProviderSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return start(ctx, "provider.complete", trace.SpanKindClient,
		attrProvider.String(provider), attrModel.String(model))
}

// RecordUsage annotates a provider span with what the call consumed.
func RecordUsage(span trace.Span, model string, tokens int, costUSD float64) {
	if model != "" {
		span.SetAttributes(attrModel.String(model))
	}
	span.SetAttributes(attrTokens.Int(tokens), attrCost.Float64(costUSD))
}

// EndSpan marks the span failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
