package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrWorkflow = attribute.Key("gosurvey.workflow")
	AttrRowKey   = attribute.Key("gosurvey.row.key")
	AttrOutcome  = attribute.Key("gosurvey.outcome")
	AttrRunID    = attribute.Key("gosurvey.run.id")
	AttrModel    = attribute.Key("gosurvey.llm.model")
	AttrHelpers  = attribute.Key("gosurvey.helpers.count")
)

// Span names.
const (
	SpanAttempt     = "workflow.attempt"
	SpanInvestigate = "engine.investigate"
	SpanStructure   = "engine.structure"
	SpanRestart     = "liveness.restart"
)

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, helper process).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
