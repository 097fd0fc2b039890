package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrChatID       = attribute.Key("krab.chat.id")
	AttrRequestID    = attribute.Key("krab.request.id")
	AttrChannel      = attribute.Key("krab.channel")
	AttrTier         = attribute.Key("krab.router.tier")
	AttrModel        = attribute.Key("krab.llm.model")
	AttrAttemptNum   = attribute.Key("krab.router.attempt")
	AttrOutcome      = attribute.Key("krab.router.outcome")
	AttrTokensInput  = attribute.Key("krab.llm.tokens.input")
	AttrTokensOutput = attribute.Key("krab.llm.tokens.output")
	AttrBackend      = attribute.Key("krab.backend.name")
	AttrReaction     = attribute.Key("krab.mood.reaction")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (channel ingress, control surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (a backend attempt, a channel reply).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
