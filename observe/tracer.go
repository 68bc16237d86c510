package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// FetchMeta describes one upstream fetch for telemetry purposes.
type FetchMeta struct {
	Operation  string // Logical operation name (required)
	Key        string // Cache key being filled
	Breaker    string // Breaker class guarding the fetch
	Background bool   // True for refresh-ahead and stale refreshes
}

// SpanName returns the deterministic span name for this fetch.
// Format: cache.fetch.<operation> or cache.refresh.<operation>
func (m FetchMeta) SpanName() string {
	kind := "cache.fetch."
	if m.Background {
		kind = "cache.refresh."
	}
	op := m.Operation
	if op == "" {
		op = "default"
	}
	return kind + op
}

// Tracer wraps OpenTelemetry tracing with fetch-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for an upstream fetch.
	StartSpan(ctx context.Context, meta FetchMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer backed by an OpenTelemetry tracer. A nil tracer
// yields a no-op implementation.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		t = tracenoop.NewTracerProvider().Tracer("noop")
	}
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with fetch metadata as attributes. The cache
// key is recorded only as its length; keys embed customer identifiers.
func (t *tracerImpl) StartSpan(ctx context.Context, meta FetchMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("cache.operation", meta.Operation),
		attribute.Bool("cache.background", meta.Background),
		attribute.Int("cache.key_length", len(meta.Key)),
		attribute.Bool("cache.error", false),
	}
	if meta.Breaker != "" {
		attrs = append(attrs, attribute.String("cache.breaker", meta.Breaker))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("cache.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
