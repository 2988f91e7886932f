// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for hookrelay. Both are optional; nil values are safe to use.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/hookrelay"

// Tracer provides OpenTelemetry tracing for hookrelay.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// NewTracerWithProvider creates a tracer from tp.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartDeliverySpan starts a span for one delivery attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, eventID, destination string, attempt int) (context.Context, trace.Span) {
	return t.start(ctx, "hookrelay.delivery",
		attribute.String("hookrelay.event_id", eventID),
		attribute.String("hookrelay.destination", destination),
		attribute.Int("hookrelay.attempt", attempt),
	)
}

// EndDeliverySpan ends a delivery span with result attributes.
func EndDeliverySpan(span trace.Span, statusCode int, latencyMs int64, err error) {
	span.SetAttributes(
		attribute.Int("http.status_code", statusCode),
		attribute.Int64("hookrelay.latency_ms", latencyMs),
	)
	End(span, err)
}

// StartInboundSpan starts a span for one inbound webhook.
func (t *Tracer) StartInboundSpan(ctx context.Context, source string) (context.Context, trace.Span) {
	return t.start(ctx, "hookrelay.inbound", attribute.String("hookrelay.source", source))
}

// StartDLQRetrySpan starts a span for one dead letter retry.
func (t *Tracer) StartDLQRetrySpan(ctx context.Context, messageID string, retryCount int) (context.Context, trace.Span) {
	return t.start(ctx, "hookrelay.dlq.retry",
		attribute.String("hookrelay.dlq_id", messageID),
		attribute.Int("hookrelay.retry_count", retryCount),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
