package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Span and metric attribute keys
const (
	spanKeyPostID    = "event.post_id"
	spanKeyEventType = "event.type"
	spanKeyEventBus  = "event.bus"
	spanKeyHandler   = "event.handler"
	spanKeyPriority  = "event.priority"
)

// busMetrics holds the bus instruments. A nil *busMetrics records nothing.
type busMetrics struct {
	posted   metric.Int64Counter
	handled  metric.Int64Counter
	failed   metric.Int64Counter
	skipped  metric.Int64Counter
	dead     metric.Int64Counter
	duration metric.Float64Histogram
}

func newBusMetrics(meter metric.Meter) *busMetrics {
	m := &busMetrics{}
	m.posted, _ = meter.Int64Counter("event.posted",
		metric.WithDescription("Total number of events posted"),
		metric.WithUnit("{event}"))
	m.handled, _ = meter.Int64Counter("event.handled",
		metric.WithDescription("Total number of successful handler invocations"),
		metric.WithUnit("{invocation}"))
	m.failed, _ = meter.Int64Counter("event.failed",
		metric.WithDescription("Total number of failed handler invocations"),
		metric.WithUnit("{invocation}"))
	m.skipped, _ = meter.Int64Counter("event.skipped",
		metric.WithDescription("Handlers skipped because the event was cancelled"),
		metric.WithUnit("{invocation}"))
	m.dead, _ = meter.Int64Counter("event.dead",
		metric.WithDescription("Events posted without a matching handler"),
		metric.WithUnit("{event}"))
	m.duration, _ = meter.Float64Histogram("event.handler.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("s"))
	return m
}

func (m *busMetrics) recordPost(ctx context.Context, eventType string) {
	if m == nil || m.posted == nil {
		return
	}
	m.posted.Add(ctx, 1, metric.WithAttributes(attribute.String(spanKeyEventType, eventType)))
}

func (m *busMetrics) recordDead(ctx context.Context, eventType string) {
	if m == nil || m.dead == nil {
		return
	}
	m.dead.Add(ctx, 1, metric.WithAttributes(attribute.String(spanKeyEventType, eventType)))
}

func (m *busMetrics) recordSkipped(ctx context.Context, eventType, handler string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String(spanKeyEventType, eventType),
		attribute.String(spanKeyHandler, handler)))
}

func (m *busMetrics) recordHandled(ctx context.Context, eventType, handler string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(spanKeyEventType, eventType),
		attribute.String(spanKeyHandler, handler))
	if err != nil {
		if m.failed != nil {
			m.failed.Add(ctx, 1, attrs)
		}
	} else if m.handled != nil {
		m.handled.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
