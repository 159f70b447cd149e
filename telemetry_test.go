package eventbus

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	bus := TestBus(WithTracing(true), WithTracerProvider(tp))
	defer bus.Close(context.Background())

	var handlerSpan trace.SpanContext
	bus.Register(NewListener[userCreated](func(ctx context.Context, ev userCreated) error {
		handlerSpan = trace.SpanContextFromContext(ctx)
		return errors.New("audit log full")
	}, WithName("audit")))

	bus.Post(context.Background(), newUser())

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	handle, post := spans[0], spans[1]
	if post.Name() != "eventbus.userCreated.post" || post.SpanKind() != trace.SpanKindProducer {
		t.Errorf("unexpected post span %q %v", post.Name(), post.SpanKind())
	}
	if handle.Name() != "audit.handle" || handle.SpanKind() != trace.SpanKindConsumer {
		t.Errorf("unexpected handler span %q %v", handle.Name(), handle.SpanKind())
	}
	if handle.Parent().SpanID() != post.SpanContext().SpanID() {
		t.Error("handler span should be a child of the post span")
	}
	if handle.SpanContext().SpanID() != handlerSpan.SpanID() {
		t.Error("handler context should carry the handler span")
	}
	if handle.Status().Description != "audit log full" || len(handle.Events()) == 0 {
		t.Errorf("handler error not recorded on span: %+v", handle.Status())
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	bus := TestBus(WithMetrics(true), WithMeterProvider(mp))
	defer bus.Close(ctx)

	bus.Register(NewListener[userCreated](func(ctx context.Context, ev userCreated) error { return nil }))
	bus.Register(NewListener[userCreated](func(ctx context.Context, ev userCreated) error {
		return errors.New("fail")
	}))
	bus.Register(NewListener[*orderPlaced](func(ctx context.Context, ev *orderPlaced) error { return nil }))

	bus.Post(ctx, newUser())
	bus.Post(ctx, newUser())
	bus.Post(ctx, &orderPlaced{ID: "o1"})
	cancelled := &orderPlaced{ID: "o2"}
	cancelled.SetCancelled(true)
	bus.Post(ctx, cancelled)
	bus.Post(ctx, 42)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	sums := make(map[string]int64)
	var histogramCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histogramCount += dp.Count
				}
			}
		}
	}

	want := map[string]int64{
		"event.posted":  6, // the DeadEvent for 42 is posted too
		"event.handled": 3,
		"event.failed":  2,
		"event.skipped": 1,
		"event.dead":    1,
	}
	for name, n := range want {
		if sums[name] != n {
			t.Errorf("%s: expected %d, got %d", name, n, sums[name])
		}
	}
	if histogramCount != 5 {
		t.Errorf("expected 5 duration samples, got %d", histogramCount)
	}
}
