package monitor

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"reflect"
	"time"

	"github.com/rbaliyan/eventbus"
	"go.opentelemetry.io/otel/trace"
)

// Middleware creates a bus middleware that records every handler invocation
// in the store.
//
// The middleware:
//  1. Records a pending entry when the handler starts
//  2. Executes the handler
//  3. Updates the entry as completed or failed
//
// Store errors are logged and never fail the handler. A panicking handler
// is recorded as failed before the panic continues to the bus.
//
// Example:
//
//	store := monitor.NewMemoryStore()
//	bus := eventbus.NewBus("orders", eventbus.WithMiddleware(monitor.Middleware(store)))
func Middleware(store Store, opts ...MiddlewareOption) eventbus.Middleware {
	o := &middlewareOptions{samplingRate: 1.0}
	for _, opt := range opts {
		opt(o)
	}

	return func(next eventbus.Invoker) eventbus.Invoker {
		return func(ctx context.Context, ev any) (err error) {
			postID := eventbus.ContextPostID(ctx)
			if !sampled(postID, o.samplingRate) {
				return next(ctx, ev)
			}

			entry := &Entry{
				PostID:    postID,
				EventType: fmt.Sprint(reflect.TypeOf(ev)),
				Status:    StatusPending,
				StartedAt: time.Now(),
			}
			if h := eventbus.ContextHandler(ctx); h != nil {
				entry.HandlerID = h.ID()
				entry.HandlerName = h.Name()
			}
			if b := eventbus.ContextBus(ctx); b != nil {
				entry.BusID = b.ID()
			}
			if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
				entry.TraceID = sc.TraceID().String()
				entry.SpanID = sc.SpanID().String()
			}

			logger := eventbus.ContextLogger(ctx)
			if rerr := store.Record(ctx, entry); rerr != nil {
				logger.Warn("monitor record failed", "error", rerr)
			}

			start := time.Now()
			finish := func(err error) {
				status := StatusCompleted
				if err != nil {
					status = StatusFailed
				}
				if uerr := store.UpdateStatus(ctx, entry.PostID, entry.HandlerID, status, err, time.Since(start)); uerr != nil {
					logger.Warn("monitor update failed", "error", uerr)
				}
			}
			defer func() {
				if r := recover(); r != nil {
					finish(fmt.Errorf("panic: %v", r))
					panic(r)
				}
			}()

			err = next(ctx, ev)
			finish(err)
			return err
		}
	}
}

// sampled maps the post ID onto [0, 1) so every handler of a post gets the
// same decision.
func sampled(postID string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New64a()
	h.Write([]byte(postID))
	return float64(h.Sum64())/math.MaxUint64 < rate
}
