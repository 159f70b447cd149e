package eventbus

import (
	"context"
	"reflect"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Post delivers ev synchronously to every matching handler before returning.
//
// Handlers run on the calling goroutine in priority order. Handler errors and
// panics never abort the dispatch and are not returned; they are reported to
// the ErrorHandler set with WithErrorHandler, or logged. Post only fails when
// the bus is closed or ev is nil (including a nil pointer).
//
// An event is delivered to handlers declared for its exact dynamic type and
// to handlers declared for any interface it implements.
func (b *Bus) Post(ctx context.Context, ev any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !b.Running() {
		return ErrBusClosed
	}
	if err := checkEvent(ev); err != nil {
		return err
	}
	b.dispatch(ctx, ev, uuid.NewString(), nil)
	return nil
}

// Dispatch posts ev synchronously and returns it, so handler mutations of a
// pointer event can be inspected by the caller.
//
//	placed, err := eventbus.Dispatch(ctx, bus, &OrderPlaced{ID: "42"})
//	if err == nil && placed.IsCancelled() {
//	    // a handler vetoed the order
//	}
func Dispatch[E any](ctx context.Context, b *Bus, ev E) (E, error) {
	return ev, b.Post(ctx, any(ev))
}

// dispatch runs all matching handlers for ev. collect, when set, receives
// every handler failure in addition to the error handler.
func (b *Bus) dispatch(ctx context.Context, ev any, postID string, collect func(*HandlerInvocationError)) {
	t := reflect.TypeOf(ev)
	eventType := t.String()
	ctx = withDispatch(ctx, b, postID)

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, eventType+".post",
			trace.WithAttributes(
				attribute.String(spanKeyPostID, postID),
				attribute.String(spanKeyEventType, eventType),
				attribute.String(spanKeyEventBus, b.name)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
	}
	b.metrics.recordPost(ctx, eventType)

	handlers := b.match(t)
	if len(handlers) == 0 {
		b.deadEvent(ctx, ev, postID, collect)
		return
	}

	for _, h := range handlers {
		if !h.receiveCancelled && isCancelled(ev) {
			b.metrics.recordSkipped(ctx, eventType, h.name)
			continue
		}
		b.invoke(ctx, h, ev, eventType, postID, collect)
	}
}

// match returns the handlers for events of type t in invocation order.
// The returned slice must not be modified.
func (b *Bus) match(t reflect.Type) []*Handler {
	state := b.registry.load()
	types := b.resolver.matchingTypes(state, t)
	switch len(types) {
	case 0:
		return nil
	case 1:
		return state.buckets[types[0]]
	}

	n := 0
	for _, k := range types {
		n += len(state.buckets[k])
	}
	merged := make([]*Handler, 0, n)
	for _, k := range types {
		merged = append(merged, state.buckets[k]...)
	}
	slices.SortFunc(merged, compareHandlers)
	return merged
}

func (b *Bus) deadEvent(ctx context.Context, ev any, postID string, collect func(*HandlerInvocationError)) {
	switch ev.(type) {
	case DeadEvent, *DeadEvent:
		return
	}
	b.metrics.recordDead(ctx, reflect.TypeOf(ev).String())
	ContextLogger(ctx).Debug("no handlers for event", "event_type", reflect.TypeOf(ev).String())
	if b.opts.deadEventsEnabled {
		b.dispatch(ctx, DeadEvent{Event: ev, PostID: postID}, postID, collect)
	}
}

func (b *Bus) invoke(ctx context.Context, h *Handler, ev any, eventType, postID string, collect func(*HandlerInvocationError)) {
	ctx = withHandler(ctx, h)

	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, h.name+".handle",
			trace.WithAttributes(
				attribute.String(spanKeyPostID, postID),
				attribute.String(spanKeyEventType, eventType),
				attribute.String(spanKeyHandler, h.name),
				attribute.String(spanKeyPriority, h.priority.String())),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	start := time.Now()
	err := b.call(ctx, h, ev)
	b.metrics.recordHandled(ctx, eventType, h.name, time.Since(start), err)
	if err == nil {
		return
	}

	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	b.reportError(ctx, &HandlerInvocationError{
		PostID:  postID,
		Handler: h,
		Event:   ev,
		Err:     err,
	}, collect)
}

// call runs the handler through the middleware chain, converting a panic into
// a *PanicError when recovery is enabled.
func (b *Bus) call(ctx context.Context, h *Handler, ev any) (err error) {
	if b.opts.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				perr := newPanicError(r)
				ContextLogger(ctx).Error("handler panicked", "panic", r, "stack", string(perr.Stack))
				err = perr
			}
		}()
	}
	if len(b.opts.middleware) == 0 {
		return h.invoke(ctx, ev)
	}
	return chain(b.opts.middleware, Invoker(h.invoke))(ctx, ev)
}

func (b *Bus) reportError(ctx context.Context, err *HandlerInvocationError, collect func(*HandlerInvocationError)) {
	if collect != nil {
		collect(err)
	}
	if b.opts.errorHandler == nil {
		ContextLogger(ctx).Warn("handler failed", "error", err.Err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ContextLogger(ctx).Error("error handler panicked", "panic", r, "error", err.Err)
		}
	}()
	b.opts.errorHandler(ctx, err)
}

func checkEvent(ev any) error {
	if ev == nil {
		return &DispatchTypeError{Reason: "event is nil"}
	}
	if v := reflect.ValueOf(ev); v.Kind() == reflect.Pointer && v.IsNil() {
		return &DispatchTypeError{Reason: "event is a nil " + v.Type().String()}
	}
	return nil
}

func newPanicError(r any) *PanicError {
	return &PanicError{Value: r, Stack: debug.Stack()}
}
