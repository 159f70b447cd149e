package eventbus

import (
	"context"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventbus/partition"
)

const (
	busRunning = 1
	busStopped = 0
)

// Bus routes events to the handlers of registered subscribers.
//
// Registration and dispatch may run concurrently from any goroutine. A
// dispatch sees the handlers registered when it started; registrations made
// while it runs apply to later posts.
type Bus struct {
	status   int32
	id       string
	name     string
	logger   *slog.Logger
	opts     *busOptions
	registry *registry
	resolver typeResolver
	metrics  *busMetrics
	tracer   trace.Tracer

	pool       atomic.Pointer[workerPool]
	poolOnce   sync.Once
	roundRobin partition.RoundRobinPartitioner
}

// NewBus creates a new event bus. An empty name uses DefaultBusName.
func NewBus(name string, opts ...BusOption) *Bus {
	o := newBusOptions(opts...)
	if name == "" {
		name = DefaultBusName
	}

	b := &Bus{
		status:   busRunning,
		id:       uuid.NewString(),
		name:     name,
		logger:   o.logger.With("component", "bus>"+name),
		opts:     o,
		registry: newRegistry(),
	}
	if o.metricsEnabled {
		mp := o.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		b.metrics = newBusMetrics(mp.Meter(name))
	}
	if o.tracingEnabled {
		tp := o.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		b.tracer = tp.Tracer(name)
	}
	return b
}

// ID returns the bus ID
func (b *Bus) ID() string {
	return b.id
}

// Name returns the bus name
func (b *Bus) Name() string {
	return b.name
}

// Running returns true if bus is running
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Close stops the bus. Later calls to Post, PostAsync and Register fail with
// ErrBusClosed. Events already queued by PostAsync are still dispatched;
// Close waits for them until ctx is done.
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}
	// keep PostAsync from starting workers after close
	b.poolOnce.Do(func() {})

	if p := b.pool.Load(); p != nil {
		if err := p.stop(ctx, b); err != nil {
			b.logger.Warn("async workers did not stop in time", "error", err)
			return err
		}
	}
	b.logger.Debug("bus closed")
	return nil
}

// Register discovers the handlers of sub and subscribes them all at once.
//
// Handlers are discovered from, in order:
//   - sub itself when it is a *Listener
//   - the listeners returned by EventHandlers when sub implements HandlerProvider
//   - exported fields tagged `event:"..."` holding a *Listener or a handler func
//   - exported methods named On<Something> with a handler signature
//
// Handler signatures are func(E), func(E) error, func(context.Context, E)
// and func(context.Context, E) error. Any invalid handler fails the whole
// registration with *InvalidHandlerSignatureError and nothing is registered.
//
// sub must be comparable; register structs by pointer. Registering the same
// subscriber twice returns ErrAlreadyRegistered. A subscriber without
// handlers is ignored unless WithStrictRegistration is set.
func (b *Bus) Register(sub any) error {
	if !b.Running() {
		return ErrBusClosed
	}
	if err := checkSubscriber(sub); err != nil {
		return err
	}
	if b.registry.registered(sub) {
		return ErrAlreadyRegistered
	}

	specs, err := discover(sub)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		if b.opts.strictRegistration {
			return &InvalidSubscriberError{Type: reflect.TypeOf(sub), Reason: "no handlers found"}
		}
		b.logger.Debug("subscriber has no handlers", "subscriber", typeName(reflect.TypeOf(sub)))
		return nil
	}

	handlers, err := b.registry.add(sub, specs)
	if err != nil {
		return err
	}
	b.logger.Debug("registered subscriber",
		"subscriber", typeName(reflect.TypeOf(sub)),
		"handlers", len(handlers))
	return nil
}

// Unregister removes every handler of sub. It reports whether sub was
// registered. Dispatches already in progress may still invoke its handlers.
func (b *Bus) Unregister(sub any) bool {
	if checkSubscriber(sub) != nil {
		return false
	}
	n := b.registry.remove(sub)
	if n > 0 {
		b.logger.Debug("unregistered subscriber",
			"subscriber", typeName(reflect.TypeOf(sub)),
			"handlers", n)
	}
	return n > 0
}

// UnregisterHandler removes a single handler of sub by name, as reported by
// Handler.Name. The subscriber stays registered while it has handlers left.
func (b *Bus) UnregisterHandler(sub any, name string) bool {
	if checkSubscriber(sub) != nil {
		return false
	}
	return b.registry.removeHandler(sub, name)
}

// IsRegistered reports whether sub currently has handlers on the bus.
func (b *Bus) IsRegistered(sub any) bool {
	if checkSubscriber(sub) != nil {
		return false
	}
	return b.registry.registered(sub)
}

// Handlers returns the handlers registered for sub in discovery order.
func (b *Bus) Handlers(sub any) []*Handler {
	if checkSubscriber(sub) != nil {
		return nil
	}
	return b.registry.handlers(sub)
}

// HandlersFor returns the handlers an event of type t would be delivered to,
// in invocation order.
func (b *Bus) HandlersFor(t reflect.Type) []*Handler {
	if t == nil {
		return nil
	}
	return slices.Clone(b.match(t))
}

// HasHandlers reports whether an event of type t would reach any handler.
func (b *Bus) HasHandlers(t reflect.Type) bool {
	return t != nil && len(b.match(t)) > 0
}

// HasHandlersFor reports whether an event of type E would reach any handler.
func HasHandlersFor[E any](b *Bus) bool {
	return b.HasHandlers(reflect.TypeFor[E]())
}

func checkSubscriber(sub any) error {
	if sub == nil {
		return &InvalidSubscriberError{Reason: "subscriber is nil"}
	}
	v := reflect.ValueOf(sub)
	if !v.Comparable() {
		return &InvalidSubscriberError{Type: v.Type(), Reason: "subscriber is not comparable, register a pointer"}
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return &InvalidSubscriberError{Type: v.Type(), Reason: "subscriber is a nil pointer"}
	}
	return nil
}
