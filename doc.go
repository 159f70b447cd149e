// Package eventbus is an in-process publish/subscribe event bus.
//
// Subscribers are plain Go values. Register discovers their handlers, and
// Post delivers an event to every handler whose declared event type matches:
// handlers declared for the event's exact type and handlers declared for any
// interface the event implements. There are no topics or names; the Go type
// of the event is the routing key.
//
// Basic example:
//
//	type UserCreated struct {
//	    ID   string
//	    Name string
//	}
//
//	type Mailer struct{}
//
//	// Exported methods named On<Something> with a handler signature are handlers.
//	func (m *Mailer) OnUserCreated(ctx context.Context, ev UserCreated) error {
//	    fmt.Println("welcome", ev.Name)
//	    return nil
//	}
//
//	bus := eventbus.NewBus("app")
//	defer bus.Close(ctx)
//
//	if err := bus.Register(&Mailer{}); err != nil {
//	    log.Fatal(err)
//	}
//	bus.Post(ctx, UserCreated{ID: "1", Name: "Ada"})
//
// Handlers may also be declared as tagged fields or built with NewListener:
//
//	type Audit struct {
//	    Log func(ctx context.Context, ev any) error `event:"priority=lowest,cancelled"`
//	}
//
//	bus.Register(eventbus.NewListener(func(ctx context.Context, ev UserCreated) error {
//	    return nil
//	}, eventbus.WithPriority(eventbus.PriorityHigh)))
//
// Ordering:
// Handlers run in priority order, PriorityHighest first. Handlers with equal
// priority run in registration order. For an event reaching handlers through
// several types (its own type and interfaces), all handlers are merged into
// one order.
//
// Cancellation:
// Events implementing Cancellable (embed Cancellation and post a pointer) can
// be cancelled by a handler. Later handlers are skipped unless they opted in
// with WithReceiveCancelled or the "cancelled" tag option.
//
// Errors:
// A failing or panicking handler never stops the dispatch. Failures are
// reported as *HandlerInvocationError to the ErrorHandler set with
// WithErrorHandler, or logged.
//
// Async:
// PostAsync dispatches on a pool of worker goroutines and returns a Future.
// Events implementing Keyed keep their relative order per key.
//
// Bus Options:
//   - WithLogger: set logger for the bus.
//   - WithErrorHandler: receive handler failures.
//   - WithTracing: enable/disable OpenTelemetry tracing. Default is true.
//   - WithMetrics: enable/disable OpenTelemetry metrics. Default is true.
//   - WithTracerProvider, WithMeterProvider: override the global otel providers.
//   - WithRecovery: enable/disable panic recovery in handlers. Default is true.
//   - WithDeadEvents: post DeadEvent for unrouted events. Default is true.
//   - WithStrictRegistration: reject subscribers without handlers.
//   - WithWorkers, WithQueueSize, WithPartitioner: PostAsync worker pool.
//   - WithMiddleware: wrap every handler invocation.
//
// Options can also be loaded from YAML or JSON with LoadConfig and
// NewBusFromConfig.
//
// Subpackages provide middleware and stores built on the bus: monitor
// records every handler invocation, dlq keeps failed invocations for replay,
// poison quarantines events that keep failing, and ratelimit throttles
// handlers.
package eventbus
