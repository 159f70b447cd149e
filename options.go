package eventbus

import (
	"context"
	"log/slog"
	"runtime"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventbus/partition"
)

// DefaultBusName is used when NewBus is called with an empty name.
var DefaultBusName = "event-bus"

// DefaultQueueSize is the per-worker queue capacity used by PostAsync.
const DefaultQueueSize = 100

// ErrorHandler receives handler failures. It runs on the goroutine that
// invoked the handler and must not block for long.
type ErrorHandler func(ctx context.Context, err *HandlerInvocationError)

// busOptions holds configuration for bus (unexported)
type busOptions struct {
	logger             *slog.Logger
	errorHandler       ErrorHandler
	middleware         []Middleware
	tracingEnabled     bool
	metricsEnabled     bool
	recoveryEnabled    bool
	deadEventsEnabled  bool
	strictRegistration bool
	workers            int
	queueSize          int
	partitioner        partition.Partitioner
	tracerProvider     trace.TracerProvider
	meterProvider      metric.MeterProvider
}

// BusOption option function for bus configuration
type BusOption func(*busOptions)

// WithLogger sets a custom logger for the bus
func WithLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets the function that receives handler failures.
// Without one, failures are logged at warn level.
func WithErrorHandler(h ErrorHandler) BusOption {
	return func(o *busOptions) {
		o.errorHandler = h
	}
}

// WithTracing enables/disables OpenTelemetry spans for posts and handlers
func WithTracing(enabled bool) BusOption {
	return func(o *busOptions) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables/disables OpenTelemetry metrics
func WithMetrics(enabled bool) BusOption {
	return func(o *busOptions) {
		o.metricsEnabled = enabled
	}
}

// WithTracerProvider sets the provider spans are created from. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) BusOption {
	return func(o *busOptions) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets the provider instruments are created from. The
// global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) BusOption {
	return func(o *busOptions) {
		o.meterProvider = mp
	}
}

// WithRecovery enables/disables recovery of handler panics.
// With recovery disabled a panicking handler crashes the posting goroutine.
func WithRecovery(enabled bool) BusOption {
	return func(o *busOptions) {
		o.recoveryEnabled = enabled
	}
}

// WithDeadEvents enables/disables posting DeadEvent for unrouted events
func WithDeadEvents(enabled bool) BusOption {
	return func(o *busOptions) {
		o.deadEventsEnabled = enabled
	}
}

// WithStrictRegistration makes Register fail for subscribers without handlers
func WithStrictRegistration(enabled bool) BusOption {
	return func(o *busOptions) {
		o.strictRegistration = enabled
	}
}

// WithWorkers sets the number of PostAsync workers. Default is runtime.NumCPU().
func WithWorkers(n int) BusOption {
	return func(o *busOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize sets the per-worker PostAsync queue capacity.
func WithQueueSize(n int) BusOption {
	return func(o *busOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithPartitioner sets how PostAsync assigns Keyed events to workers.
// Default is partition.NewHashPartitioner().
func WithPartitioner(p partition.Partitioner) BusOption {
	return func(o *busOptions) {
		if p != nil {
			o.partitioner = p
		}
	}
}

// WithMiddleware appends middleware wrapped around every handler invocation.
// The first middleware is the outermost.
func WithMiddleware(mw ...Middleware) BusOption {
	return func(o *busOptions) {
		o.middleware = append(o.middleware, mw...)
	}
}

// newBusOptions creates options with defaults and applies provided options
func newBusOptions(opts ...BusOption) *busOptions {
	o := &busOptions{
		logger:            slog.Default(),
		tracingEnabled:    true,
		metricsEnabled:    true,
		recoveryEnabled:   true,
		deadEventsEnabled: true,
		workers:           runtime.NumCPU(),
		queueSize:         DefaultQueueSize,
		partitioner:       partition.NewHashPartitioner(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
