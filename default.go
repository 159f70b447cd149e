package eventbus

import (
	"context"
	"sync/atomic"
)

var defaultBus atomic.Pointer[Bus]

// Default returns the process-wide bus used by the package-level functions,
// creating it on first use.
func Default() *Bus {
	if b := defaultBus.Load(); b != nil {
		return b
	}
	defaultBus.CompareAndSwap(nil, NewBus(DefaultBusName))
	return defaultBus.Load()
}

// SetDefault replaces the default bus and returns the previous one, which may
// be nil. The previous bus is not closed.
func SetDefault(b *Bus) *Bus {
	return defaultBus.Swap(b)
}

// Register registers sub on the default bus.
func Register(sub any) error {
	return Default().Register(sub)
}

// Unregister removes sub from the default bus.
func Unregister(sub any) bool {
	return Default().Unregister(sub)
}

// Post dispatches ev synchronously on the default bus and returns it.
//
//	ev, err := eventbus.Post(ctx, &UserCreated{ID: id})
func Post[E any](ctx context.Context, ev E) (E, error) {
	return Dispatch(ctx, Default(), ev)
}

// PostAsync queues ev on the default bus.
func PostAsync(ctx context.Context, ev any) (*Future, error) {
	return Default().PostAsync(ctx, ev)
}
