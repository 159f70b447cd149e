package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// invokeFunc calls a bound handler with an event already known to be
// assignable to the handler's event type.
type invokeFunc func(ctx context.Context, ev any) error

// Handler is a single bound handler as stored in the registry.
// Handlers are created by Register. Apart from Registered they are immutable.
type Handler struct {
	id               string
	owner            any
	name             string
	eventType        reflect.Type
	priority         Priority
	receiveCancelled bool
	seq              uint64
	invoke           invokeFunc
	removed          atomic.Bool
}

// ID returns the unique handler ID.
func (h *Handler) ID() string {
	return h.id
}

// Owner returns the subscriber the handler was discovered on.
func (h *Handler) Owner() any {
	return h.owner
}

// Name returns the handler name, "<SubscriberType>.<Member>" unless overridden.
func (h *Handler) Name() string {
	return h.name
}

// EventType returns the type of events the handler accepts.
func (h *Handler) EventType() reflect.Type {
	return h.eventType
}

// Priority returns the handler priority.
func (h *Handler) Priority() Priority {
	return h.priority
}

// ReceiveCancelled reports whether the handler runs for cancelled events.
func (h *Handler) ReceiveCancelled() bool {
	return h.receiveCancelled
}

// Registered reports whether the handler is still registered on its bus.
func (h *Handler) Registered() bool {
	return !h.removed.Load()
}

func (h *Handler) String() string {
	return h.name
}

// before reports whether h runs before o: higher priority first, then
// registration order.
func (h *Handler) before(o *Handler) bool {
	if h.priority != o.priority {
		return h.priority > o.priority
	}
	return h.seq < o.seq
}

func compareHandlers(a, b *Handler) int {
	switch {
	case a == b:
		return 0
	case a.before(b):
		return -1
	default:
		return 1
	}
}

const minHandlerMapSweep = 16

// HandlerMap holds per-handler state for middleware, such as one circuit
// breaker or rate limiter per handler. Entries of unregistered handlers are
// evicted once the map has doubled since its last sweep, so subscriber churn
// does not grow it without bound. The zero value is ready to use.
type HandlerMap[V any] struct {
	mu      sync.Mutex
	entries map[*Handler]V
	sweepAt int
}

// Get returns the state of h, calling create on first use.
func (m *HandlerMap[V]) Get(h *Handler, create func() V) V {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.entries[h]; ok {
		return v
	}
	if m.entries == nil {
		m.entries = make(map[*Handler]V)
	}
	if len(m.entries) >= m.sweepAt {
		for k := range m.entries {
			if !k.Registered() {
				delete(m.entries, k)
			}
		}
		m.sweepAt = max(2*len(m.entries), minHandlerMapSweep)
	}
	v := create()
	m.entries[h] = v
	return v
}

// Len returns the number of entries, including unregistered handlers not
// yet evicted.
func (m *HandlerMap[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
