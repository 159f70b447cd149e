package eventbus

import (
	"context"
	"reflect"
)

// HandlerFunc handles events of type E.
type HandlerFunc[E any] func(ctx context.Context, ev E) error

// Listener is a handler value that can be registered directly or exposed by a
// subscriber as a tagged field or through HandlerProvider.
//
// Example:
//
//	type Audit struct {
//	    OnOrder *eventbus.Listener `event:"priority=high"`
//	}
//
//	a := &Audit{OnOrder: eventbus.NewListener(func(ctx context.Context, o OrderPlaced) error {
//	    return nil
//	})}
type Listener struct {
	eventType        reflect.Type
	invoke           invokeFunc
	priority         Priority
	receiveCancelled bool
	name             string
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithPriority sets the listener priority. Default is PriorityNormal.
func WithPriority(p Priority) ListenerOption {
	return func(l *Listener) {
		l.priority = p
	}
}

// WithReceiveCancelled makes the listener run even for cancelled events.
func WithReceiveCancelled() ListenerOption {
	return func(l *Listener) {
		l.receiveCancelled = true
	}
}

// WithName overrides the handler name used in logs, errors and traces.
func WithName(name string) ListenerOption {
	return func(l *Listener) {
		l.name = name
	}
}

// NewListener creates a listener for events assignable to E.
// E may be an interface type, in which case every event implementing it is
// delivered; use any to receive all events.
func NewListener[E any](fn HandlerFunc[E], opts ...ListenerOption) *Listener {
	l := &Listener{
		eventType: reflect.TypeFor[E](),
		priority:  DefaultPriority,
	}
	if fn != nil {
		l.invoke = func(ctx context.Context, ev any) error {
			e, _ := ev.(E)
			return fn(ctx, e)
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EventType returns the type of events the listener accepts.
func (l *Listener) EventType() reflect.Type {
	return l.eventType
}

// Priority returns the listener priority.
func (l *Listener) Priority() Priority {
	return l.priority
}

// Name returns the name override, or "" when none was set.
func (l *Listener) Name() string {
	return l.name
}

// HandlerProvider is implemented by subscribers that list their handlers
// explicitly instead of relying on method or field discovery.
type HandlerProvider interface {
	EventHandlers() []*Listener
}

// ListenerOptioner is implemented by subscribers that configure discovered
// methods. ListenerOptions is called once per handler method with the method
// name.
//
// Example:
//
//	func (s *Shipping) ListenerOptions(method string) []eventbus.ListenerOption {
//	    if method == "OnOrderPlaced" {
//	        return []eventbus.ListenerOption{eventbus.WithPriority(eventbus.PriorityHigh)}
//	    }
//	    return nil
//	}
type ListenerOptioner interface {
	ListenerOptions(method string) []ListenerOption
}
