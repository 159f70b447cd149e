package eventbus

import (
	"context"
	"sync"
	"time"
)

// TestBus creates a new bus configured for testing.
// Has recovery/tracing/metrics disabled for simpler testing; opts are
// applied after the defaults.
//
// Example:
//
//	bus := eventbus.TestBus(eventbus.WithRecovery(true))
//	defer bus.Close(context.Background())
func TestBus(opts ...BusOption) *Bus {
	base := []BusOption{
		WithRecovery(false),
		WithTracing(false),
		WithMetrics(false),
	}
	return NewBus("test-bus", append(base, opts...)...)
}

// TestHandler is a helper for testing event handlers.
// It collects all events received by the handler for later assertions.
type TestHandler[E any] struct {
	mu       sync.Mutex
	received []TestHandlerCall[E]
	handler  HandlerFunc[E]
}

// TestHandlerCall represents a single call to the test handler
type TestHandlerCall[E any] struct {
	Context context.Context
	Event   E
	PostID  string
	Time    time.Time
}

// NewTestHandler creates a new test handler.
// If handler is nil, every event is accepted.
func NewTestHandler[E any](handler HandlerFunc[E]) *TestHandler[E] {
	return &TestHandler[E]{handler: handler}
}

// Handle records the call and runs the wrapped handler.
func (h *TestHandler[E]) Handle(ctx context.Context, ev E) error {
	h.mu.Lock()
	h.received = append(h.received, TestHandlerCall[E]{
		Context: ctx,
		Event:   ev,
		PostID:  ContextPostID(ctx),
		Time:    time.Now(),
	})
	h.mu.Unlock()

	if h.handler != nil {
		return h.handler(ctx, ev)
	}
	return nil
}

// Listener returns a listener for registering the test handler on a bus.
func (h *TestHandler[E]) Listener(opts ...ListenerOption) *Listener {
	return NewListener[E](h.Handle, opts...)
}

// Received returns a copy of all received calls
func (h *TestHandler[E]) Received() []TestHandlerCall[E] {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]TestHandlerCall[E], len(h.received))
	copy(result, h.received)
	return result
}

// Events returns the received events in order
func (h *TestHandler[E]) Events() []E {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]E, len(h.received))
	for i, call := range h.received {
		result[i] = call.Event
	}
	return result
}

// Count returns the number of calls received
func (h *TestHandler[E]) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

// Last returns the last received call, or nil if none
func (h *TestHandler[E]) Last() *TestHandlerCall[E] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.received) == 0 {
		return nil
	}
	call := h.received[len(h.received)-1]
	return &call
}

// Reset clears all received calls
func (h *TestHandler[E]) Reset() {
	h.mu.Lock()
	h.received = nil
	h.mu.Unlock()
}

// WaitFor waits until the handler has received at least n calls or timeout is reached.
// Returns true if the expected count was reached, false on timeout.
func (h *TestHandler[E]) WaitFor(n int, timeout time.Duration) bool {
	return waitFor(func() bool { return h.Count() >= n }, timeout)
}

// RecordedCall is one handler invocation seen by a Recorder.
type RecordedCall struct {
	PostID  string
	Handler string
	Event   any
	Err     error
}

// Recorder records every handler invocation on a bus, in invocation order.
// Install it with WithMiddleware(recorder.Middleware()).
type Recorder struct {
	mu    sync.Mutex
	calls []RecordedCall
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Middleware returns the middleware that feeds the recorder.
func (r *Recorder) Middleware() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ev any) error {
			err := next(ctx, ev)
			call := RecordedCall{PostID: ContextPostID(ctx), Event: ev, Err: err}
			if h := ContextHandler(ctx); h != nil {
				call.Handler = h.name
			}
			r.mu.Lock()
			r.calls = append(r.calls, call)
			r.mu.Unlock()
			return err
		}
	}
}

// Calls returns a copy of all recorded calls
func (r *Recorder) Calls() []RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]RecordedCall, len(r.calls))
	copy(result, r.calls)
	return result
}

// Names returns the handler names in invocation order
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.calls))
	for i, c := range r.calls {
		names[i] = c.Handler
	}
	return names
}

// Count returns the number of recorded calls
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Reset clears all recorded calls
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// WaitFor waits until at least n calls were recorded or timeout is reached.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	return waitFor(func() bool { return r.Count() >= n }, timeout)
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
