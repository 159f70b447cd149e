package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Invoker calls the next step of a handler invocation.
type Invoker func(ctx context.Context, ev any) error

// Middleware wraps every handler invocation on a bus. The current handler is
// available through ContextHandler.
type Middleware func(next Invoker) Invoker

func chain(mw []Middleware, final Invoker) Invoker {
	for i := len(mw) - 1; i >= 0; i-- {
		final = mw[i](final)
	}
	return final
}

// TimeoutMiddleware bounds handler execution time. The handler context is
// cancelled after d; a handler that ignores its context keeps running in the
// background while the dispatch moves on.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ev any) error {
			if d <= 0 {
				return next(ctx, ev)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- newPanicError(r)
					}
				}()
				done <- next(ctx, ev)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return fmt.Errorf("handler timed out after %s: %w", d, ctx.Err())
			}
		}
	}
}

// LoggingMiddleware logs every handler invocation at debug level.
func LoggingMiddleware() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ev any) error {
			start := time.Now()
			err := next(ctx, ev)
			ContextLogger(ctx).Debug("handler invoked",
				"event_type", fmt.Sprintf("%T", ev),
				"duration", time.Since(start),
				"error", err)
			return err
		}
	}
}

// Identified is implemented by events that carry their own unique ID.
// DeduplicationMiddleware uses it to skip redelivered events.
type Identified interface {
	EventID() string
}

// DeduplicationStore is an interface for storing seen event IDs.
type DeduplicationStore interface {
	// IsSeen checks if an ID has been seen before.
	IsSeen(ctx context.Context, id string) (bool, error)

	// MarkSeen marks an ID as seen.
	MarkSeen(ctx context.Context, id string) error
}

// inMemoryDeduplicationStore is a simple in-memory deduplication store with TTL
type inMemoryDeduplicationStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewInMemoryDeduplicationStore creates a new in-memory deduplication store.
// ttl: how long to remember an ID (default: 1 hour)
// maxSize: maximum number of entries to store (default: 10000)
func NewInMemoryDeduplicationStore(ttl time.Duration, maxSize int) DeduplicationStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &inMemoryDeduplicationStore{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (s *inMemoryDeduplicationStore) IsSeen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenAt, exists := s.seen[id]
	if !exists {
		return false, nil
	}
	if time.Since(seenAt) > s.ttl {
		delete(s.seen, id)
		return false, nil
	}
	return true, nil
}

func (s *inMemoryDeduplicationStore) MarkSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.seen) >= s.maxSize {
		now := time.Now()
		for k, seenAt := range s.seen {
			if now.Sub(seenAt) > s.ttl {
				delete(s.seen, k)
			}
		}

		// still full, drop roughly 10% of entries
		if len(s.seen) >= s.maxSize {
			toRemove := max(s.maxSize/10, 1)
			for k := range s.seen {
				delete(s.seen, k)
				toRemove--
				if toRemove == 0 {
					break
				}
			}
		}
	}

	s.seen[id] = time.Now()
	return nil
}

// DeduplicationMiddleware skips handlers for Identified events they already
// handled successfully. Deduplication is per handler, so a redelivered event
// still reaches handlers that failed the first time.
//
// Example usage:
//
//	store := eventbus.NewInMemoryDeduplicationStore(time.Hour, 10000)
//	bus := eventbus.NewBus("orders", eventbus.WithMiddleware(eventbus.DeduplicationMiddleware(store)))
func DeduplicationMiddleware(store DeduplicationStore) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ev any) error {
			ident, ok := ev.(Identified)
			h := ContextHandler(ctx)
			if !ok || h == nil || ident.EventID() == "" {
				return next(ctx, ev)
			}
			key := h.id + "/" + ident.EventID()

			seen, err := store.IsSeen(ctx, key)
			if err != nil {
				ContextLogger(ctx).Warn("deduplication store error", "error", err)
				return next(ctx, ev)
			}
			if seen {
				ContextLogger(ctx).Debug("skipping duplicate event", "event_id", ident.EventID())
				return nil
			}

			if err := next(ctx, ev); err != nil {
				return err
			}
			if err := store.MarkSeen(ctx, key); err != nil {
				ContextLogger(ctx).Warn("failed to mark event as seen", "error", err)
			}
			return nil
		}
	}
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// CircuitClosed means the circuit is functioning normally
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is open due to failures (invocations fail fast)
	CircuitOpen
	// CircuitHalfOpen means the circuit is testing if the handler recovered
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops invoking a failing handler until a timeout passes.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	state         CircuitState
	failures      int
	successes     int
	lastStateTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
// failureThreshold: number of consecutive failures before opening (default: 5)
// successThreshold: number of consecutive successes in half-open before closing (default: 2)
// timeout: time to wait before attempting half-open (default: 30s)
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            CircuitClosed,
		lastStateTime:    time.Now(),
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow checks if an invocation should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.lastStateTime) <= cb.timeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
		cb.lastStateTime = time.Now()
	}
	return true
}

// RecordSuccess records a successful invocation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.successes = 0
			cb.lastStateTime = time.Now()
		}
	}
}

// RecordFailure records a failed invocation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.failures++

	switch {
	case cb.state == CircuitClosed && cb.failures >= cb.failureThreshold:
		cb.state = CircuitOpen
		cb.lastStateTime = time.Now()
	case cb.state == CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.lastStateTime = time.Now()
	}
}

// CircuitBreakerMiddleware keeps one circuit breaker per handler, created
// with newBreaker on the handler's first invocation and dropped some time
// after the handler is unregistered. While a handler's circuit
// is open its invocations fail with *CircuitOpenError.
//
// Example usage:
//
//	mw := eventbus.CircuitBreakerMiddleware(func() *eventbus.CircuitBreaker {
//	    return eventbus.NewCircuitBreaker(5, 2, 30*time.Second)
//	})
func CircuitBreakerMiddleware(newBreaker func() *CircuitBreaker) Middleware {
	var breakers HandlerMap[*CircuitBreaker]
	return func(next Invoker) Invoker {
		return func(ctx context.Context, ev any) error {
			h := ContextHandler(ctx)
			if h == nil {
				return next(ctx, ev)
			}
			cb := breakers.Get(h, newBreaker)

			if !cb.Allow() {
				ContextLogger(ctx).Warn("circuit breaker open, failing fast", "state", cb.State())
				return &CircuitOpenError{Name: h.name}
			}

			err := next(ctx, ev)
			if err == nil {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			return err
		}
	}
}
