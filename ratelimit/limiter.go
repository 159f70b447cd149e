// Package ratelimit throttles handler invocations on an event bus.
//
// Limiters are local token buckets backed by golang.org/x/time/rate. They
// are attached to a bus as middleware, either shared by every handler or
// one bucket per handler.
//
// # Basic Usage
//
//	// 100 invocations/second with a burst of 10, shared by all handlers
//	bus := eventbus.NewBus("orders",
//	    eventbus.WithMiddleware(ratelimit.Middleware(ratelimit.NewTokenBucket(100, 10))),
//	)
//
//	// One bucket per handler
//	bus := eventbus.NewBus("orders",
//	    eventbus.WithMiddleware(ratelimit.PerHandlerMiddleware(func() ratelimit.Limiter {
//	        return ratelimit.NewTokenBucket(50, 5)
//	    })),
//	)
//
// # Blocking vs Dropping
//
// By default the middleware waits for a token, so a slow handler slows the
// posting goroutine. WithDrop switches to a non-blocking check: invocations
// over the limit are skipped and reported as ErrRateLimited.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rbaliyan/eventbus"
	"golang.org/x/time/rate"
)

// ErrRateLimited is reported for handler invocations dropped by a limiter.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Limiter is the interface for rate limiters.
//
// All implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether an invocation can happen right now.
	Allow(ctx context.Context) bool

	// Wait blocks until an invocation is permitted or ctx is done.
	Wait(ctx context.Context) error

	// Reserve returns a reservation for a future invocation.
	Reserve(ctx context.Context) Reservation
}

// Reservation represents a reserved slot.
type Reservation interface {
	// OK reports whether the limiter can provide the slot within its
	// maximum wait time.
	OK() bool

	// Delay returns how long to wait before acting on the reservation.
	Delay() time.Duration

	// Cancel returns the slot to the limiter.
	Cancel()
}

// TokenBucket is a local, in-memory token bucket.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket refilled at rps tokens per second
// holding at most burst tokens.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow implements Limiter.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait implements Limiter.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Reserve implements Limiter.
func (t *TokenBucket) Reserve(ctx context.Context) Reservation {
	return &tokenBucketReservation{r: t.limiter.Reserve()}
}

// SetLimit changes the refill rate.
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// SetBurst changes the bucket size.
func (t *TokenBucket) SetBurst(burst int) {
	t.limiter.SetBurst(burst)
}

// Limit returns the refill rate in tokens per second.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

type tokenBucketReservation struct {
	r *rate.Reservation
}

func (r *tokenBucketReservation) OK() bool             { return r.r.OK() }
func (r *tokenBucketReservation) Delay() time.Duration { return r.r.Delay() }
func (r *tokenBucketReservation) Cancel()              { r.r.Cancel() }

// Option configures the rate limit middleware.
type Option func(*options)

type options struct {
	drop bool
}

// WithDrop makes the middleware skip invocations over the limit instead of
// waiting for a token.
func WithDrop() Option {
	return func(o *options) { o.drop = true }
}

// Middleware limits every handler on the bus with one shared limiter.
func Middleware(l Limiter, opts ...Option) eventbus.Middleware {
	return middleware(func(context.Context) Limiter { return l }, opts)
}

// PerHandlerMiddleware gives each handler its own limiter, created on the
// handler's first invocation. Limiters of unregistered handlers are
// eventually released. Invocations outside a bus share one limiter.
func PerHandlerMiddleware(newLimiter func() Limiter, opts ...Option) eventbus.Middleware {
	var limiters eventbus.HandlerMap[Limiter]
	shared := sync.OnceValue(newLimiter)
	return middleware(func(ctx context.Context) Limiter {
		h := eventbus.ContextHandler(ctx)
		if h == nil {
			return shared()
		}
		return limiters.Get(h, newLimiter)
	}, opts)
}

func middleware(limiterFor func(context.Context) Limiter, opts []Option) eventbus.Middleware {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return func(next eventbus.Invoker) eventbus.Invoker {
		return func(ctx context.Context, ev any) error {
			l := limiterFor(ctx)
			if o.drop {
				if !l.Allow(ctx) {
					return ErrRateLimited
				}
			} else if err := l.Wait(ctx); err != nil {
				return err
			}
			return next(ctx, ev)
		}
	}
}
