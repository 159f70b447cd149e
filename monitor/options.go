package monitor

import (
	"time"
)

type storeOptions struct {
	retention       time.Duration
	cleanupInterval time.Duration
}

func defaultStoreOptions() *storeOptions {
	return &storeOptions{
		cleanupInterval: time.Minute,
	}
}

// StoreOption configures a MemoryStore.
type StoreOption func(*storeOptions)

// WithRetention drops entries older than age in the background.
//
// Default is 0, which keeps entries until DeleteOlderThan is called.
func WithRetention(age time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.retention = age
	}
}

// WithCleanupInterval sets how often expired entries are removed.
//
// Default is 1 minute. Only used together with WithRetention.
func WithCleanupInterval(interval time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.cleanupInterval = interval
	}
}

type middlewareOptions struct {
	samplingRate float64
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareOptions)

// WithSampling records only a fraction of posts.
//
// Rate must be between 0.0 and 1.0; other values are ignored. Sampling is
// decided per post, so either every handler of a post is recorded or none.
func WithSampling(rate float64) MiddlewareOption {
	return func(o *middlewareOptions) {
		if rate >= 0 && rate <= 1.0 {
			o.samplingRate = rate
		}
	}
}
