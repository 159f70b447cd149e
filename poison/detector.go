package poison

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/eventbus"
)

// Detector tracks handler failures and quarantines poison events.
//
// Example:
//
//	detector := poison.NewDetector(poison.NewMemoryStore(),
//	    poison.WithThreshold(5),
//	    poison.WithQuarantineTime(time.Hour),
//	)
type Detector struct {
	store          Store
	threshold      int
	quarantineTime time.Duration
}

// Options configures the Detector behavior.
type Options struct {
	// Threshold is the number of consecutive failures before quarantine.
	// Default: 5
	Threshold int

	// QuarantineTime is how long a quarantined event is skipped.
	// Default: 1 hour
	QuarantineTime time.Duration
}

// DefaultOptions returns default detector options.
func DefaultOptions() *Options {
	return &Options{
		Threshold:      5,
		QuarantineTime: time.Hour,
	}
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithThreshold sets the number of failures required before quarantine.
// Non-positive values are ignored.
func WithThreshold(threshold int) Option {
	return func(o *Options) {
		if threshold > 0 {
			o.Threshold = threshold
		}
	}
}

// WithQuarantineTime sets how long quarantined events are skipped.
// Non-positive values are ignored.
func WithQuarantineTime(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.QuarantineTime = d
		}
	}
}

// NewDetector creates a new poison event detector.
func NewDetector(store Store, opts ...Option) *Detector {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Detector{
		store:          store,
		threshold:      o.Threshold,
		quarantineTime: o.QuarantineTime,
	}
}

// Key returns the store key for a handler and event ID.
func Key(handlerID, eventID string) string {
	return handlerID + "/" + eventID
}

// Check reports whether key is quarantined.
func (d *Detector) Check(ctx context.Context, key string) (bool, error) {
	return d.store.IsPoison(ctx, key)
}

// RecordFailure increments the failure count for key and returns true if
// this failure put it in quarantine.
func (d *Detector) RecordFailure(ctx context.Context, key string) (bool, error) {
	count, err := d.store.IncrementFailure(ctx, key)
	if err != nil {
		return false, fmt.Errorf("increment failure: %w", err)
	}
	if count < d.threshold {
		return false, nil
	}
	if err := d.store.MarkPoison(ctx, key, d.quarantineTime); err != nil {
		return true, fmt.Errorf("mark poison: %w", err)
	}
	// the count restarts so a released event gets a full threshold again
	if err := d.store.ClearFailures(ctx, key); err != nil {
		return true, fmt.Errorf("clear failures: %w", err)
	}
	return true, nil
}

// RecordSuccess clears the failure count for key.
func (d *Detector) RecordSuccess(ctx context.Context, key string) error {
	return d.store.ClearFailures(ctx, key)
}

// Release lifts the quarantine and clears the failure count for key.
func (d *Detector) Release(ctx context.Context, key string) error {
	if err := d.store.ClearPoison(ctx, key); err != nil {
		return err
	}
	return d.store.ClearFailures(ctx, key)
}

// GetFailureCount returns the current failure count for key.
func (d *Detector) GetFailureCount(ctx context.Context, key string) (int, error) {
	return d.store.GetFailureCount(ctx, key)
}

// Threshold returns the configured failure threshold.
func (d *Detector) Threshold() int {
	return d.threshold
}

// QuarantineTime returns the configured quarantine duration.
func (d *Detector) QuarantineTime() time.Duration {
	return d.quarantineTime
}

// Middleware skips handlers for events quarantined by d and records the
// outcome of every other invocation. Events that do not implement
// eventbus.Identified, or report an empty ID, are passed through. Store errors are logged and do
// not block the handler.
func Middleware(d *Detector) eventbus.Middleware {
	return func(next eventbus.Invoker) eventbus.Invoker {
		return func(ctx context.Context, ev any) error {
			idv, ok := ev.(eventbus.Identified)
			h := eventbus.ContextHandler(ctx)
			if !ok || h == nil {
				return next(ctx, ev)
			}
			eventID := idv.EventID()
			if eventID == "" {
				return next(ctx, ev)
			}
			key := Key(h.ID(), eventID)
			logger := eventbus.ContextLogger(ctx)

			poisoned, err := d.Check(ctx, key)
			if err != nil {
				logger.Warn("poison check failed", "event_id", eventID, "error", err)
			}
			if poisoned {
				return NewError(h.ID(), eventID, "quarantined")
			}

			herr := next(ctx, ev)
			if herr == nil {
				if err := d.RecordSuccess(ctx, key); err != nil {
					logger.Warn("poison record success failed", "event_id", eventID, "error", err)
				}
				return nil
			}

			quarantined, err := d.RecordFailure(ctx, key)
			if err != nil {
				logger.Warn("poison record failure failed", "event_id", eventID, "error", err)
			}
			if quarantined {
				logger.Warn("event quarantined",
					"event_id", eventID,
					"threshold", d.threshold,
					"quarantine", d.quarantineTime)
			}
			return herr
		}
	}
}
