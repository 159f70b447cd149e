package eventbus

import "sync/atomic"

// Cancellable is implemented by events that handlers may cancel.
// Once an event is cancelled, handlers that did not opt in with
// WithReceiveCancelled (or the "cancelled" tag option) are skipped.
// Cancellation is a flag on the event, so it is visible to every later
// handler of the same post.
type Cancellable interface {
	IsCancelled() bool
	SetCancelled(cancelled bool)
}

// Cancellation provides a ready-made Cancellable implementation.
// Embed it in an event struct and post the event by pointer:
//
//	type OrderPlaced struct {
//	    eventbus.Cancellation
//	    OrderID string
//	}
//
//	bus.Post(ctx, &OrderPlaced{OrderID: "42"})
type Cancellation struct {
	cancelled atomic.Bool
}

// IsCancelled reports whether the event has been cancelled.
func (c *Cancellation) IsCancelled() bool {
	return c.cancelled.Load()
}

// SetCancelled sets the cancellation flag. Passing false un-cancels the event.
func (c *Cancellation) SetCancelled(cancelled bool) {
	c.cancelled.Store(cancelled)
}

// Keyed is implemented by events that must be handled in order relative to
// other events with the same key when posted with PostAsync.
type Keyed interface {
	PartitionKey() string
}

// DeadEvent is posted by the bus when an event had no matching handler.
// Subscribe to DeadEvent to observe unrouted events.
type DeadEvent struct {
	Event  any
	PostID string
}

func isCancelled(ev any) bool {
	c, ok := ev.(Cancellable)
	return ok && c.IsCancelled()
}
