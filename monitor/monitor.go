// Package monitor records every handler invocation on an event bus.
//
// Each (post, handler) pair gets one Entry: it is written as pending when
// the handler starts and updated with the final status when it returns.
// Entries carry the OpenTelemetry trace and span IDs of the handler span so
// a slow or failing invocation can be found in the tracing backend.
//
// Example usage:
//
//	store := monitor.NewMemoryStore(monitor.WithRetention(time.Hour))
//	defer store.Close()
//
//	bus := eventbus.NewBus("orders",
//	    eventbus.WithMiddleware(monitor.Middleware(store)),
//	)
//
//	// Query failed invocations from the last hour
//	page, err := store.List(ctx, monitor.Filter{
//	    Status:    []monitor.Status{monitor.StatusFailed},
//	    StartTime: time.Now().Add(-time.Hour),
//	    Limit:     100,
//	})
package monitor

import (
	"time"
)

// Status represents the processing status of a monitor entry.
type Status string

const (
	// StatusPending indicates the handler has started but not returned.
	StatusPending Status = "pending"

	// StatusCompleted indicates the handler returned nil.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the handler returned an error or panicked.
	StatusFailed Status = "failed"
)

// Entry is a single monitor record for one handler invocation.
//
// (PostID, HandlerID) is the unique key. One post delivered to N handlers
// produces N entries with the same PostID.
type Entry struct {
	PostID    string `json:"post_id"`
	HandlerID string `json:"handler_id"`

	HandlerName string `json:"handler_name"`
	EventType   string `json:"event_type"`
	BusID       string `json:"bus_id"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// IsComplete returns true if the handler has returned.
func (e *Entry) IsComplete() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// HasError returns true if the entry has an error recorded.
func (e *Entry) HasError() bool {
	return e.Error != ""
}

func (e *Entry) key() string {
	return makeKey(e.PostID, e.HandlerID)
}

func makeKey(postID, handlerID string) string {
	return postID + ":" + handlerID
}
