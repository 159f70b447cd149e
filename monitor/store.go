package monitor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreClosed is returned by store operations after Close.
	ErrStoreClosed = errors.New("monitor: store is closed")

	// ErrNotFound is returned when updating an entry that was never recorded.
	ErrNotFound = errors.New("monitor: entry not found")
)

// Store defines the interface for monitor storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Record creates or replaces the entry keyed by (PostID, HandlerID).
	Record(ctx context.Context, entry *Entry) error

	// Get retrieves an entry. It returns nil, nil when none exists.
	Get(ctx context.Context, postID, handlerID string) (*Entry, error)

	// GetByPostID returns every handler entry for a post, oldest first.
	GetByPostID(ctx context.Context, postID string) ([]*Entry, error)

	// List returns a page of entries matching the filter.
	List(ctx context.Context, filter Filter) (*Page, error)

	// Count returns the number of entries matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// UpdateStatus sets the final status of a recorded entry.
	UpdateStatus(ctx context.Context, postID, handlerID string, status Status, err error, duration time.Duration) error

	// DeleteOlderThan removes entries started before now minus age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Filter specifies criteria for listing monitor entries.
// All fields are optional. Empty filter returns all entries.
type Filter struct {
	PostID      string
	HandlerID   string
	HandlerName string
	EventType   string
	BusID       string

	Status   []Status // empty = all statuses
	HasError *bool    // nil = ignore

	StartTime time.Time // inclusive
	EndTime   time.Time // exclusive

	MinDuration time.Duration

	Cursor    string // opaque cursor from the previous page
	Limit     int    // 0 = DefaultLimit
	OrderDesc bool   // order by started_at descending
}

// Page is one page of monitor entries.
type Page struct {
	Entries []*Entry `json:"entries"`

	// NextCursor is empty on the last page.
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// DefaultLimit is the default page size when Limit is 0.
const DefaultLimit = 100

// MaxLimit is the maximum allowed page size.
const MaxLimit = 1000

// EffectiveLimit returns the effective limit, applying defaults and bounds.
func (f *Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	if f.Limit > MaxLimit {
		return MaxLimit
	}
	return f.Limit
}
