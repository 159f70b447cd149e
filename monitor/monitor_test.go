package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventbus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type invoiceSent struct {
	Number string
}

func TestEntry(t *testing.T) {
	t.Run("IsComplete", func(t *testing.T) {
		entry := &Entry{Status: StatusPending}
		if entry.IsComplete() {
			t.Error("pending should not be complete")
		}
		entry.Status = StatusCompleted
		if !entry.IsComplete() {
			t.Error("completed should be complete")
		}
		entry.Status = StatusFailed
		if !entry.IsComplete() {
			t.Error("failed should be complete")
		}
	})

	t.Run("HasError", func(t *testing.T) {
		entry := &Entry{}
		if entry.HasError() {
			t.Error("empty error should return false")
		}
		entry.Error = "some error"
		if !entry.HasError() {
			t.Error("non-empty error should return true")
		}
	})
}

func TestFilter(t *testing.T) {
	for _, tt := range []struct {
		limit, want int
	}{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{50, 50},
		{MaxLimit + 1, MaxLimit},
	} {
		f := Filter{Limit: tt.limit}
		if got := f.EffectiveLimit(); got != tt.want {
			t.Errorf("limit %d: expected %d, got %d", tt.limit, tt.want, got)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Record and Get", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		entry := &Entry{
			PostID:      "post-1",
			HandlerID:   "h-1",
			HandlerName: "billing.OnInvoice",
			EventType:   "monitor.invoiceSent",
			Status:      StatusPending,
			StartedAt:   time.Now(),
		}
		if err := store.Record(ctx, entry); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		got, err := store.Get(ctx, "post-1", "h-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if diff := cmp.Diff(entry, got); diff != "" {
			t.Errorf("entry mismatch (-want +got):\n%s", diff)
		}

		entry.Status = StatusFailed
		if got, _ := store.Get(ctx, "post-1", "h-1"); got.Status != StatusPending {
			t.Error("store should keep its own copy")
		}
	})

	t.Run("Get non-existent returns nil", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		entry, err := store.Get(ctx, "missing", "h")
		if err != nil || entry != nil {
			t.Errorf("expected nil, nil; got %v, %v", entry, err)
		}
	})

	t.Run("GetByPostID returns all handlers", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		now := time.Now()
		store.Record(ctx, &Entry{PostID: "p1", HandlerID: "h2", StartedAt: now.Add(time.Second)})
		store.Record(ctx, &Entry{PostID: "p1", HandlerID: "h1", StartedAt: now})
		store.Record(ctx, &Entry{PostID: "p2", HandlerID: "h1", StartedAt: now})

		entries, err := store.GetByPostID(ctx, "p1")
		if err != nil {
			t.Fatalf("GetByPostID failed: %v", err)
		}
		if len(entries) != 2 || entries[0].HandlerID != "h1" {
			t.Errorf("expected 2 entries oldest first, got %+v", entries)
		}
	})

	t.Run("List with filters", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		now := time.Now()
		store.Record(ctx, &Entry{PostID: "p1", HandlerID: "h", HandlerName: "a", Status: StatusCompleted, StartedAt: now})
		store.Record(ctx, &Entry{PostID: "p2", HandlerID: "h", HandlerName: "b", Status: StatusFailed, Error: "boom", StartedAt: now.Add(time.Second), Duration: time.Second})
		store.Record(ctx, &Entry{PostID: "p3", HandlerID: "h", HandlerName: "a", Status: StatusPending, StartedAt: now.Add(2 * time.Second)})

		hasErr := true
		tests := []struct {
			name   string
			filter Filter
			want   []string
		}{
			{"all", Filter{}, []string{"p1", "p2", "p3"}},
			{"handler name", Filter{HandlerName: "a"}, []string{"p1", "p3"}},
			{"status", Filter{Status: []Status{StatusFailed, StatusPending}}, []string{"p2", "p3"}},
			{"has error", Filter{HasError: &hasErr}, []string{"p2"}},
			{"time window", Filter{StartTime: now.Add(time.Second), EndTime: now.Add(2 * time.Second)}, []string{"p2"}},
			{"min duration", Filter{MinDuration: time.Millisecond}, []string{"p2"}},
			{"descending", Filter{OrderDesc: true}, []string{"p3", "p2", "p1"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				page, err := store.List(ctx, tt.filter)
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				var got []string
				for _, e := range page.Entries {
					got = append(got, e.PostID)
				}
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})

	t.Run("List with pagination", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		now := time.Now()
		for i := 0; i < 5; i++ {
			// two entries share each timestamp
			store.Record(ctx, &Entry{PostID: fmt.Sprintf("p%d", i), HandlerID: "h", StartedAt: now.Add(time.Duration(i/2) * time.Second)})
		}

		for _, desc := range []bool{false, true} {
			var seen []string
			filter := Filter{Limit: 2, OrderDesc: desc}
			for pages := 0; ; pages++ {
				if pages > 5 {
					t.Fatal("pagination did not terminate")
				}
				page, err := store.List(ctx, filter)
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				for _, e := range page.Entries {
					seen = append(seen, e.PostID)
				}
				if !page.HasMore {
					if page.NextCursor != "" {
						t.Error("last page should have no cursor")
					}
					break
				}
				filter.Cursor = page.NextCursor
			}
			if len(seen) != 5 {
				t.Errorf("desc=%v: expected 5 entries across pages, got %v", desc, seen)
			}
		}
	})

	t.Run("List with invalid cursor", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		if _, err := store.List(ctx, Filter{Cursor: "not base64!"}); err == nil {
			t.Error("expected error for invalid cursor")
		}
	})

	t.Run("Count", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.Record(ctx, &Entry{PostID: "p1", HandlerID: "h", Status: StatusCompleted, StartedAt: time.Now()})
		store.Record(ctx, &Entry{PostID: "p2", HandlerID: "h", Status: StatusFailed, StartedAt: time.Now()})

		n, err := store.Count(ctx, Filter{Status: []Status{StatusFailed}})
		if err != nil || n != 1 {
			t.Errorf("expected 1, got %d (%v)", n, err)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.Record(ctx, &Entry{PostID: "p1", HandlerID: "h", Status: StatusPending, StartedAt: time.Now()})
		if err := store.UpdateStatus(ctx, "p1", "h", StatusFailed, errors.New("boom"), time.Second); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}

		got, _ := store.Get(ctx, "p1", "h")
		if got.Status != StatusFailed || got.Error != "boom" || got.Duration != time.Second || got.CompletedAt == nil {
			t.Errorf("entry not updated: %+v", got)
		}

		if err := store.UpdateStatus(ctx, "missing", "h", StatusCompleted, nil, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		store.Record(ctx, &Entry{PostID: "old", HandlerID: "h", StartedAt: time.Now().Add(-2 * time.Hour)})
		store.Record(ctx, &Entry{PostID: "new", HandlerID: "h", StartedAt: time.Now()})

		n, err := store.DeleteOlderThan(ctx, time.Hour)
		if err != nil || n != 1 {
			t.Errorf("expected 1 deleted, got %d (%v)", n, err)
		}
		if store.Len() != 1 {
			t.Errorf("expected 1 remaining, got %d", store.Len())
		}
	})

	t.Run("retention cleanup", func(t *testing.T) {
		store := NewMemoryStore(WithRetention(time.Hour), WithCleanupInterval(5*time.Millisecond))
		defer store.Close()

		store.Record(ctx, &Entry{PostID: "old", HandlerID: "h", StartedAt: time.Now().Add(-2 * time.Hour)})
		deadline := time.Now().Add(time.Second)
		for store.Len() != 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if store.Len() != 0 {
			t.Error("expired entry was not cleaned up")
		}
	})

	t.Run("Close makes operations fail", func(t *testing.T) {
		store := NewMemoryStore(WithRetention(time.Minute))
		store.Close()
		store.Close()

		if err := store.Record(ctx, &Entry{PostID: "p"}); !errors.Is(err, ErrStoreClosed) {
			t.Errorf("expected ErrStoreClosed, got %v", err)
		}
		if _, err := store.List(ctx, Filter{}); !errors.Is(err, ErrStoreClosed) {
			t.Errorf("expected ErrStoreClosed, got %v", err)
		}
	})

	t.Run("concurrent access is safe", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(3)
			go func() {
				defer wg.Done()
				store.Record(ctx, &Entry{PostID: "p", HandlerID: "h", StartedAt: time.Now()})
			}()
			go func() {
				defer wg.Done()
				store.List(ctx, Filter{})
			}()
			go func() {
				defer wg.Done()
				store.Count(ctx, Filter{})
			}()
		}
		wg.Wait()
	})
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	bus := eventbus.TestBus(
		eventbus.WithRecovery(true),
		eventbus.WithMiddleware(Middleware(store)),
	)
	defer bus.Close(ctx)

	bus.Register(eventbus.NewListener[invoiceSent](func(ctx context.Context, ev invoiceSent) error {
		return nil
	}, eventbus.WithName("ok")))
	bus.Register(eventbus.NewListener[invoiceSent](func(ctx context.Context, ev invoiceSent) error {
		return errors.New("smtp down")
	}, eventbus.WithName("failing")))
	bus.Register(eventbus.NewListener[invoiceSent](func(ctx context.Context, ev invoiceSent) error {
		panic("boom")
	}, eventbus.WithName("panicking")))

	bus.Post(ctx, invoiceSent{Number: "INV-1"})

	page, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page.Entries))
	}

	byName := make(map[string]*Entry)
	for _, e := range page.Entries {
		byName[e.HandlerName] = e
		if e.PostID == "" || e.HandlerID == "" || e.BusID != bus.ID() {
			t.Errorf("missing identifiers: %+v", e)
		}
		if e.EventType != "monitor.invoiceSent" {
			t.Errorf("unexpected event type %q", e.EventType)
		}
		if e.CompletedAt == nil {
			t.Errorf("%s: entry not completed", e.HandlerName)
		}
	}
	if byName["ok"].Status != StatusCompleted {
		t.Errorf("ok: expected completed, got %s", byName["ok"].Status)
	}
	if e := byName["failing"]; e.Status != StatusFailed || e.Error != "smtp down" {
		t.Errorf("failing: unexpected entry %+v", e)
	}
	if e := byName["panicking"]; e.Status != StatusFailed || e.Error != "panic: boom" {
		t.Errorf("panicking: unexpected entry %+v", e)
	}
}

func TestMiddlewareSampling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	bus := eventbus.TestBus(eventbus.WithMiddleware(Middleware(store, WithSampling(0))))
	defer bus.Close(ctx)

	h := eventbus.NewTestHandler[invoiceSent](nil)
	bus.Register(h.Listener())
	bus.Post(ctx, invoiceSent{Number: "INV-2"})

	if h.Count() != 1 {
		t.Errorf("unsampled handler should still run, got %d calls", h.Count())
	}
	if store.Len() != 0 {
		t.Errorf("expected no entries at zero sampling, got %d", store.Len())
	}

	if !sampled("any", 1) || sampled("any", 0) {
		t.Error("sampling bounds are wrong")
	}
	if sampled("post-x", 0.5) != sampled("post-x", 0.5) {
		t.Error("sampling must be deterministic per post")
	}
}

func TestMiddlewareTraceCorrelation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	sr := tracetest.NewSpanRecorder()
	bus := eventbus.TestBus(
		eventbus.WithTracing(true),
		eventbus.WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))),
		eventbus.WithMiddleware(Middleware(store)),
	)
	defer bus.Close(ctx)

	bus.Register(eventbus.NewListener[invoiceSent](func(ctx context.Context, ev invoiceSent) error {
		return nil
	}, eventbus.WithName("mailer")))
	bus.Post(ctx, invoiceSent{Number: "INV-3"})

	var handleSpan sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "mailer.handle" {
			handleSpan = s
		}
	}
	if handleSpan == nil {
		t.Fatal("handler span not recorded")
	}

	page, _ := store.List(ctx, Filter{HandlerName: "mailer"})
	if len(page.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(page.Entries))
	}
	e := page.Entries[0]
	if e.TraceID != handleSpan.SpanContext().TraceID().String() || e.SpanID != handleSpan.SpanContext().SpanID().String() {
		t.Errorf("entry not correlated with handler span: %s/%s", e.TraceID, e.SpanID)
	}
}
