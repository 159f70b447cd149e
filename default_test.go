package eventbus

import (
	"context"
	"testing"
)

func TestDefaultBus(t *testing.T) {
	bus := TestBus()
	prev := SetDefault(bus)
	t.Cleanup(func() {
		SetDefault(prev)
		bus.Close(context.Background())
	})

	if Default() != bus {
		t.Fatal("Default did not return the bus set with SetDefault")
	}

	h := NewTestHandler[*orderPlaced](func(ctx context.Context, ev *orderPlaced) error {
		ev.SetCancelled(true)
		return nil
	})
	l := h.Listener()
	if err := Register(l); err != nil {
		t.Fatalf("register: %v", err)
	}

	ev, err := Post(context.Background(), &orderPlaced{ID: "o1"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !ev.IsCancelled() || h.Count() != 1 {
		t.Errorf("default bus did not dispatch: cancelled=%v count=%d", ev.IsCancelled(), h.Count())
	}

	f, err := PostAsync(context.Background(), &orderPlaced{ID: "o2"})
	if err != nil {
		t.Fatalf("post async: %v", err)
	}
	f.Wait(context.Background())
	if h.Count() != 2 {
		t.Errorf("expected 2 calls, got %d", h.Count())
	}

	if !Unregister(l) {
		t.Error("unregister returned false")
	}
}

func TestDefaultBusLazy(t *testing.T) {
	prev := SetDefault(nil)
	t.Cleanup(func() { SetDefault(prev) })

	b := Default()
	if b == nil || b.Name() != DefaultBusName {
		t.Fatalf("expected lazily created default bus, got %v", b)
	}
	if Default() != b {
		t.Error("Default should return the same bus")
	}
}
