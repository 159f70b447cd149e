package eventbus

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type mailer struct {
	count atomic.Int64
}

func (m *mailer) OnUserCreated(ctx context.Context, ev userCreated) error {
	m.count.Add(1)
	return nil
}

// not a handler: lower case after the prefix
func (m *mailer) Once() {}

// halfValid has one valid and one invalid handler method.
type halfValid struct{}

func (h *halfValid) OnAnything(ev any) {}

func (h *halfValid) OnUserCreated(ctx context.Context, ev userCreated) (bool, error) {
	return true, nil
}

type provider struct{}

func (p *provider) EventHandlers() []*Listener {
	return []*Listener{
		nop[userCreated]("provided-first"),
		nop[userCreated]("provided-second"),
	}
}

// kitchenSink uses every discovery source.
type kitchenSink struct {
	Audit   *Listener                               `event:"priority=lowest,cancelled,name=audit"`
	Log     func(ctx context.Context, ev any) error `event:"priority=-1"`
	Plain   func(ev *orderPlaced)                   `event:""`
	Skipped func(ev userCreated)                    `event:"-"`

	// untagged fields are ignored
	Other func(ctx context.Context, ev userCreated) error
}

func (k *kitchenSink) EventHandlers() []*Listener {
	return []*Listener{nop[userCreated]("provided", WithPriority(PriorityHigh))}
}

func (k *kitchenSink) OnUser(ev userCreated) error { return nil }

func (k *kitchenSink) OnOrder(ctx context.Context, ev *orderPlaced) {}

func (k *kitchenSink) ListenerOptions(method string) []ListenerOption {
	if method == "OnOrder" {
		return []ListenerOption{WithPriority(PriorityHighest), WithReceiveCancelled()}
	}
	return nil
}

type handlerSummary struct {
	Name             string
	EventType        string
	Priority         Priority
	ReceiveCancelled bool
}

func summarize(hs []*Handler) []handlerSummary {
	out := make([]handlerSummary, len(hs))
	for i, h := range hs {
		out[i] = handlerSummary{
			Name:             h.Name(),
			EventType:        h.EventType().String(),
			Priority:         h.Priority(),
			ReceiveCancelled: h.ReceiveCancelled(),
		}
	}
	return out
}

func TestDiscovery(t *testing.T) {
	t.Run("all sources in order", func(t *testing.T) {
		bus, _ := recordingBus(t)
		sub := &kitchenSink{
			Audit: nop[any]("ignored"),
			Log:   func(ctx context.Context, ev any) error { return nil },
			Plain: func(ev *orderPlaced) {},
		}
		if err := bus.Register(sub); err != nil {
			t.Fatalf("register: %v", err)
		}

		want := []handlerSummary{
			{Name: "provided", EventType: "eventbus.userCreated", Priority: PriorityHigh},
			{Name: "audit", EventType: "interface {}", Priority: PriorityLowest, ReceiveCancelled: true},
			{Name: "eventbus.kitchenSink.Log", EventType: "interface {}", Priority: PriorityLowest},
			{Name: "eventbus.kitchenSink.Plain", EventType: "*eventbus.orderPlaced", Priority: PriorityNormal},
			{Name: "eventbus.kitchenSink.OnOrder", EventType: "*eventbus.orderPlaced", Priority: PriorityHighest, ReceiveCancelled: true},
			{Name: "eventbus.kitchenSink.OnUser", EventType: "eventbus.userCreated", Priority: PriorityNormal},
		}
		if diff := cmp.Diff(want, summarize(bus.Handlers(sub))); diff != "" {
			t.Errorf("handlers mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invocation order follows priority", func(t *testing.T) {
		bus, rec := recordingBus(t)
		sub := &kitchenSink{
			Audit: nop[any]("ignored"),
			Log:   func(ctx context.Context, ev any) error { return nil },
			Plain: func(ev *orderPlaced) {},
		}
		bus.Register(sub)
		bus.Post(context.Background(), &orderPlaced{ID: "o1"})

		want := []string{
			"eventbus.kitchenSink.OnOrder",
			"eventbus.kitchenSink.Plain",
			"audit",
			"eventbus.kitchenSink.Log",
		}
		if diff := cmp.Diff(want, rec.Names()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("method handler is bound to the receiver", func(t *testing.T) {
		bus, _ := recordingBus(t)
		m1, m2 := &mailer{}, &mailer{}
		bus.Register(m1)
		bus.Register(m2)
		bus.Post(context.Background(), newUser())
		bus.Unregister(m2)
		bus.Post(context.Background(), newUser())
		if m1.count.Load() != 2 || m2.count.Load() != 1 {
			t.Errorf("unexpected counts m1=%d m2=%d", m1.count.Load(), m2.count.Load())
		}
	})

	t.Run("method errors are returned", func(t *testing.T) {
		errFailed := errors.New("failed")
		var got error
		bus, _ := recordingBus(t, WithErrorHandler(func(ctx context.Context, err *HandlerInvocationError) {
			got = err
		}))
		sub := &struct {
			Fail func(ev userCreated) error `event:""`
		}{Fail: func(ev userCreated) error { return errFailed }}
		bus.Register(sub)
		bus.Post(context.Background(), newUser())
		if !errors.Is(got, errFailed) {
			t.Errorf("expected failed, got %v", got)
		}
	})

	t.Run("listener registered directly", func(t *testing.T) {
		bus, _ := recordingBus(t)
		l := NewListener[userCreated](func(ctx context.Context, ev userCreated) error { return nil })
		bus.Register(l)
		hs := bus.Handlers(l)
		if len(hs) != 1 || hs[0].Name() != "Listener[eventbus.userCreated]" || hs[0].Owner() != l {
			t.Errorf("unexpected handlers: %v", hs)
		}
		if hs[0].ID() == "" {
			t.Error("handler id is empty")
		}
	})
}

func TestDiscoveryErrors(t *testing.T) {
	tests := []struct {
		name   string
		sub    any
		member string
		reason string
	}{
		{
			name:   "method returns extra value",
			sub:    &halfValid{},
			member: "OnUserCreated",
			reason: "may only return error",
		},
		{
			name:   "method without event",
			sub:    &noArgs{},
			member: "OnStart",
			reason: "one event parameter",
		},
		{
			name:   "method with wrong first parameter",
			sub:    &wrongFirst{},
			member: "OnUser",
			reason: "context.Context",
		},
		{
			name:   "variadic method",
			sub:    &variadic{},
			member: "OnMany",
			reason: "variadic",
		},
		{
			name: "unexported tagged field",
			sub: &struct {
				hidden func(ev userCreated) `event:""`
			}{},
			member: "hidden",
			reason: "exported",
		},
		{
			name: "tagged field of wrong type",
			sub: &struct {
				Count int `event:""`
			}{},
			member: "Count",
			reason: "want *eventbus.Listener",
		},
		{
			name: "nil func field",
			sub: &struct {
				Handle func(ev userCreated) `event:""`
			}{},
			member: "Handle",
			reason: "nil",
		},
		{
			name: "nil listener field",
			sub: &struct {
				L *Listener `event:""`
			}{},
			member: "L",
			reason: "nil",
		},
		{
			name: "bad priority",
			sub: &struct {
				Handle func(ev userCreated) `event:"priority=urgent"`
			}{Handle: func(ev userCreated) {}},
			member: "Handle",
			reason: "invalid priority",
		},
		{
			name: "unknown tag option",
			sub: &struct {
				Handle func(ev userCreated) `event:"async"`
			}{Handle: func(ev userCreated) {}},
			member: "Handle",
			reason: "unknown tag option",
		},
		{
			name:   "listener without func",
			sub:    NewListener[userCreated](nil),
			member: "Listener",
			reason: "no handler func",
		},
		{
			name:   "nil listener from provider",
			sub:    &nilProvider{},
			member: "EventHandlers[0]",
			reason: "nil",
		},
		{
			name: "duplicate tag names",
			sub: &struct {
				First  func(ev userCreated) `event:"name=dup"`
				Second func(ev userCreated) `event:"name=dup"`
			}{First: func(ev userCreated) {}, Second: func(ev userCreated) {}},
			member: "Second",
			reason: `"dup" already used by First`,
		},
		{
			name:   "provider name reused by a method",
			sub:    &clashingProvider{},
			member: "OnUser",
			reason: "already used by EventHandlers[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, _ := recordingBus(t)
			err := bus.Register(tt.sub)
			var sigErr *InvalidHandlerSignatureError
			if !errors.As(err, &sigErr) {
				t.Fatalf("expected InvalidHandlerSignatureError, got %v", err)
			}
			if sigErr.Member != tt.member {
				t.Errorf("member: expected %q, got %q", tt.member, sigErr.Member)
			}
			if !strings.Contains(sigErr.Reason, tt.reason) {
				t.Errorf("reason %q does not mention %q", sigErr.Reason, tt.reason)
			}
			if sigErr.Subscriber != reflect.TypeOf(tt.sub) {
				t.Errorf("subscriber: expected %v, got %v", reflect.TypeOf(tt.sub), sigErr.Subscriber)
			}
			if bus.IsRegistered(tt.sub) {
				t.Error("subscriber registered despite error")
			}
		})
	}
}

type noArgs struct{}

func (n *noArgs) OnStart() {}

type wrongFirst struct{}

func (w *wrongFirst) OnUser(name string, ev userCreated) {}

type variadic struct{}

func (v *variadic) OnMany(evs ...userCreated) {}

type nilProvider struct{}

type clashingProvider struct{}

func (c *clashingProvider) EventHandlers() []*Listener {
	return []*Listener{nop[userCreated]("eventbus.clashingProvider.OnUser")}
}

func (c *clashingProvider) OnUser(ev userCreated) {}

// unnamedProvider returns listeners without names.
type unnamedProvider struct {
	calls []string
}

func (u *unnamedProvider) EventHandlers() []*Listener {
	return []*Listener{
		NewListener(func(ctx context.Context, ev userCreated) error {
			u.calls = append(u.calls, "normal")
			return nil
		}),
		NewListener(func(ctx context.Context, ev userCreated) error {
			u.calls = append(u.calls, "high")
			return nil
		}, WithPriority(PriorityHigh)),
	}
}

func TestDiscoveryUnnamedProvider(t *testing.T) {
	ctx := context.Background()
	bus, _ := recordingBus(t)
	sub := &unnamedProvider{}
	if err := bus.Register(sub); err != nil {
		t.Fatalf("register: %v", err)
	}

	want := []handlerSummary{
		{Name: "eventbus.unnamedProvider.EventHandlers[0]", EventType: "eventbus.userCreated", Priority: PriorityNormal},
		{Name: "eventbus.unnamedProvider.EventHandlers[1]", EventType: "eventbus.userCreated", Priority: PriorityHigh},
	}
	if diff := cmp.Diff(want, summarize(bus.Handlers(sub))); diff != "" {
		t.Fatalf("handlers mismatch (-want +got):\n%s", diff)
	}

	if bus.UnregisterHandler(sub, "") {
		t.Error("empty name should not match any handler")
	}
	if !bus.UnregisterHandler(sub, "eventbus.unnamedProvider.EventHandlers[1]") {
		t.Fatal("expected the high priority handler to be removed")
	}
	bus.Post(ctx, newUser())
	if diff := cmp.Diff([]string{"normal"}, sub.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func (n *nilProvider) EventHandlers() []*Listener { return []*Listener{nil} }

func TestParseTag(t *testing.T) {
	tests := []struct {
		tag  string
		want tagOptions
	}{
		{tag: "", want: tagOptions{priority: PriorityNormal}},
		{tag: "priority=high", want: tagOptions{priority: PriorityHigh, hasPriority: true}},
		{tag: "priority=-1, cancelled", want: tagOptions{priority: PriorityLowest, hasPriority: true, cancelled: true}},
		{tag: "name=audit,priority=HIGHEST", want: tagOptions{priority: PriorityHighest, hasPriority: true, name: "audit"}},
	}
	for _, tt := range tests {
		got, err := parseTag(tt.tag)
		if err != nil {
			t.Errorf("%q: %v", tt.tag, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(tagOptions{}, funcSignature{})); diff != "" {
			t.Errorf("%q mismatch (-want +got):\n%s", tt.tag, diff)
		}
	}
}

func TestIsHandlerMethod(t *testing.T) {
	for name, want := range map[string]bool{
		"OnUserCreated": true,
		"OnX":           true,
		"On":            false,
		"Once":          false,
		"Online":        false,
		"HandleUser":    false,
	} {
		if got := isHandlerMethod(name); got != want {
			t.Errorf("%s: expected %v, got %v", name, want, got)
		}
	}
}
