package eventbus

import (
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// registryState is an immutable snapshot of all registered handlers.
// Dispatch reads the current snapshot without locking; every mutation
// publishes a new one.
type registryState struct {
	// buckets holds handlers per declared event type, each sorted by
	// priority (descending) then registration order.
	buckets map[reflect.Type][]*Handler
	// owners holds handlers per subscriber in discovery order.
	owners map[any][]*Handler
	// keys lists event types with at least one handler in first-registration
	// order. Interface keys are matched in this order.
	keys []reflect.Type
	// generation changes whenever keys changes.
	generation uint64
}

var emptyState = &registryState{
	buckets: map[reflect.Type][]*Handler{},
	owners:  map[any][]*Handler{},
}

type registry struct {
	mu    sync.Mutex
	state atomic.Pointer[registryState]
	seq   uint64
}

func newRegistry() *registry {
	r := &registry{}
	r.state.Store(emptyState)
	return r
}

func (r *registry) load() *registryState {
	return r.state.Load()
}

// add binds specs to owner. All handlers become visible to dispatch at once.
func (r *registry) add(owner any, specs []handlerSpec) ([]*Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	if _, exists := cur.owners[owner]; exists {
		return nil, ErrAlreadyRegistered
	}
	if len(specs) == 0 {
		return nil, nil
	}

	next := cur.clone()
	handlers := make([]*Handler, 0, len(specs))
	for _, spec := range specs {
		r.seq++
		h := &Handler{
			id:               uuid.NewString(),
			owner:            owner,
			name:             spec.name,
			eventType:        spec.eventType,
			priority:         spec.priority,
			receiveCancelled: spec.receiveCancelled,
			seq:              r.seq,
			invoke:           spec.invoke,
		}
		handlers = append(handlers, h)

		bucket, ok := next.buckets[h.eventType]
		if !ok {
			next.keys = append(slices.Clip(next.keys), h.eventType)
			next.generation++
		}
		next.buckets[h.eventType] = insertSorted(bucket, h)
	}
	next.owners[owner] = handlers
	r.state.Store(next)
	return handlers, nil
}

// remove drops every handler owned by owner and reports how many were removed.
func (r *registry) remove(owner any) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	handlers, ok := cur.owners[owner]
	if !ok {
		return 0
	}
	next := cur.clone()
	delete(next.owners, owner)
	for _, h := range handlers {
		next.dropHandler(h)
	}
	r.state.Store(next)
	for _, h := range handlers {
		h.removed.Store(true)
	}
	return len(handlers)
}

// removeHandler drops the single handler of owner with the given name.
func (r *registry) removeHandler(owner any, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	handlers, ok := cur.owners[owner]
	if !ok {
		return false
	}
	idx := slices.IndexFunc(handlers, func(h *Handler) bool { return h.name == name })
	if idx < 0 {
		return false
	}
	next := cur.clone()
	h := handlers[idx]
	if rest := slices.Delete(slices.Clone(handlers), idx, idx+1); len(rest) > 0 {
		next.owners[owner] = rest
	} else {
		delete(next.owners, owner)
	}
	next.dropHandler(h)
	r.state.Store(next)
	h.removed.Store(true)
	return true
}

func (r *registry) handlers(owner any) []*Handler {
	return slices.Clone(r.load().owners[owner])
}

func (r *registry) registered(owner any) bool {
	_, ok := r.load().owners[owner]
	return ok
}

// clone copies the maps. Slices are shared and must be replaced, never
// modified in place.
func (s *registryState) clone() *registryState {
	next := &registryState{
		buckets:    make(map[reflect.Type][]*Handler, len(s.buckets)+1),
		owners:     make(map[any][]*Handler, len(s.owners)+1),
		keys:       s.keys,
		generation: s.generation,
	}
	for k, v := range s.buckets {
		next.buckets[k] = v
	}
	for k, v := range s.owners {
		next.owners[k] = v
	}
	return next
}

func (s *registryState) dropHandler(h *Handler) {
	bucket := s.buckets[h.eventType]
	idx := slices.Index(bucket, h)
	if idx < 0 {
		return
	}
	if len(bucket) == 1 {
		delete(s.buckets, h.eventType)
		s.keys = slices.DeleteFunc(slices.Clone(s.keys), func(t reflect.Type) bool { return t == h.eventType })
		s.generation++
		return
	}
	s.buckets[h.eventType] = slices.Delete(slices.Clone(bucket), idx, idx+1)
}

// insertSorted returns a new slice with h placed after every handler that
// runs before it.
func insertSorted(bucket []*Handler, h *Handler) []*Handler {
	idx, _ := slices.BinarySearchFunc(bucket, h, compareHandlers)
	out := make([]*Handler, 0, len(bucket)+1)
	out = append(out, bucket[:idx]...)
	out = append(out, h)
	return append(out, bucket[idx:]...)
}
