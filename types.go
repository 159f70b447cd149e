package eventbus

import (
	"reflect"
	"sync"
)

// typeResolver caches, per concrete event type, the registered event types
// an event of that type is delivered to. Entries are tagged with the registry
// generation and recomputed when the set of registered types changes.
type typeResolver struct {
	cache sync.Map // map[reflect.Type]*resolvedTypes
}

type resolvedTypes struct {
	generation uint64
	types      []reflect.Type
}

// matchingTypes returns the registered types that t is delivered to: t itself
// first, then every registered interface t implements.
func (r *typeResolver) matchingTypes(state *registryState, t reflect.Type) []reflect.Type {
	if v, ok := r.cache.Load(t); ok {
		if rt := v.(*resolvedTypes); rt.generation == state.generation {
			return rt.types
		}
	}

	var types []reflect.Type
	if _, ok := state.buckets[t]; ok {
		types = append(types, t)
	}
	for _, k := range state.keys {
		if k != t && k.Kind() == reflect.Interface && t.Implements(k) {
			types = append(types, k)
		}
	}
	r.cache.Store(t, &resolvedTypes{generation: state.generation, types: types})
	return types
}
