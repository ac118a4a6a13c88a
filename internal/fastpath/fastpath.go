// Package fastpath holds the immutable fast-path registry: a map from
// action name to a pre-serialized StaticResponse, built once at startup
// from the static analyzer's output and never mutated after.
package fastpath

import "github.com/titanrun/titan/internal/domain"

// Registry is safe for concurrent read-only lookup with no locking, since
// it is fully populated before the first request is served.
type Registry struct {
	entries map[string]*domain.StaticResponse
}

// Build constructs a Registry from a set of analyzed actions. Actions
// without a Static response are simply absent from the registry.
func Build(actions map[string]*domain.Action) *Registry {
	r := &Registry{entries: make(map[string]*domain.StaticResponse)}
	for name, a := range actions {
		if a.Static != nil {
			r.entries[name] = a.Static
		}
	}
	return r
}

// Lookup returns the pre-serialized response for action, if any.
func (r *Registry) Lookup(action string) (*domain.StaticResponse, bool) {
	resp, ok := r.entries[action]
	return resp, ok
}

// Len reports how many actions were resolved to the fast path.
func (r *Registry) Len() int {
	return len(r.entries)
}
