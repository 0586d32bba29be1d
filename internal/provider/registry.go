package provider

import (
	"sort"
	"sync"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// Registry holds the configured adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns an adapter by name, or nil.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// List returns all adapter names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capable returns the adapters that can serve kind and at least one of
// fields, ordered by tier then name.
func (r *Registry) Capable(kind model.EntityKind, fields []string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	for _, a := range r.adapters {
		if CanServe(a, kind, fields) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Tier().Rank(), out[j].Tier().Rank(); ri != rj {
			return ri > rj
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}
