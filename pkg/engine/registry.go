package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps resource kinds to their adapters. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ResourceKind]ResourceAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[ResourceKind]ResourceAdapter)}
}

// Register adds an adapter under its kind. Registering a kind twice is an
// error.
func (r *Registry) Register(adapter ResourceAdapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	kind := adapter.Kind()
	if err := kind.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("adapter for %s already registered", kind)
	}
	r.adapters[kind] = adapter
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(adapters ...ResourceAdapter) *Registry {
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind ResourceKind) (ResourceAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Has reports whether kind has an adapter.
func (r *Registry) Has(kind ResourceKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []ResourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]ResourceKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
