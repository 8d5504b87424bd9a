package providers

import (
	"sync"

	"github.com/nextlevelbuilder/agentrelay/internal/errs"
)

// Registry holds provider adapters keyed by provider id, preserving
// registration order. Registration happens at startup; lookups dominate.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, overwriting any previous adapter with the same
// provider id. The original registration order is kept on overwrite.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ProviderID()
	if _, exists := r.adapters[id]; !exists {
		r.order = append(r.order, id)
	}
	r.adapters[id] = a
}

// Get returns the adapter for id, or false.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// GetOrThrow returns the adapter for id or a non-retryable INTERNAL error.
func (r *Registry) GetOrThrow(id string) (Adapter, error) {
	if a, ok := r.Get(id); ok {
		return a, nil
	}
	return nil, errs.NewProvider(id, errs.Internal, "provider not registered: "+id)
}

// IDs returns the registered provider ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
