package aiprovider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a provider. It fails when the provider's credentials
// or endpoint are not configured.
type Factory func() (Provider, error)

// Registry maps provider identifiers to factories and memoizes one instance
// per identifier. It is created explicitly and injected, never global.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
}

// Register makes a provider factory available under id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[id]; exists {
		panic(fmt.Sprintf("aiprovider: duplicate registration for %q", id))
	}
	r.factories[id] = f
}

// Get returns the provider for id, constructing it on first use.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[id]; ok {
		return p, nil
	}
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("aiprovider: unknown provider %q", id)
	}
	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("aiprovider: construct %q: %w", id, err)
	}
	r.instances[id] = p
	return p, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[id]
	return ok
}

// Available returns the registered identifiers, sorted.
func (r *Registry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
