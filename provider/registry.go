package provider

import (
	"fmt"
	"sync"
)

// Registry manages all payment provider adapter factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds an adapter factory under the provider's short name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves an adapter factory by name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("payment provider %q is not registered", name)
	}
	return factory, nil
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry is the global default registry; adapter packages register
// themselves into it from init.
var DefaultRegistry = NewRegistry()

// Register registers a factory with the default registry.
func Register(name string, factory Factory) {
	DefaultRegistry.Register(name, factory)
}
