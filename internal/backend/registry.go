package backend

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/eugener/mithril/internal"
)

// Registry maps provider names to Backend instances.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under the given name.
// It overwrites any previously registered backend with the same name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	r.backends[name] = b
	r.mu.Unlock()
}

// Get returns the backend registered under name, or an error if not found.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, gateway.ErrNotFound)
	}
	return b, nil
}

// Deregister removes the named backend and shuts it down. Removing an
// unknown name is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	b, ok := r.backends[name]
	delete(r.backends, name)
	r.mu.Unlock()
	if ok {
		b.Shutdown()
	}
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.backends {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// ShutdownAll shuts down every registered backend.
func (r *Registry) ShutdownAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		b.Shutdown()
	}
}
