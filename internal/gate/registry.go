package gate

import "sync"

// Factory creates the gate for a dependency name on first use.
type Factory[T any] func(name string) (*CallGate[T], error)

// Registry lazily creates and hands out one CallGate per named dependency.
// Safe for concurrent use.
type Registry[T any] struct {
	mu      sync.RWMutex
	gates   map[string]*CallGate[T]
	factory Factory[T]
}

// NewRegistry creates a Registry that builds gates with the given factory.
func NewRegistry[T any](factory Factory[T]) *Registry[T] {
	return &Registry[T]{
		gates:   make(map[string]*CallGate[T]),
		factory: factory,
	}
}

// Get returns the gate for name, creating it on first use. Concurrent
// callers for the same name receive the same instance.
func (r *Registry[T]) Get(name string) (*CallGate[T], error) {
	r.mu.RLock()
	g, ok := r.gates[name]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if g, ok := r.gates[name]; ok {
		return g, nil
	}
	g, err := r.factory(name)
	if err != nil {
		return nil, err
	}
	r.gates[name] = g
	return g, nil
}

// Snapshot returns the current stats of every gate in the registry.
func (r *Registry[T]) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.gates))
	for name, g := range r.gates {
		out[name] = g.Stats()
	}
	return out
}

// Reset forces the named gate back to closed. Returns false when no gate
// with that name exists.
func (r *Registry[T]) Reset(name string) bool {
	r.mu.RLock()
	g, ok := r.gates[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	g.Reset()
	return true
}

// CloseAll shuts down every gate's timer facility. Called on shutdown.
func (r *Registry[T]) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.gates {
		g.Close()
	}
}
