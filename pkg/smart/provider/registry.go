package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds provider descriptors keyed by id. It is safe for concurrent
// use. Construct one with NewRegistry and inject it into clients; Default
// offers the process-wide convenience instance.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Descriptor
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: make(map[string]Descriptor),
		logger:    logger,
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the lazily created process-wide registry, pre-loaded with
// the built-in presets.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
		defaultRegistry.RegisterAll(Presets())
	})
	return defaultRegistry
}

// Register adds a descriptor, overwriting any existing entry with the same
// id. Replacement is logged as a warning.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[d.ID]; exists {
		r.logger.Warn("replacing registered provider", "provider", d.ID)
	}
	r.providers[d.ID] = d
}

// RegisterAll registers every descriptor in order.
func (r *Registry) RegisterAll(descriptors []Descriptor) {
	for _, d := range descriptors {
		r.Register(d)
	}
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.providers[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return d, nil
}

// Has reports whether a descriptor is registered under id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// List returns all registered descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.providers))
	for _, d := range r.providers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes the descriptor for id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.providers[id]
	delete(r.providers, id)
	return ok
}
