package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Entry is one registered capability: what it is, how it is reached, and the
// invoker for that transport.
type Entry struct {
	Descriptor Descriptor
	Transport  Transport
	Invoker    Invoker
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

func (r *Registry) Register(desc Descriptor, transport Transport, inv Invoker) error {
	if desc.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if !transport.Valid() {
		return fmt.Errorf("capability %q: unknown transport %q", desc.Name, transport)
	}
	if inv == nil {
		return fmt.Errorf("capability %q: invoker is required", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("capability %q already registered", desc.Name)
	}
	r.entries[desc.Name] = Entry{Descriptor: desc, Transport: transport, Invoker: inv}
	return nil
}

// RegisterLocal registers an in-process capability.
func (r *Registry) RegisterLocal(def Definition) error {
	return r.Register(def.Descriptor, TransportLocal, NewLocal(def.Descriptor.Name, def.Handler))
}

func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Descriptors lists registered capabilities sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		descs = append(descs, e.Descriptor)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
