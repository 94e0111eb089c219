package vm

import (
	"fmt"
	"sync"
)

// Registry is the global id→area table. Every bound area is registered
// so kernel-wide lookups (syscall surfaces, diagnostics) can find it
// without knowing its address space.
//
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	areas  map[int32]*Area
	nextID int32
}

// NewRegistry returns an empty registry. IDs start at 1; 0 means
// "never registered".
func NewRegistry() *Registry {
	return &Registry{areas: make(map[int32]*Area), nextID: 1}
}

// DefaultRegistry is the registry the package-level bind and delete
// paths use.
var DefaultRegistry = NewRegistry()

// Insert assigns the area an ID and registers it.
func (r *Registry) Insert(a *Area) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.id != 0 {
		panic(fmt.Sprintf("vm: area %q already registered as %d", a.name, a.id))
	}
	a.id = r.nextID
	r.nextID++
	r.areas[a.id] = a
}

// Remove unregisters the area. The ID is not reused.
func (r *Registry) Remove(a *Area) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.areas[a.id]; !ok {
		panic(fmt.Sprintf("vm: area %q (id %d) is not registered", a.name, a.id))
	}
	delete(r.areas, a.id)
	a.id = 0
}

// Lookup returns the area with the given ID, or nil.
func (r *Registry) Lookup(id int32) *Area {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.areas[id]
}

// Count returns the number of registered areas.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.areas)
}
