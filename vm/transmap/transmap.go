// Package transmap abstracts the hardware translation map: the
// virtual→physical mapping table an address space drives.
//
// The Mapper carries its own lock, independent of any cache or
// address-space lock; callers may invoke it while holding either.
package transmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
)

var (
	// ErrNotMapped indicates a query or unmap of an unmapped address.
	ErrNotMapped = errors.New("transmap: address not mapped")

	// ErrAlreadyMapped indicates a map over an existing translation.
	ErrAlreadyMapped = errors.New("transmap: address already mapped")
)

// Mapper is the translation-map contract the vm layer consumes.
//
// Implementations:
//   - SoftMap: table-backed software map, used by the default address
//     space and by the test suites
//
// All addresses are page-aligned virtual addresses.
type Mapper interface {
	// Map installs va→pa with the given protection.
	Map(va uint64, pa phys.Frame, prot page.Protection) error

	// Unmap removes every translation in [base, base+size). Unmapped
	// pages inside the range are skipped, matching hardware behavior.
	Unmap(base, size uint64)

	// Protect rewrites the protection of every mapped page in the range.
	Protect(base, size uint64, prot page.Protection)

	// Query returns the translation for va, or ErrNotMapped.
	Query(va uint64) (phys.Frame, page.Protection, error)

	// MappedIn reports how many pages of [base, base+size) are mapped.
	MappedIn(base, size uint64) int
}

type entry struct {
	frame phys.Frame
	prot  page.Protection
}

// SoftMap is a software translation table.
//
// Safe for concurrent use; the internal mutex is the "map lock" of the
// lock model and is never held across calls back into the vm layer.
type SoftMap struct {
	mu      sync.Mutex
	entries map[uint64]entry
}

// NewSoftMap returns an empty translation map.
func NewSoftMap() *SoftMap {
	return &SoftMap{entries: make(map[uint64]entry)}
}

// Map installs a single page translation.
func (m *SoftMap) Map(va uint64, pa phys.Frame, prot page.Protection) error {
	if !page.Aligned(va) {
		return fmt.Errorf("transmap: unaligned address %#x", va)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[va]; ok {
		return ErrAlreadyMapped
	}
	m.entries[va] = entry{frame: pa, prot: prot}
	return nil
}

// Unmap removes translations covering [base, base+size).
func (m *SoftMap) Unmap(base, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for va := page.AlignDown(base); va < base+size; va += page.Size {
		delete(m.entries, va)
	}
}

// Protect rewrites protections over [base, base+size).
func (m *SoftMap) Protect(base, size uint64, prot page.Protection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for va := page.AlignDown(base); va < base+size; va += page.Size {
		if e, ok := m.entries[va]; ok {
			e.prot = prot
			m.entries[va] = e
		}
	}
}

// Query returns the translation for va.
func (m *SoftMap) Query(va uint64) (phys.Frame, page.Protection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[page.AlignDown(va)]
	if !ok {
		return phys.NilFrame, 0, ErrNotMapped
	}
	return e.frame, e.prot, nil
}

// MappedIn counts mapped pages inside the range.
func (m *SoftMap) MappedIn(base, size uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for va := page.AlignDown(base); va < base+size; va += page.Size {
		if _, ok := m.entries[va]; ok {
			n++
		}
	}
	return n
}
