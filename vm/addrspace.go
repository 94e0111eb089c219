package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/transmap"
)

// AddressSpec selects how an area's address is chosen.
type AddressSpec uint8

const (
	// SpecAnywhere places the area in the first gap that fits.
	SpecAnywhere AddressSpec = iota

	// SpecExact places the area at AddressRestrictions.Address or fails.
	SpecExact
)

// AddressRestrictions constrains area placement.
type AddressRestrictions struct {
	Spec    AddressSpec
	Address uint64 // page-aligned; consulted for SpecExact
}

// AddressSpace owns an ordered, non-overlapping set of areas and the
// translation map they are installed in.
//
// The write lock guards all structural mutation of the area set; the
// read lock suffices for lookups. The space lock is always taken
// before any cache lock on a given path.
type AddressSpace struct {
	mu sync.RWMutex

	base uint64
	end  uint64

	// areas is kept sorted by base.
	areas []*Area

	mapper transmap.Mapper

	refCount atomic.Int32
	deleted  atomic.Bool
}

// NewAddressSpace creates a space covering [base, base+size) with one
// reference owned by the caller.
func NewAddressSpace(base, size uint64, m transmap.Mapper) (*AddressSpace, error) {
	if size == 0 || !page.Aligned(base) || !page.Aligned(size) {
		return nil, fmt.Errorf("%w: address space [%#x, +%#x)", ErrInvalidArgument, base, size)
	}
	s := &AddressSpace{base: base, end: base + size, mapper: m}
	s.refCount.Store(1)
	return s, nil
}

// WriteLock acquires the space for structural mutation.
func (s *AddressSpace) WriteLock() { s.mu.Lock() }

// WriteUnlock releases the write lock.
func (s *AddressSpace) WriteUnlock() { s.mu.Unlock() }

// ReadLock acquires the space for lookups.
func (s *AddressSpace) ReadLock() { s.mu.RLock() }

// ReadUnlock releases the read lock.
func (s *AddressSpace) ReadUnlock() { s.mu.RUnlock() }

// Mapper returns the space's translation map.
func (s *AddressSpace) Mapper() transmap.Mapper { return s.mapper }

// Base returns the lowest mappable address.
func (s *AddressSpace) Base() uint64 { return s.base }

// End returns the address past the last mappable one.
func (s *AddressSpace) End() uint64 { return s.end }

// Get takes a reference on behalf of a new holder (typically an area).
func (s *AddressSpace) Get() { s.refCount.Add(1) }

// Put drops a reference.
func (s *AddressSpace) Put() {
	if s.refCount.Add(-1) < 0 {
		panic("vm: address space ref count went negative")
	}
}

// RefCount returns the current reference count.
func (s *AddressSpace) RefCount() int32 { return s.refCount.Load() }

// Delete marks the space as being torn down. Structural operations
// observing the mark fail with ErrSpaceUnavailable.
func (s *AddressSpace) Delete() { s.deleted.Store(true) }

// Deleted reports whether teardown has begun.
func (s *AddressSpace) Deleted() bool { return s.deleted.Load() }

// CreateArea allocates an unattached area object. It owns no address
// range until InsertAreaLocked places it.
func (s *AddressSpace) CreateArea(name string, wiring Wiring, prot page.Protection, mapping MappingKind) *Area {
	return &Area{
		name:       name,
		wiring:     wiring,
		protection: prot,
		mapping:    mapping,
	}
}

// AreaCountLocked returns the number of areas. Caller holds a lock.
func (s *AddressSpace) AreaCountLocked() int { return len(s.areas) }

// AreasLocked returns the areas in address order. The slice is shared;
// callers must not mutate it. Caller holds a lock.
func (s *AddressSpace) AreasLocked() []*Area { return s.areas }

// LookupAreaLocked returns the area containing addr, or nil. Caller
// holds a lock.
func (s *AddressSpace) LookupAreaLocked(addr uint64) *Area {
	i := sort.Search(len(s.areas), func(i int) bool {
		return s.areas[i].base+s.areas[i].size > addr
	})
	if i < len(s.areas) && s.areas[i].base <= addr {
		return s.areas[i]
	}
	return nil
}

// FirstOverlapLocked returns the lowest area intersecting
// [base, base+size), or nil. Caller holds a lock.
func (s *AddressSpace) FirstOverlapLocked(base, size uint64) *Area {
	i := sort.Search(len(s.areas), func(i int) bool {
		return s.areas[i].base+s.areas[i].size > base
	})
	if i < len(s.areas) && s.areas[i].base < base+size {
		return s.areas[i]
	}
	return nil
}

// resolveAddressLocked picks the base address for a new area of the
// given size, honoring the restrictions. Exact placement does not
// check for collisions; InsertAreaLocked does.
func (s *AddressSpace) resolveAddressLocked(restrictions AddressRestrictions, size uint64) (uint64, error) {
	switch restrictions.Spec {
	case SpecExact:
		addr := restrictions.Address
		if !page.Aligned(addr) || addr < s.base || addr+size > s.end {
			return 0, fmt.Errorf("%w: exact address %#x size %#x", ErrInvalidArgument, addr, size)
		}
		return addr, nil
	case SpecAnywhere:
		candidate := s.base
		for _, a := range s.areas {
			if a.base >= candidate && a.base-candidate >= size {
				return candidate, nil
			}
			if a.base+a.size > candidate {
				candidate = a.base + a.size
			}
		}
		if s.end-candidate >= size {
			return candidate, nil
		}
		// Address-range exhaustion surfaces like any allocation failure.
		return 0, fmt.Errorf("vm: no free range of %#x bytes: %w", size, ErrNoMemory)
	default:
		return 0, fmt.Errorf("%w: address spec %d", ErrInvalidArgument, restrictions.Spec)
	}
}

// InsertAreaLocked resolves the area's address per the restrictions
// and links it into the ordered set. Caller holds the write lock.
func (s *AddressSpace) InsertAreaLocked(a *Area, restrictions AddressRestrictions, size uint64) error {
	if s.Deleted() {
		return ErrSpaceUnavailable
	}
	if size == 0 || !page.Aligned(size) {
		return fmt.Errorf("%w: area size %#x", ErrInvalidArgument, size)
	}
	addr, err := s.resolveAddressLocked(restrictions, size)
	if err != nil {
		return err
	}
	if over := s.FirstOverlapLocked(addr, size); over != nil {
		if restrictions.Spec == SpecExact {
			return fmt.Errorf("vm: range [%#x, +%#x) collides with area %q: %w",
				addr, size, over.name, ErrNoMemory)
		}
		panic(fmt.Sprintf("vm: resolved address %#x overlaps area %q", addr, over.name))
	}
	a.base = addr
	a.size = size
	a.space = s
	i := sort.Search(len(s.areas), func(i int) bool { return s.areas[i].base > addr })
	s.areas = append(s.areas, nil)
	copy(s.areas[i+1:], s.areas[i:])
	s.areas[i] = a
	return nil
}

// ResizeAreaLocked changes the area's size, keeping its base. Growth
// must not run into the next area. Caller holds the write lock.
func (s *AddressSpace) ResizeAreaLocked(a *Area, newSize uint64) error {
	if newSize == 0 || !page.Aligned(newSize) {
		return fmt.Errorf("%w: area size %#x", ErrInvalidArgument, newSize)
	}
	if newSize > a.size {
		if next := s.FirstOverlapLocked(a.base+a.size, newSize-a.size); next != nil {
			return fmt.Errorf("vm: growing area %q collides with %q: %w", a.name, next.name, ErrNoMemory)
		}
		if a.base+newSize > s.end {
			return fmt.Errorf("%w: area end %#x past space end", ErrInvalidArgument, a.base+newSize)
		}
	}
	a.size = newSize
	return nil
}

// ShrinkAreaHeadLocked shrinks the area to newSize by moving its base
// forward. Caller holds the write lock.
func (s *AddressSpace) ShrinkAreaHeadLocked(a *Area, newSize uint64) error {
	if newSize == 0 || newSize > a.size || !page.Aligned(newSize) {
		return fmt.Errorf("%w: head shrink to %#x", ErrInvalidArgument, newSize)
	}
	a.base += a.size - newSize
	a.size = newSize
	return nil
}

// RemoveAreaLocked unlinks the area from the ordered set. Caller holds
// the write lock.
func (s *AddressSpace) RemoveAreaLocked(a *Area) {
	for i, area := range s.areas {
		if area == a {
			s.areas = append(s.areas[:i], s.areas[i+1:]...)
			a.space = nil
			return
		}
	}
	panic(fmt.Sprintf("vm: area %q is not in this address space", a.name))
}
