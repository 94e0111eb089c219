package vm

import (
	"fmt"

	"github.com/kestrelos/vmkit/vm/page"
)

// Wiring governs whether an area's pages are pre-faulted and pinned.
type Wiring uint8

const (
	// WiringNone leaves pages to fault in on demand.
	WiringNone Wiring = iota

	// WiringFull pre-faults and pins every page at bind time.
	WiringFull

	// WiringContiguous pins one physically contiguous run.
	WiringContiguous

	// WiringAlready marks a range whose pages are pinned elsewhere
	// (device memory, early-boot ranges); nothing is faulted here.
	WiringAlready
)

func (w Wiring) String() string {
	switch w {
	case WiringNone:
		return "none"
	case WiringFull:
		return "full"
	case WiringContiguous:
		return "contiguous"
	case WiringAlready:
		return "already-wired"
	default:
		return fmt.Sprintf("wiring-%d", uint8(w))
	}
}

// MappingKind selects between sharing a store and shadowing it.
type MappingKind uint8

const (
	// MappingShared binds the area straight to the given cache.
	MappingShared MappingKind = iota

	// MappingPrivate binds the area to a fresh anonymous COW child of
	// the given cache.
	MappingPrivate
)

// Area is a contiguous mapped range inside one address space, bound to
// a cache at a byte offset.
//
// base and size are guarded by the owning address space's write lock;
// cache, cacheOffset, pageProtections, and the wired-range list are
// guarded by the cache's lock. Structural operations hold both.
type Area struct {
	id   int32
	name string

	base uint64
	size uint64

	protection page.Protection

	// pageProtections, once allocated, is authoritative for the user
	// bits; protection keeps only the kernel bits from then on. Its
	// length always matches size in pages.
	pageProtections *page.Table

	wiring  Wiring
	mapping MappingKind

	cache       *Cache
	cacheOffset uint64

	space *AddressSpace

	wired []*WiredRange
}

// ID returns the registry-assigned area ID (0 before registration).
func (a *Area) ID() int32 { return a.id }

// Name returns the area's name.
func (a *Area) Name() string { return a.name }

// Base returns the area's first address.
func (a *Area) Base() uint64 { return a.base }

// Size returns the area's length in bytes.
func (a *Area) Size() uint64 { return a.size }

// End returns the address one past the area.
func (a *Area) End() uint64 { return a.base + a.size }

// Cache returns the bound cache. Stable only under the cache lock or
// the space write lock.
func (a *Area) Cache() *Cache { return a.cache }

// CacheOffset returns the byte offset into the cache matching Base.
func (a *Area) CacheOffset() uint64 { return a.cacheOffset }

// Wiring returns the area's wiring mode.
func (a *Area) Wiring() Wiring { return a.wiring }

// Space returns the owning address space, nil before insertion.
func (a *Area) Space() *AddressSpace { return a.space }

// Protection returns the area-wide protection bits.
func (a *Area) Protection() page.Protection { return a.protection }

// ContainsRange reports whether [addr, addr+size) lies inside the area.
func (a *Area) ContainsRange(addr, size uint64) bool {
	return addr >= a.base && addr+size <= a.base+a.size && addr+size >= addr
}

// PageProtectionLocked returns the effective protection of the page at
// addr: the per-page entry when the table exists (plus the area's
// kernel bits), the area-wide protection otherwise. Caller holds the
// cache lock.
func (a *Area) PageProtectionLocked(addr uint64) page.Protection {
	if a.pageProtections == nil {
		return a.protection
	}
	return a.pageProtections.Get(page.Index(addr-a.base)) | a.protection&page.KernelMask
}

// SetPageProtectionLocked sets the protection of one page, lazily
// allocating the table. On first allocation every page inherits the
// area-wide user bits and the area's own user bits are cleared; the
// table is authoritative from then on. Caller holds the cache lock and
// the space write lock.
func (a *Area) SetPageProtectionLocked(addr uint64, prot page.Protection) error {
	if addr < a.base || addr >= a.base+a.size {
		return fmt.Errorf("%w: address %#x outside area %q", ErrInvalidArgument, addr, a.name)
	}
	if a.pageProtections == nil {
		a.pageProtections = page.NewTable(page.Count(a.size), a.protection&page.UserMask)
		a.protection &= page.KernelMask
	}
	a.pageProtections.Set(page.Index(addr-a.base), prot)
	return nil
}

// String describes the area for diagnostics.
func (a *Area) String() string {
	return fmt.Sprintf("area{id=%d %q [%#x,%#x) wiring=%s offset=%#x}",
		a.id, a.name, a.base, a.base+a.size, a.wiring, a.cacheOffset)
}
