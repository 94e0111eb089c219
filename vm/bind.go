package vm

import (
	"fmt"

	"github.com/kestrelos/vmkit/internal/rollback"
	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
)

// MapOptions configures MapBackingStore.
type MapOptions struct {
	Name       string
	Addr       AddressRestrictions
	Size       uint64 // bytes to map, page-aligned
	Offset     uint64 // offset into the store, page-aligned
	Wiring     Wiring
	Protection page.Protection
	Mapping    MappingKind

	// UnmapExisting removes any areas overlapping an exact placement
	// before inserting. Without it a collision fails the call.
	//
	// With a private mapping the replaced areas must not be bound to
	// the store being mapped: the store's lock is held for the whole
	// call, and removing such an area would take it again.
	UnmapExisting bool

	// Commit selects who maintains the store's commitment.
	Commit CommitPolicy
}

// MapBackingStore creates an area over the store and inserts it into
// the address space. A private mapping first creates a fresh anonymous
// COW child of the store and binds the area to that child; the child
// holds the area's ref on the original store.
//
// Any failure unwinds every completed step in reverse, including
// destroying the private child (whose ref on the store is returned
// before the release, so the release never re-locks the store the
// caller still holds).
//
// Preconditions: the address-space write lock and the store's lock are
// held. Both are still held on return; around a conflicting-range
// unmap the bound cache's lock (and, while waiting out wired pages,
// the space write lock) is dropped and re-acquired internally.
func MapBackingStore(space *AddressSpace, store *Cache, opts MapOptions) (*Area, error) {
	if opts.Size == 0 || !page.Aligned(opts.Size) || !page.Aligned(opts.Offset) {
		return nil, fmt.Errorf("%w: map size %#x offset %#x", ErrInvalidArgument, opts.Size, opts.Offset)
	}
	if space.Deleted() {
		return nil, ErrSpaceUnavailable
	}

	area := space.CreateArea(opts.Name, opts.Wiring, opts.Protection, opts.Mapping)

	cache := store
	var child *Cache
	if opts.Mapping == MappingPrivate {
		c, err := NewAnonymousCache(store.pool, 0, opts.Offset+opts.Size, CacheOptions{
			Temporary:     true,
			CanOvercommit: true,
			Commit:        CommitCallerManaged,
		})
		if err != nil {
			return nil, err
		}
		child = c
		child.Lock()
		store.addConsumerLocked(child)
		cache = child
	}

	var undo rollback.Stack
	fail := func(cause error) (*Area, error) {
		undo.Run()
		if child != nil {
			// Return the child's source ref first; destroying the
			// child must not re-lock the store we hold.
			store.dropConsumerLocked(child)
			child.ReleaseRefAndUnlock()
		}
		return nil, cause
	}

	if err := cache.SetMinimalCommitmentLocked(opts.Offset+opts.Size, opts.Commit); err != nil {
		return fail(err)
	}

	if opts.UnmapExisting && opts.Addr.Spec == SpecExact {
		if over := space.FirstOverlapLocked(opts.Addr.Address, opts.Size); over != nil {
			// The unmap path locks the caches of the areas it removes;
			// holding ours across it would self-deadlock.
			cache.Unlock()
			err := unmapRangeLocked(space, opts.Addr.Address, opts.Size)
			cache.Lock()
			if err != nil {
				return fail(err)
			}
		}
	}

	if err := space.InsertAreaLocked(area, opts.Addr, opts.Size); err != nil {
		return fail(err)
	}
	undo.Add(func() { space.RemoveAreaLocked(area) })

	area.cacheOffset = opts.Offset
	cache.AcquireRefLocked()
	cache.insertAreaLocked(area)
	undo.Add(func() {
		cache.removeAreaLocked(area)
		cache.ReleaseRefLocked()
	})

	DefaultRegistry.Insert(area)
	undo.Add(func() { DefaultRegistry.Remove(area) })

	space.Get()
	undo.Add(func() { space.Put() })

	if opts.Wiring == WiringFull || opts.Wiring == WiringContiguous {
		if err := prefaultLocked(space, area, cache, store, opts); err != nil {
			return fail(err)
		}
	}

	undo.Disarm()
	if child != nil {
		// The area owns the child now; drop the creation ref.
		child.ReleaseRefLocked()
		child.Unlock()
	}
	return area, nil
}

// prefaultLocked populates a wired area's pages at bind time. WiringFull
// allocates (or COW-maps from the immediate source) every page;
// WiringContiguous backs the whole area with one physical run.
//
// Deeper chain pages are left to FaultPage: only the bound cache and,
// on the private path, its already-locked source may be consulted here
// without re-locking the chain.
func prefaultLocked(space *AddressSpace, area *Area, cache, store *Cache, opts MapOptions) error {
	n := page.Count(area.size)

	// Wired pages must be backed; commit the range even when the
	// caller manages commitment otherwise.
	if err := cache.SetMinimalCommitmentLocked(area.cacheOffset+area.size, CommitDefault); err != nil {
		return err
	}

	var inserted []uint64
	unwind := func() {
		for _, off := range inserted {
			cache.RemovePageLocked(off)
		}
		space.mapper.Unmap(area.base, area.size)
	}

	switch opts.Wiring {
	case WiringContiguous:
		for i := 0; i < n; i++ {
			if _, ok := cache.LookupPageLocked(area.cacheOffset + uint64(i)*page.Size); ok {
				return fmt.Errorf("%w: contiguous wiring over resident pages", ErrInvalidArgument)
			}
		}
		start, err := cache.pool.AllocRun(n)
		if err != nil {
			return fmt.Errorf("vm: wiring %d contiguous pages: %w", n, ErrNoMemory)
		}
		for i := 0; i < n; i++ {
			off := area.cacheOffset + uint64(i)*page.Size
			if err := cache.AdoptPageLocked(off, start+phys.Frame(i)); err != nil {
				panic(fmt.Sprintf("vm: adopting run page %#x: %v", off, err))
			}
			inserted = append(inserted, off)
		}
		for i := 0; i < n; i++ {
			va := area.base + uint64(i)*page.Size
			if err := space.mapper.Map(va, start+phys.Frame(i), area.PageProtectionLocked(va)); err != nil {
				unwind()
				return fmt.Errorf("vm: mapping wired page %#x: %w", va, err)
			}
		}
		return nil

	case WiringFull:
		for i := 0; i < n; i++ {
			off := area.cacheOffset + uint64(i)*page.Size
			va := area.base + uint64(i)*page.Size
			prot := area.PageProtectionLocked(va)

			if f, ok := cache.LookupPageLocked(off); ok {
				if err := space.mapper.Map(va, f, prot); err != nil {
					unwind()
					return fmt.Errorf("vm: mapping wired page %#x: %w", va, err)
				}
				continue
			}
			if cache != store {
				if f, ok := store.LookupPageLocked(off); ok {
					// COW: map the source page read-only; the write
					// fault copies it later.
					if err := space.mapper.Map(va, f, prot&^page.Write); err != nil {
						unwind()
						return fmt.Errorf("vm: mapping wired page %#x: %w", va, err)
					}
					continue
				}
			}
			f, err := cache.InsertPageLocked(off)
			if err != nil {
				unwind()
				return err
			}
			inserted = append(inserted, off)
			if err := space.mapper.Map(va, f, prot); err != nil {
				unwind()
				return fmt.Errorf("vm: mapping wired page %#x: %w", va, err)
			}
		}
		return nil
	}
	return nil
}
