package vm

import (
	"fmt"
	"os"

	"github.com/kestrelos/vmkit/internal/rollback"
	"github.com/kestrelos/vmkit/vm/page"
)

// Runtime debug flag for cut logging - controlled by VMKIT_LOG_CUT env var.
var logCut = os.Getenv("VMKIT_LOG_CUT") != ""

// CutArea removes [address, address+size) from the area: the whole
// area (full cover), its tail, its head, or its middle. A middle cut
// produces a second area covering the part past the removed range and
// returns it; the other cases return nil.
//
// The range is intersected against the area first; a disjoint range is
// a no-op. When the area is its RAM cache's sole owner the cache is
// resized, rebased, or split along with it; a shared cache is never
// reshaped, the surviving areas simply bind to it at their offsets.
//
// On any failure the area set, the caches, and every ref count are
// restored to their pre-call state before the error is returned.
//
// Preconditions: the address-space write lock is held, and any wired
// range overlapping the cut has been waited out (see UnmapRange).
func CutArea(space *AddressSpace, area *Area, address, size uint64) (*Area, error) {
	if size == 0 || !page.Aligned(address) || !page.Aligned(size) {
		return nil, fmt.Errorf("%w: cut [%#x, +%#x)", ErrInvalidArgument, address, size)
	}
	if space.Deleted() {
		return nil, ErrSpaceUnavailable
	}

	// Intersect with the area.
	end := address + size
	if address < area.base {
		address = area.base
	}
	if end > area.End() {
		end = area.End()
	}
	if address >= end {
		return nil, nil
	}
	size = end - address

	if logCut {
		fmt.Fprintf(os.Stderr, "cut: %s remove [%#x, %#x)\n", area, address, end)
	}

	switch {
	case address == area.base && size == area.size:
		return nil, cutFull(space, area)
	case address > area.base && end == area.End():
		return nil, cutTail(space, area, address, size)
	case address == area.base:
		return nil, cutHead(space, area, size)
	default:
		return cutMiddle(space, area, address, size)
	}
}

// cutFull deletes the area outright.
func cutFull(space *AddressSpace, area *Area) error {
	deleteAreaLocked(space, area)
	return nil
}

// deleteAreaLocked unmaps and destroys an area: registry entry gone,
// cache ref returned, address-space ref dropped. Caller holds the
// space write lock; no cache locks may be held.
func deleteAreaLocked(space *AddressSpace, area *Area) {
	space.mapper.Unmap(area.base, area.size)
	if area.id != 0 {
		DefaultRegistry.Remove(area)
	}
	c := area.cache
	c.Lock()
	c.removeAreaLocked(area)
	c.ReleaseRefAndUnlock()
	space.RemoveAreaLocked(area)
	space.Put()
}

// cutTail shrinks the area to end at address.
func cutTail(space *AddressSpace, area *Area, address, size uint64) error {
	newSize := address - area.base
	oldSize := area.size
	oldTable := area.pageProtections

	chain := LockTop(area.cache)
	chain.LockAllSources()
	cache := chain.Top()

	if err := space.ResizeAreaLocked(area, newSize); err != nil {
		chain.Unlock(nil)
		return err
	}
	if oldTable != nil {
		// Surviving pages keep their array positions; no shift needed.
		area.pageProtections = oldTable.CutTail(page.Count(newSize))
	}
	space.mapper.Unmap(address, size)

	var err error
	if cache.isSoleOwnedRAMLocked(area) {
		// Resize may block on commitment; the lower chain locks must
		// not be held across it.
		chain.UnlockKeepRefs(true)
		err = cache.ResizeLocked(area.cacheOffset+newSize, CommitDefault)
		chain.RelockCaches(true)
	} else {
		err = cache.SetMinimalCommitmentLocked(cache.virtualEnd-cache.virtualBase, CommitDefault)
	}
	if err != nil {
		if rerr := space.ResizeAreaLocked(area, oldSize); rerr != nil {
			panic(fmt.Sprintf("vm: restoring area size after failed cut: %v", rerr))
		}
		area.pageProtections = oldTable
		chain.Unlock(nil)
		return err
	}
	chain.Unlock(nil)
	return nil
}

// cutHead shrinks the area by moving its base past the removed range.
func cutHead(space *AddressSpace, area *Area, size uint64) error {
	newSize := area.size - size
	oldSize := area.size
	oldBase := area.base
	oldOffset := area.cacheOffset
	oldTable := area.pageProtections

	chain := LockTop(area.cache)
	chain.LockAllSources()
	cache := chain.Top()

	if err := space.ShrinkAreaHeadLocked(area, newSize); err != nil {
		chain.Unlock(nil)
		return err
	}
	if oldTable != nil {
		area.pageProtections = oldTable.CutHead(page.Count(size))
	}
	space.mapper.Unmap(oldBase, size)
	area.cacheOffset += size

	var err error
	if cache.isSoleOwnedRAMLocked(area) {
		chain.UnlockKeepRefs(true)
		err = cache.RebaseLocked(oldOffset+size, CommitDefault)
		chain.RelockCaches(true)
	} else {
		err = cache.SetMinimalCommitmentLocked(cache.virtualEnd-cache.virtualBase, CommitDefault)
	}
	if err != nil {
		area.base = oldBase
		area.size = oldSize
		area.cacheOffset = oldOffset
		area.pageProtections = oldTable
		chain.Unlock(nil)
		return err
	}
	chain.Unlock(nil)
	return nil
}

// cutMiddle shrinks the area to the part before the removed range and
// creates a second area for the part after it. A sole-owned RAM cache
// is split: the second area gets a fresh cache that adopts the pages
// of the second range and joins the old cache's source as a consumer.
// A shared cache stays whole; both areas bind to it.
func cutMiddle(space *AddressSpace, area *Area, address, size uint64) (*Area, error) {
	firstNewSize := address - area.base
	secondBase := address + size
	secondSize := area.End() - secondBase
	oldSize := area.size
	oldTable := area.pageProtections

	chain := LockTop(area.cache)
	chain.LockAllSources()
	cache := chain.Top()

	var undo rollback.Stack
	var secondCache *Cache
	fail := func(cause error) (*Area, error) {
		undo.Run()
		if secondCache != nil {
			// Detached from the chain by the undo steps; safe to die.
			secondCache.ReleaseRefAndUnlock()
		}
		chain.Unlock(nil)
		return nil, cause
	}

	if err := space.ResizeAreaLocked(area, firstNewSize); err != nil {
		chain.Unlock(nil)
		return nil, err
	}
	undo.Add(func() {
		if err := space.ResizeAreaLocked(area, oldSize); err != nil {
			panic(fmt.Sprintf("vm: restoring area size after failed cut: %v", err))
		}
	})

	second := space.CreateArea(area.name, area.wiring, area.protection, area.mapping)
	split := cache.isSoleOwnedRAMLocked(area)

	if split {
		adoptOffset := area.cacheOffset + (secondBase - area.base)
		oldCacheEnd := cache.virtualEnd

		sc, err := NewAnonymousCache(cache.pool, adoptOffset, adoptOffset+secondSize, CacheOptions{
			Temporary:     cache.temporary,
			CanOvercommit: cache.canOvercommit,
			Commit:        CommitCallerManaged,
		})
		if err != nil {
			return fail(err)
		}
		secondCache = sc
		secondCache.Lock()

		secondCache.AdoptRangeLocked(cache, adoptOffset, secondSize, adoptOffset)
		undo.Add(func() {
			cache.AdoptRangeLocked(secondCache, adoptOffset, secondSize, adoptOffset)
		})

		// The second range's commitment moves with it. Pages carried
		// their share in the adopt; steal the rest of the range's
		// worth from the old cache.
		if !cache.canOvercommit && secondCache.committedSize < secondSize {
			extra := secondSize - secondCache.committedSize
			if cache.committedSize < extra+uint64(len(cache.pages))*page.Size {
				panic(fmt.Sprintf("vm: splitting %s leaves commitment short by %#x", cache, extra))
			}
			cache.committedSize -= extra
			secondCache.committedSize += extra
			undo.Add(func() {
				secondCache.committedSize -= extra
				cache.committedSize += extra
			})
		}

		// Locked via the chain walk, so attach in place.
		if src := cache.source; src != nil {
			src.addConsumerLocked(secondCache)
			undo.Add(func() { src.dropConsumerLocked(secondCache) })
		}

		preShrinkCommit := cache.committedSize
		chain.UnlockKeepRefs(true)
		err = cache.ResizeLocked(area.cacheOffset+firstNewSize, CommitDefault)
		chain.RelockCaches(true)
		if err != nil {
			return fail(err)
		}
		undo.Add(func() {
			// Regrow without commitment, then put back exactly what the
			// shrink trimmed. The steal and adopt undos above run after
			// this one and return the second range's shares; a default-
			// policy regrow would count those shares a second time.
			if rerr := cache.ResizeLocked(oldCacheEnd, CommitCallerManaged); rerr != nil {
				panic(fmt.Sprintf("vm: re-growing cache after failed cut: %v", rerr))
			}
			if cerr := cache.CommitLocked(preShrinkCommit); cerr != nil {
				// The shrink released this commitment moments ago; not
				// getting it back means the accounting is corrupt.
				panic(fmt.Sprintf("vm: re-growing cache after failed cut: %v", cerr))
			}
		})

		if err := space.InsertAreaLocked(second, AddressRestrictions{Spec: SpecExact, Address: secondBase}, secondSize); err != nil {
			return fail(err)
		}
		undo.Add(func() { space.RemoveAreaLocked(second) })

		second.cacheOffset = adoptOffset
		secondCache.insertAreaLocked(second) // area takes over the creation ref
	} else {
		if err := space.InsertAreaLocked(second, AddressRestrictions{Spec: SpecExact, Address: secondBase}, secondSize); err != nil {
			return fail(err)
		}
		undo.Add(func() { space.RemoveAreaLocked(second) })

		second.cacheOffset = area.cacheOffset + (secondBase - area.base)
		cache.AcquireRefLocked()
		cache.insertAreaLocked(second)
	}

	if oldTable != nil {
		area.pageProtections = oldTable.CutTail(page.Count(firstNewSize))
		second.pageProtections = oldTable.Slice(page.Index(secondBase-area.base), page.Count(secondSize))
	}

	DefaultRegistry.Insert(second)
	space.Get()
	space.mapper.Unmap(address, size)

	undo.Disarm()
	if secondCache != nil {
		secondCache.Unlock()
	}
	chain.Unlock(nil)
	return second, nil
}
