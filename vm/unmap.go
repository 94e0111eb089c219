package vm

import (
	"fmt"

	"github.com/kestrelos/vmkit/vm/page"
)

// UnmapRange removes every mapping in [base, base+size) from the
// address space, cutting each overlapping area. If part of the range
// is wired by an in-flight operation, the call drops its locks, waits
// for the pin to clear, and restarts from lookup - the area set may
// have changed shape while it slept.
func UnmapRange(space *AddressSpace, base, size uint64) error {
	if size == 0 || !page.Aligned(base) || !page.Aligned(size) {
		return fmt.Errorf("%w: unmap [%#x, +%#x)", ErrInvalidArgument, base, size)
	}
	space.WriteLock()
	defer space.WriteUnlock()
	return unmapRangeLocked(space, base, size)
}

// unmapRangeLocked is UnmapRange with the write lock already held.
// It may drop and re-acquire that lock while waiting out a wired
// range; the caller must not rely on lookups made before the call.
func unmapRangeLocked(space *AddressSpace, base, size uint64) error {
	for {
		if space.Deleted() {
			return ErrSpaceUnavailable
		}
		area := space.FirstOverlapLocked(base, size)
		if area == nil {
			return nil
		}

		lo, hi := base, base+size
		if lo < area.base {
			lo = area.base
		}
		if hi > area.End() {
			hi = area.End()
		}
		cache := area.cache
		cache.Lock()
		done, wired := area.AddWaiterIfWiredLocked(lo, hi-lo)
		cache.Unlock()
		if wired {
			// Every lock goes before we block; the restart re-resolves
			// the area, which may have moved or died meanwhile.
			space.WriteUnlock()
			<-done
			space.WriteLock()
			continue
		}

		if _, err := CutArea(space, area, base, size); err != nil {
			return err
		}
	}
}
