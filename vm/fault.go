package vm

import (
	"errors"
	"fmt"

	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
	"github.com/kestrelos/vmkit/vm/transmap"
)

// FaultPage resolves a soft fault at addr: it finds the backing page
// in the area's cache chain, copying it up on a write to a shadowed
// page and zero-filling when no cache in the chain has one, then
// installs the translation.
//
// A page served read-only out of a source cache is mapped without the
// write bit even when the area permits writes, so the first store
// faults again and takes the copy-up path.
func FaultPage(space *AddressSpace, addr uint64, isWrite bool) error {
	va := page.AlignDown(addr)

	space.ReadLock()
	defer space.ReadUnlock()
	if space.Deleted() {
		return ErrSpaceUnavailable
	}

	area := space.LookupAreaLocked(va)
	if area == nil {
		return fmt.Errorf("%w: fault at unmapped address %#x", ErrInvalidArgument, addr)
	}

	locker := LockTop(area.cache)
	defer locker.Unlock(nil)
	top := locker.Top()

	prot := area.PageProtectionLocked(va)
	if isWrite && prot&page.Write == 0 {
		return fmt.Errorf("%w: write at %#x", ErrProtectionViolation, addr)
	}
	if !isWrite && prot&page.Read == 0 {
		return fmt.Errorf("%w: read at %#x", ErrProtectionViolation, addr)
	}

	off := area.cacheOffset + (va - area.base)

	// Walk the chain top to bottom looking for the page.
	owner, frame := top, phys.NilFrame
	for {
		if f, ok := locker.Bottom().LookupPageLocked(off); ok {
			owner, frame = locker.Bottom(), f
			break
		}
		if !locker.LockSourceChain() {
			owner = nil
			break
		}
	}

	switch {
	case owner == top:
		// Already the top cache's own page; just (re)install the
		// translation with the full protection.
	case owner != nil && isWrite:
		// Copy the source page up into the top cache.
		f, err := top.InsertPageLocked(off)
		if err != nil {
			return fmt.Errorf("copy-up at %#x: %w", addr, err)
		}
		copy(top.pool.Bytes(f), owner.pool.Bytes(frame))
		frame = f
	case owner != nil:
		// Read through the source page. Dropping the write bit keeps
		// the next store faulting into the copy-up path above.
		prot &^= page.Write
	default:
		// No cache in the chain has the page: zero fill.
		f, err := top.InsertPageLocked(off)
		if err != nil {
			return fmt.Errorf("zero fill at %#x: %w", addr, err)
		}
		frame = f
	}

	if err := space.mapper.Map(va, frame, prot); err != nil {
		if !errors.Is(err, transmap.ErrAlreadyMapped) {
			return err
		}
		// Upgrading an existing translation, typically a read-only COW
		// mapping being written: replace it.
		space.mapper.Unmap(va, page.Size)
		if err := space.mapper.Map(va, frame, prot); err != nil {
			return err
		}
	}
	return nil
}
