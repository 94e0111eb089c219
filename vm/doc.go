// Package vm implements the area/cache layer of the virtual-memory
// system: ref-counted copy-on-write page stores (Cache), the address
// ranges bound to them (Area), and the structural operations that
// split, merge, bind, and tear them down under concurrent mutation.
//
// # Overview
//
// A Cache holds pages for a byte range and may be a copy-on-write
// child of a source Cache. Areas bind address ranges inside an
// AddressSpace to a Cache at an offset. The package exposes three
// structural entry points:
//
//   - MapBackingStore: create an Area over a Cache (optionally behind a
//     fresh private COW child) and insert it into an address space
//   - CutArea: delete, shrink, or split an Area, splitting its Cache
//     when it is safe to do so
//   - UnmapRange: remove every mapping in an address range, waiting out
//     wired pages and restarting as required
//
// FaultPage resolves a single soft fault against the resulting object
// graph: zero fill, read-through to a source frame, or copy-on-write
// into the top cache.
//
// # Lock Model
//
// Two lock classes exist. The address-space lock is write-exclusive
// for structural mutation and read-shared for lookups, and is always
// acquired before any cache lock on a given path. Cache locks along a
// source chain are acquired top-to-bottom and released bottom-to-top
// through a ChainLocker; that is the unique ordering that cannot
// deadlock against another thread walking the same chain from a
// different top. The translation map and the page-frame pool carry
// their own locks, independent of both classes.
//
// Methods with a ...Locked suffix require the receiver's lock (and,
// where documented, the address-space write lock) to be held.
//
// # Failure Model
//
// Every multi-step operation unwinds completely on failure: a failure
// at step k undoes steps k-1..1 before returning, so the object graph
// is observably unchanged. ErrNoMemory, ErrInvalidArgument, and
// ErrSpaceUnavailable are the only recoverable failures. Violations of
// the reservation protocol panic; there is no correct recovery from
// corrupt commitment accounting.
//
// # Related Packages
//
//   - github.com/kestrelos/vmkit/vm/page: page constants, protections
//   - github.com/kestrelos/vmkit/vm/phys: page-frame allocator
//   - github.com/kestrelos/vmkit/vm/transmap: translation map
package vm
