// Package phys provides page-frame reservation, allocation, and freeing
// for the area/cache layer.
//
// # Overview
//
// The core abstraction is the Allocator interface:
//
//   - Reserve(n) / Unreserve(n): commitment accounting. A successful
//     Reserve guarantees the next n AllocPage calls cannot fail.
//   - AllocPage(): allocate one reserved frame
//   - AllocRun(n): allocate n physically contiguous frames (wired
//     contiguous mappings)
//   - FreePage(f): return a frame and its reservation
//
// # Implementations
//
// Pool: production allocator over a fixed arena
//
//   - free frames kept in a LIFO free list, O(1) alloc/free
//   - contiguous runs found by bitmap scan
//   - arena backed by an anonymous mmap on unix builds, a byte slice
//     elsewhere
//
// # Reservation Protocol
//
// Reserve is the only call that may report memory pressure (ErrNoSpace).
// Once frames are reserved, AllocPage panics rather than failing: a
// failed allocation inside a reservation means the accounting is
// corrupt, and the caller cannot write a correct recovery path for it.
//
// # Thread Safety
//
// Pool is safe for concurrent use; all methods take an internal lock.
//
// # Related Packages
//
//   - github.com/kestrelos/vmkit/vm: caches draw their pages from an Allocator
//   - github.com/kestrelos/vmkit/vm/transmap: maps frames into address spaces
package phys
