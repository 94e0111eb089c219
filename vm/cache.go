package vm

import (
	"fmt"
	"sync"

	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
)

// CacheType identifies what backs a cache's pages.
type CacheType uint8

const (
	// CacheRAM is an anonymous store backed by page frames. Only RAM
	// caches may ever be split or privately resized.
	CacheRAM CacheType = iota
	CacheDevice
	CacheNull
	CacheFile
)

func (t CacheType) String() string {
	switch t {
	case CacheRAM:
		return "ram"
	case CacheDevice:
		return "device"
	case CacheNull:
		return "null"
	case CacheFile:
		return "file"
	default:
		return fmt.Sprintf("cache-type-%d", uint8(t))
	}
}

// CommitPolicy selects who maintains a cache's commitment.
type CommitPolicy int

const (
	// CommitDefault lets the operation adjust commitment itself.
	CommitDefault CommitPolicy = iota

	// CommitCallerManaged suppresses automatic commitment changes; the
	// caller adjusts commitment explicitly afterwards.
	CommitCallerManaged
)

// Cache is a ref-counted container of pages for a byte range,
// optionally a copy-on-write child of a source cache.
//
// Ownership: an Area holds one ref on its cache; a consumer cache
// holds one ref on its source. The consumers and areas lists are
// non-owning back-links used for traversal only. A cache is destroyed
// when its ref count reaches zero.
//
// All fields are guarded by the cache's own lock. The refCount is
// additionally touched by ChainLocker during chain walks, always under
// the lock.
type Cache struct {
	mu       sync.Mutex
	refCount int32

	typ    CacheType
	source *Cache

	consumers []*Cache // non-owning
	areas     []*Area  // non-owning

	virtualBase uint64
	virtualEnd  uint64

	// committedSize is the commitment in bytes. The invariant
	// committedSize >= len(pages)*page.Size holds at all times; pages
	// are never inserted past the commitment.
	committedSize uint64

	temporary     bool
	canOvercommit bool
	guardSize     uint64

	// pages maps page-aligned cache offsets to frames.
	pages map[uint64]phys.Frame

	pool phys.Allocator
}

// CacheOptions configures NewAnonymousCache.
type CacheOptions struct {
	Temporary     bool
	CanOvercommit bool
	GuardPages    int
	Commit        CommitPolicy
}

// NewAnonymousCache creates a RAM cache covering [base, end) with one
// reference owned by the caller. Unless opts.Commit is
// CommitCallerManaged, the full range is committed up front; a
// commitment failure returns ErrNoMemory with nothing retained.
func NewAnonymousCache(pool phys.Allocator, base, end uint64, opts CacheOptions) (*Cache, error) {
	if end < base || !page.Aligned(base) || !page.Aligned(end) {
		return nil, fmt.Errorf("%w: cache range [%#x, %#x)", ErrInvalidArgument, base, end)
	}
	c := &Cache{
		refCount:      1,
		typ:           CacheRAM,
		virtualBase:   base,
		virtualEnd:    end,
		temporary:     opts.Temporary,
		canOvercommit: opts.CanOvercommit,
		guardSize:     uint64(opts.GuardPages) * page.Size,
		pages:         make(map[uint64]phys.Frame),
		pool:          pool,
	}
	if opts.Commit == CommitDefault && end > base {
		if err := pool.Reserve(page.Count(end - base)); err != nil {
			return nil, fmt.Errorf("vm: committing anonymous cache: %w", ErrNoMemory)
		}
		c.committedSize = end - base
	}
	return c, nil
}

// Lock acquires the cache lock.
func (c *Cache) Lock() { c.mu.Lock() }

// Unlock releases the cache lock.
func (c *Cache) Unlock() { c.mu.Unlock() }

// TryLock attempts the cache lock without blocking.
func (c *Cache) TryLock() bool { return c.mu.TryLock() }

// Type returns the cache type (immutable after creation).
func (c *Cache) Type() CacheType { return c.typ }

// Source returns the cache's COW source, or nil. Caller must hold the
// cache lock for a stable answer.
func (c *Cache) Source() *Cache { return c.source }

// RefCount returns the current reference count. Caller must hold the
// cache lock for a stable answer.
func (c *Cache) RefCount() int32 { return c.refCount }

// VirtualBase returns the first byte offset the cache represents.
func (c *Cache) VirtualBase() uint64 { return c.virtualBase }

// VirtualEnd returns the end byte offset the cache represents.
func (c *Cache) VirtualEnd() uint64 { return c.virtualEnd }

// CommittedSize returns the commitment in bytes.
func (c *Cache) CommittedSize() uint64 { return c.committedSize }

// AcquireRefLocked adds a reference. Caller holds the lock.
func (c *Cache) AcquireRefLocked() { c.refCount++ }

// AcquireRef adds a reference, taking the lock itself.
func (c *Cache) AcquireRef() {
	c.mu.Lock()
	c.refCount++
	c.mu.Unlock()
}

// ReleaseRefLocked drops a reference that is known not to be the last
// one. Dropping the last ref this way is a lifetime bug; use
// ReleaseRefAndUnlock for possibly-final releases.
func (c *Cache) ReleaseRefLocked() {
	c.refCount--
	if c.refCount <= 0 {
		panic(fmt.Sprintf("vm: cache %p released to %d with lock retained", c, c.refCount))
	}
}

// ReleaseRefAndUnlock drops a reference and unlocks. If the count hits
// zero the cache is destroyed: its pages are freed, its commitment is
// returned, and its ref on the source (if any) is released in turn.
func (c *Cache) ReleaseRefAndUnlock() {
	c.refCount--
	if c.refCount < 0 {
		panic(fmt.Sprintf("vm: cache %p ref count went negative", c))
	}
	if c.refCount > 0 {
		c.mu.Unlock()
		return
	}
	c.destroyAndUnlock()
}

// ReleaseRef drops a reference, taking the lock itself.
func (c *Cache) ReleaseRef() {
	c.mu.Lock()
	c.ReleaseRefAndUnlock()
}

// destroyAndUnlock tears the cache down. Ref count is zero, lock held.
// The source ref is released after this cache's own lock is dropped;
// child-then-source is the legal acquisition order, but holding a dead
// cache's lock across the release buys nothing.
func (c *Cache) destroyAndUnlock() {
	for off, f := range c.pages {
		if err := c.pool.FreePage(f); err != nil {
			panic(fmt.Sprintf("vm: freeing page at %#x of dying cache: %v", off, err))
		}
	}
	unconsumed := page.Count(c.committedSize) - len(c.pages)
	if unconsumed < 0 {
		panic(fmt.Sprintf("vm: cache %p died with %d pages over commitment", c, -unconsumed))
	}
	if unconsumed > 0 {
		c.pool.Unreserve(unconsumed)
	}
	c.pages = nil
	c.committedSize = 0
	src := c.source
	c.source = nil
	c.mu.Unlock()

	if src != nil {
		src.Lock()
		src.removeConsumerLocked(c)
		src.ReleaseRefAndUnlock()
	}
}

// addConsumerLocked makes child a COW consumer of c. Both caches must
// be locked. The child's ref on c is taken here.
func (c *Cache) addConsumerLocked(child *Cache) {
	child.source = c
	c.consumers = append(c.consumers, child)
	c.refCount++
}

// dropConsumerLocked detaches child without releasing c's ref; the
// caller owns what happens to that ref. Both caches must be locked.
// This is the unwind path for a failed private bind, where releasing
// through the normal route would re-lock c while it is already held.
func (c *Cache) dropConsumerLocked(child *Cache) {
	c.deleteConsumerLocked(child)
	c.refCount--
	child.source = nil
}

func (c *Cache) deleteConsumerLocked(child *Cache) {
	for i, cons := range c.consumers {
		if cons == child {
			c.consumers = append(c.consumers[:i], c.consumers[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("vm: cache %p is not a consumer of %p", child, c))
}

// removeConsumerLocked detaches a dying consumer and, when exactly one
// consumer remains on a temporary cache with no bound areas, merges
// this cache into it. Caller holds c's lock; the dying consumer's ref
// on c is released by the caller, not here.
func (c *Cache) removeConsumerLocked(child *Cache) {
	c.deleteConsumerLocked(child)

	if len(c.consumers) == 1 && c.temporary && len(c.areas) == 0 {
		c.mergeWithOnlyConsumerLocked()
	}
}

// mergeWithOnlyConsumerLocked folds c into its single remaining
// consumer: the consumer adopts every page it does not already shadow
// and takes over c's source link, after which the consumer's ref on c
// is dropped and c dies with the caller's release.
//
// The consumer sits below c in lock order, so it can only be taken by
// TryLock here. On contention the merge is skipped; the chain stays
// correct, merely unconsolidated.
func (c *Cache) mergeWithOnlyConsumerLocked() {
	consumer := c.consumers[0]
	if !consumer.TryLock() {
		return
	}

	for off, f := range c.pages {
		if _, shadowed := consumer.pages[off]; shadowed {
			continue
		}
		if off < consumer.virtualBase || off >= consumer.virtualEnd {
			continue
		}
		consumer.pages[off] = f
		delete(c.pages, off)
	}
	// Commitment follows the surviving pages; what stayed behind is
	// returned when c is destroyed.
	movedBytes := uint64(len(consumer.pages)) * page.Size
	if consumer.committedSize < movedBytes {
		transfer := movedBytes - consumer.committedSize
		if transfer > c.committedSize {
			panic(fmt.Sprintf("vm: merge moved %d bytes past combined commitment", transfer))
		}
		c.committedSize -= transfer
		consumer.committedSize += transfer
	}

	// The consumer takes over c's position in the chain. c's ref on
	// its source moves to the consumer; c must die without releasing
	// it again.
	newSource := c.source
	c.source = nil
	c.consumers = nil
	consumer.source = newSource
	if newSource != nil {
		newSource.Lock()
		newSource.deleteConsumerLocked(c)
		newSource.consumers = append(newSource.consumers, consumer)
		newSource.Unlock()
	}

	// Drop the consumer's ref on c. Not the last ref: the caller that
	// triggered removeConsumerLocked still holds one.
	c.ReleaseRefLocked()
	consumer.Unlock()
}

// insertAreaLocked binds an area to the cache. Caller holds the lock
// and has taken the area's ref beforehand.
func (c *Cache) insertAreaLocked(a *Area) {
	c.areas = append(c.areas, a)
	a.cache = c
}

// removeAreaLocked unbinds an area. The area's ref is released by the
// caller.
func (c *Cache) removeAreaLocked(a *Area) {
	for i, area := range c.areas {
		if area == a {
			c.areas = append(c.areas[:i], c.areas[i+1:]...)
			a.cache = nil
			return
		}
	}
	panic(fmt.Sprintf("vm: area %q is not bound to cache %p", a.name, c))
}

// isSoleOwnedRAMLocked reports whether the cache may be split or
// privately resized: RAM type, no consumers, and at most the given
// area bound. Shared caches must never be reshaped.
func (c *Cache) isSoleOwnedRAMLocked(a *Area) bool {
	if c.typ != CacheRAM || len(c.consumers) != 0 {
		return false
	}
	return len(c.areas) == 1 && c.areas[0] == a
}

// LookupPageLocked returns the frame at the page-aligned cache offset.
func (c *Cache) LookupPageLocked(off uint64) (phys.Frame, bool) {
	f, ok := c.pages[off]
	return f, ok
}

// PageCountLocked returns the number of resident pages.
func (c *Cache) PageCountLocked() int { return len(c.pages) }

// InsertPageLocked allocates a frame for the page-aligned offset,
// growing commitment first when the cache can overcommit. Offsets
// outside the cache range or already-resident offsets are rejected.
func (c *Cache) InsertPageLocked(off uint64) (phys.Frame, error) {
	if !page.Aligned(off) || off < c.virtualBase || off >= c.virtualEnd {
		return phys.NilFrame, fmt.Errorf("%w: page offset %#x outside cache [%#x, %#x)",
			ErrInvalidArgument, off, c.virtualBase, c.virtualEnd)
	}
	if _, ok := c.pages[off]; ok {
		return phys.NilFrame, fmt.Errorf("%w: page %#x already resident", ErrInvalidArgument, off)
	}
	if page.Count(c.committedSize) <= len(c.pages) {
		if !c.canOvercommit {
			panic(fmt.Sprintf("vm: cache %p allocating past fixed commitment", c))
		}
		if err := c.CommitLocked(c.committedSize + page.Size); err != nil {
			return phys.NilFrame, err
		}
	}
	f := c.pool.AllocPage()
	c.pages[off] = f
	return f, nil
}

// AdoptPageLocked inserts an existing frame at the offset, consuming
// commitment like InsertPageLocked but without allocating.
func (c *Cache) AdoptPageLocked(off uint64, f phys.Frame) error {
	if !page.Aligned(off) || off < c.virtualBase || off >= c.virtualEnd {
		return fmt.Errorf("%w: page offset %#x outside cache [%#x, %#x)",
			ErrInvalidArgument, off, c.virtualBase, c.virtualEnd)
	}
	if _, ok := c.pages[off]; ok {
		return fmt.Errorf("%w: page %#x already resident", ErrInvalidArgument, off)
	}
	c.pages[off] = f
	return nil
}

// RemovePageLocked frees the frame at the offset and restores its
// commitment as reservation. The re-reserve cannot fail: the frame we
// just freed covers it.
func (c *Cache) RemovePageLocked(off uint64) {
	f, ok := c.pages[off]
	if !ok {
		return
	}
	delete(c.pages, off)
	if err := c.pool.FreePage(f); err != nil {
		panic(fmt.Sprintf("vm: freeing page at %#x: %v", off, err))
	}
	if err := c.pool.Reserve(1); err != nil {
		panic(fmt.Sprintf("vm: re-reserving freed page: %v", err))
	}
}

// StealPageLocked detaches and returns the frame at the offset without
// freeing it. The commitment stays with the cache; the caller now owns
// the frame.
func (c *Cache) StealPageLocked(off uint64) (phys.Frame, bool) {
	f, ok := c.pages[off]
	if !ok {
		return phys.NilFrame, false
	}
	delete(c.pages, off)
	return f, true
}

// AdoptRangeLocked moves the pages of other in [offset, offset+size)
// into c, rehoming them at newOffset plus their distance into the
// range. Both caches must be locked. Commitment covering the moved
// pages travels with them. Returns the number of pages moved.
func (c *Cache) AdoptRangeLocked(other *Cache, offset, size, newOffset uint64) int {
	moved := 0
	for off := offset; off < offset+size; off += page.Size {
		f, ok := other.pages[off]
		if !ok {
			continue
		}
		delete(other.pages, off)
		c.pages[newOffset+(off-offset)] = f
		moved++
	}
	if moved > 0 {
		bytes := uint64(moved) * page.Size
		if other.committedSize < bytes {
			panic(fmt.Sprintf("vm: adopt of %d pages exceeds source commitment %d",
				moved, other.committedSize))
		}
		other.committedSize -= bytes
		c.committedSize += bytes
	}
	return moved
}

// CommitLocked sets the commitment to size bytes, reserving or
// returning frames for the difference. Commitment never drops below
// what resident pages already consume. Growth failure returns
// ErrNoMemory with the commitment unchanged.
func (c *Cache) CommitLocked(size uint64) error {
	floor := uint64(len(c.pages)) * page.Size
	if size < floor {
		size = floor
	}
	oldPages := page.Count(c.committedSize)
	newPages := page.Count(size)
	switch {
	case newPages > oldPages:
		if err := c.pool.Reserve(newPages - oldPages); err != nil {
			return fmt.Errorf("vm: committing %d pages: %w", newPages-oldPages, ErrNoMemory)
		}
	case newPages < oldPages:
		c.pool.Unreserve(oldPages - newPages)
	}
	c.committedSize = size
	return nil
}

// SetMinimalCommitmentLocked grows commitment to cover at least size
// bytes; it never shrinks. A no-op under CommitCallerManaged.
func (c *Cache) SetMinimalCommitmentLocked(size uint64, policy CommitPolicy) error {
	if policy == CommitCallerManaged || size <= c.committedSize {
		return nil
	}
	return c.CommitLocked(size)
}

// ResizeLocked moves virtualEnd. Shrinking frees the pages beyond the
// new end and trims commitment; growing extends commitment unless the
// policy is caller-managed.
func (c *Cache) ResizeLocked(newEnd uint64, policy CommitPolicy) error {
	if newEnd < c.virtualBase || !page.Aligned(newEnd) {
		return fmt.Errorf("%w: resize end %#x", ErrInvalidArgument, newEnd)
	}
	if newEnd < c.virtualEnd {
		for off := range c.pages {
			if off >= newEnd {
				c.RemovePageLocked(off)
			}
		}
		c.virtualEnd = newEnd
		if policy != CommitCallerManaged && c.committedSize > newEnd-c.virtualBase {
			if err := c.CommitLocked(newEnd - c.virtualBase); err != nil {
				panic(fmt.Sprintf("vm: shrinking commitment failed: %v", err))
			}
		}
		return nil
	}
	if policy != CommitCallerManaged && !c.canOvercommit {
		if err := c.CommitLocked(newEnd - c.virtualBase); err != nil {
			return err
		}
	}
	c.virtualEnd = newEnd
	return nil
}

// RebaseLocked moves virtualBase. Raising the base frees the pages in
// front of it and trims commitment; lowering it extends commitment
// unless the policy is caller-managed.
func (c *Cache) RebaseLocked(newBase uint64, policy CommitPolicy) error {
	if newBase > c.virtualEnd || !page.Aligned(newBase) {
		return fmt.Errorf("%w: rebase to %#x", ErrInvalidArgument, newBase)
	}
	if newBase > c.virtualBase {
		for off := range c.pages {
			if off < newBase {
				c.RemovePageLocked(off)
			}
		}
		c.virtualBase = newBase
		if policy != CommitCallerManaged && c.committedSize > c.virtualEnd-newBase {
			if err := c.CommitLocked(c.virtualEnd - newBase); err != nil {
				panic(fmt.Sprintf("vm: shrinking commitment failed: %v", err))
			}
		}
		return nil
	}
	if policy != CommitCallerManaged && !c.canOvercommit {
		if err := c.CommitLocked(c.virtualEnd - newBase); err != nil {
			return err
		}
	}
	c.virtualBase = newBase
	return nil
}

// String describes the cache for diagnostics. Takes no lock; values
// may be torn under concurrent mutation.
func (c *Cache) String() string {
	return fmt.Sprintf("cache{%s refs=%d range=[%#x,%#x) committed=%#x pages=%d consumers=%d areas=%d}",
		c.typ, c.refCount, c.virtualBase, c.virtualEnd, c.committedSize,
		len(c.pages), len(c.consumers), len(c.areas))
}
