package testutil

import (
	"testing"

	"github.com/kestrelos/vmkit/vm"
	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
	"github.com/kestrelos/vmkit/vm/transmap"
)

// SpaceBase is where test address spaces start; address 0 stays
// invalid the way a kernel layout keeps it.
const SpaceBase = 0x100000

// Env bundles the fixtures a vm scenario needs: a frame pool, an
// address space, and the soft translation map behind it.
type Env struct {
	Pool  *phys.Pool
	Space *vm.AddressSpace
	Map   *transmap.SoftMap
}

// SetupEnv creates a pool of frames physical pages and an address
// space of spacePages pages over a fresh SoftMap. The pool is closed
// at test cleanup.
//
// Example:
//
//	env := testutil.SetupEnv(t, 32, 64)
//	area := env.MustBind(t, store, opts)
func SetupEnv(t *testing.T, frames, spacePages int) *Env {
	t.Helper()

	pool, err := phys.NewPool(frames)
	if err != nil {
		t.Fatalf("Failed to create frame pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Failed to close frame pool: %v", err)
		}
	})

	m := transmap.NewSoftMap()
	space, err := vm.NewAddressSpace(SpaceBase, uint64(spacePages)*page.Size, m)
	if err != nil {
		t.Fatalf("Failed to create address space: %v", err)
	}

	return &Env{Pool: pool, Space: space, Map: m}
}

// NewStore creates an anonymous cache of the given page count. The
// creation ref is released at test cleanup.
func (e *Env) NewStore(t *testing.T, pages int, opts vm.CacheOptions) *vm.Cache {
	t.Helper()

	c, err := vm.NewAnonymousCache(e.Pool, 0, uint64(pages)*page.Size, opts)
	if err != nil {
		t.Fatalf("Failed to create anonymous cache: %v", err)
	}
	t.Cleanup(func() { c.ReleaseRef() })
	return c
}

// Bind maps the store into the env's space, handling the lock ceremony
// MapBackingStore demands.
func (e *Env) Bind(store *vm.Cache, opts vm.MapOptions) (*vm.Area, error) {
	e.Space.WriteLock()
	store.Lock()
	a, err := vm.MapBackingStore(e.Space, store, opts)
	store.Unlock()
	e.Space.WriteUnlock()
	return a, err
}

// MustBind is Bind that fails the test on error.
func (e *Env) MustBind(t *testing.T, store *vm.Cache, opts vm.MapOptions) *vm.Area {
	t.Helper()

	a, err := e.Bind(store, opts)
	if err != nil {
		t.Fatalf("Failed to map backing store: %v", err)
	}
	return a
}

// Cut runs CutArea under the space write lock.
func (e *Env) Cut(area *vm.Area, address, size uint64) (*vm.Area, error) {
	e.Space.WriteLock()
	defer e.Space.WriteUnlock()
	return vm.CutArea(e.Space, area, address, size)
}

// MustCut is Cut that fails the test on error.
func (e *Env) MustCut(t *testing.T, area *vm.Area, address, size uint64) *vm.Area {
	t.Helper()

	second, err := e.Cut(area, address, size)
	if err != nil {
		t.Fatalf("Failed to cut area: %v", err)
	}
	return second
}

// Areas snapshots the space's area list under the read lock.
func (e *Env) Areas() []*vm.Area {
	e.Space.ReadLock()
	defer e.Space.ReadUnlock()
	return append([]*vm.Area(nil), e.Space.AreasLocked()...)
}

// Wire pins a sub-range of the area under its cache lock.
func (e *Env) Wire(area *vm.Area, base, size uint64) *vm.WiredRange {
	c := area.Cache()
	c.Lock()
	defer c.Unlock()
	return area.WireLocked(base, size)
}

// Unwire clears a pin taken with Wire.
func (e *Env) Unwire(area *vm.Area, r *vm.WiredRange) {
	c := area.Cache()
	c.Lock()
	defer c.Unlock()
	area.UnwireLocked(r)
}

// RefCount reads a cache's ref count under its lock.
func RefCount(c *vm.Cache) int32 {
	c.Lock()
	defer c.Unlock()
	return c.RefCount()
}
