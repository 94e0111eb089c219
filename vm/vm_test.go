package vm

import (
	"testing"

	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
	"github.com/kestrelos/vmkit/vm/transmap"
)

// Test fixtures shared by the vm package tests. Spaces start at
// spaceBase so that address 0 stays invalid, the way a kernel space
// would lay out.
const spaceBase = 0x100000

func newTestPool(t *testing.T, frames int) *phys.Pool {
	t.Helper()
	p, err := phys.NewPool(frames)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p
}

func newTestSpace(t *testing.T, pages int) (*AddressSpace, *transmap.SoftMap) {
	t.Helper()
	m := transmap.NewSoftMap()
	s, err := NewAddressSpace(spaceBase, uint64(pages)*page.Size, m)
	if err != nil {
		t.Fatal(err)
	}
	return s, m
}

// newStore creates a fully committed anonymous cache of the given page
// count, releasing the creation ref at cleanup.
func newStore(t *testing.T, pool phys.Allocator, pages int, opts CacheOptions) *Cache {
	t.Helper()
	c, err := NewAnonymousCache(pool, 0, uint64(pages)*page.Size, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.ReleaseRef() })
	return c
}

// bind runs MapBackingStore with the lock ceremony its preconditions
// demand.
func bind(t *testing.T, space *AddressSpace, store *Cache, opts MapOptions) *Area {
	t.Helper()
	a, err := tryBind(space, store, opts)
	if err != nil {
		t.Fatalf("MapBackingStore: %v", err)
	}
	return a
}

func tryBind(space *AddressSpace, store *Cache, opts MapOptions) (*Area, error) {
	space.WriteLock()
	store.Lock()
	a, err := MapBackingStore(space, store, opts)
	store.Unlock()
	space.WriteUnlock()
	return a, err
}

// cut runs CutArea under the space write lock.
func cut(t *testing.T, space *AddressSpace, area *Area, address, size uint64) *Area {
	t.Helper()
	space.WriteLock()
	second, err := CutArea(space, area, address, size)
	space.WriteUnlock()
	if err != nil {
		t.Fatalf("CutArea: %v", err)
	}
	return second
}

// cacheRefCount reads a cache's ref count under its lock.
func cacheRefCount(c *Cache) int32 {
	c.Lock()
	defer c.Unlock()
	return c.RefCount()
}

func pg(n int) uint64 { return uint64(n) * page.Size }
