package vm

import (
	"errors"
	"testing"

	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
)

func TestMapBackingStore_BadArgs(t *testing.T) {
	pool := newTestPool(t, 8)
	s, _ := newTestSpace(t, 8)
	store := newStore(t, pool, 4, CacheOptions{})

	if _, err := tryBind(s, store, MapOptions{Size: 0}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero size = %v, want ErrInvalidArgument", err)
	}
	if _, err := tryBind(s, store, MapOptions{Size: pg(1), Offset: 13}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unaligned offset = %v, want ErrInvalidArgument", err)
	}
}

func TestMapBackingStore_Shared(t *testing.T) {
	pool := newTestPool(t, 8)
	s, _ := newTestSpace(t, 16)
	store := newStore(t, pool, 4, CacheOptions{})

	a := bind(t, s, store, MapOptions{
		Name: "shared", Size: pg(2), Offset: pg(1),
		Protection: page.Read | page.Write,
	})
	defer cut(t, s, a, a.Base(), a.Size())

	if a.Cache() != store {
		t.Fatal("shared mapping did not bind the store itself")
	}
	if a.CacheOffset() != pg(1) {
		t.Fatalf("cache offset = %#x, want %#x", a.CacheOffset(), pg(1))
	}
	if a.ID() == 0 || DefaultRegistry.Lookup(a.ID()) != a {
		t.Fatal("area not registered")
	}
	if got := cacheRefCount(store); got != 2 {
		t.Fatalf("store refs = %d, want 2", got)
	}
	if got := s.RefCount(); got != 2 {
		t.Fatalf("space refs = %d, want 2", got)
	}
}

func TestMapBackingStore_PrivateCreatesChild(t *testing.T) {
	pool := newTestPool(t, 8)
	s, _ := newTestSpace(t, 16)
	store := newStore(t, pool, 4, CacheOptions{})

	a := bind(t, s, store, MapOptions{
		Name: "private", Size: pg(2), Offset: pg(1),
		Protection: page.Read | page.Write,
		Mapping:    MappingPrivate,
	})

	child := a.Cache()
	if child == store {
		t.Fatal("private mapping bound the store directly")
	}
	child.Lock()
	if child.Source() != store {
		t.Fatalf("child source = %v, want the store", child.Source())
	}
	if got := child.RefCount(); got != 1 {
		t.Fatalf("child refs = %d, want 1 (the area's)", got)
	}
	// The child guarantees the whole mapped range.
	if got := child.CommittedSize(); got != pg(3) {
		t.Fatalf("child committed %#x, want %#x", got, pg(3))
	}
	child.Unlock()

	store.Lock()
	if got := store.RefCount(); got != 2 {
		t.Fatalf("store refs = %d, want 2 (creation + child)", got)
	}
	if len(store.consumers) != 1 || store.consumers[0] != child {
		t.Fatal("store does not list the child as its consumer")
	}
	store.Unlock()

	// Deleting the area must unwind the whole arrangement.
	cut(t, s, a, a.Base(), a.Size())
	if got := cacheRefCount(store); got != 1 {
		t.Fatalf("store refs = %d after delete, want 1", got)
	}
}

func TestMapBackingStore_ExactCollisionUnwinds(t *testing.T) {
	pool := newTestPool(t, 16)
	s, _ := newTestSpace(t, 16)
	store := newStore(t, pool, 4, CacheOptions{})
	a := bind(t, s, store, MapOptions{
		Name: "first", Size: pg(4), Protection: page.Read | page.Write,
		Addr: AddressRestrictions{Spec: SpecExact, Address: spaceBase + pg(4)},
	})
	regBefore := DefaultRegistry.Count()
	refsBefore := cacheRefCount(store)
	spaceRefs := s.RefCount()

	_, err := tryBind(s, store, MapOptions{
		Name: "collider", Size: pg(4), Protection: page.Read,
		Addr:    AddressRestrictions{Spec: SpecExact, Address: spaceBase + pg(6)},
		Mapping: MappingPrivate,
	})
	if !errors.Is(err, ErrNoMemory) {
		t.Fatalf("colliding bind = %v, want ErrNoMemory", err)
	}

	// Nothing of the failed bind may remain: no registry entry, no
	// space ref, no consumer child, no extra store ref.
	if got := DefaultRegistry.Count(); got != regBefore {
		t.Fatalf("registry count %d → %d across failed bind", regBefore, got)
	}
	if got := s.RefCount(); got != spaceRefs {
		t.Fatalf("space refs %d → %d across failed bind", spaceRefs, got)
	}
	if got := cacheRefCount(store); got != refsBefore {
		t.Fatalf("store refs %d → %d across failed bind", refsBefore, got)
	}
	store.Lock()
	if len(store.consumers) != 0 {
		t.Fatalf("store kept %d consumers from the failed bind", len(store.consumers))
	}
	store.Unlock()
	s.ReadLock()
	if got := s.AreaCountLocked(); got != 1 {
		t.Fatalf("area count = %d after failed bind", got)
	}
	s.ReadUnlock()
	_ = a
}

func TestMapBackingStore_UnmapExistingReplaces(t *testing.T) {
	pool := newTestPool(t, 16)
	s, _ := newTestSpace(t, 16)
	store := newStore(t, pool, 4, CacheOptions{})
	old := bind(t, s, store, MapOptions{
		Name: "old", Size: pg(4), Protection: page.Read,
		Addr: AddressRestrictions{Spec: SpecExact, Address: spaceBase + pg(2)},
	})
	oldID := old.ID()

	replacement := bind(t, s, store, MapOptions{
		Name: "new", Size: pg(4), Protection: page.Read | page.Write,
		Addr:          AddressRestrictions{Spec: SpecExact, Address: spaceBase + pg(2)},
		UnmapExisting: true,
	})

	if DefaultRegistry.Lookup(oldID) != nil {
		t.Fatal("replaced area still registered")
	}
	s.ReadLock()
	if got := s.LookupAreaLocked(spaceBase + pg(3)); got != replacement {
		t.Fatalf("lookup = %v, want the replacement", got)
	}
	if got := s.AreaCountLocked(); got != 1 {
		t.Fatalf("area count = %d", got)
	}
	s.ReadUnlock()
	if got := cacheRefCount(store); got != 2 {
		t.Fatalf("store refs = %d, want 2", got)
	}
}

func TestMapBackingStore_WiredFullPopulates(t *testing.T) {
	pool := newTestPool(t, 8)
	s, m := newTestSpace(t, 16)
	store := newStore(t, pool, 4, CacheOptions{})

	a := bind(t, s, store, MapOptions{
		Name: "wired", Size: pg(3), Protection: page.Read | page.Write,
		Wiring: WiringFull,
	})

	if got := m.MappedIn(a.Base(), a.Size()); got != 3 {
		t.Fatalf("%d pages mapped, want 3", got)
	}
	store.Lock()
	if got := store.PageCountLocked(); got != 3 {
		t.Fatalf("%d pages resident, want 3", got)
	}
	store.Unlock()
	for i := 0; i < 3; i++ {
		_, prot, err := m.Query(a.Base() + pg(i))
		if err != nil {
			t.Fatalf("Query page %d: %v", i, err)
		}
		if prot != page.Read|page.Write {
			t.Fatalf("page %d protection = %v", i, prot)
		}
	}
}

func TestMapBackingStore_WiredFullPrivateMapsSourceReadOnly(t *testing.T) {
	pool := newTestPool(t, 8)
	s, m := newTestSpace(t, 16)
	store := newStore(t, pool, 4, CacheOptions{})

	store.Lock()
	srcFrame, err := store.InsertPageLocked(0)
	if err != nil {
		t.Fatal(err)
	}
	store.Unlock()

	a := bind(t, s, store, MapOptions{
		Name: "wired-private", Size: pg(2), Protection: page.Read | page.Write,
		Wiring: WiringFull, Mapping: MappingPrivate,
	})

	// Page 0 exists in the store: mapped through, write bit withheld.
	f, prot, err := m.Query(a.Base())
	if err != nil {
		t.Fatal(err)
	}
	if f != srcFrame {
		t.Fatalf("page 0 frame = %d, want source frame %d", f, srcFrame)
	}
	if prot&page.Write != 0 {
		t.Fatal("source page mapped writable into a private area")
	}

	// Page 1 exists nowhere: allocated in the child, fully writable.
	f1, prot1, err := m.Query(a.Base() + pg(1))
	if err != nil {
		t.Fatal(err)
	}
	if prot1 != page.Read|page.Write {
		t.Fatalf("page 1 protection = %v", prot1)
	}
	child := a.Cache()
	child.Lock()
	if got, ok := child.LookupPageLocked(pg(1)); !ok || got != f1 {
		t.Fatalf("child page 1 = (%d, %t), want frame %d", got, ok, f1)
	}
	if _, ok := child.LookupPageLocked(0); ok {
		t.Fatal("child copied page 0 at bind time")
	}
	child.Unlock()
}

func TestMapBackingStore_WiredContiguousRun(t *testing.T) {
	pool := newTestPool(t, 16)
	s, m := newTestSpace(t, 16)
	store := newStore(t, pool, 4, CacheOptions{})

	a := bind(t, s, store, MapOptions{
		Name: "dma", Size: pg(4), Protection: page.Read | page.Write,
		Wiring: WiringContiguous,
	})

	first, _, err := m.Query(a.Base())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 4; i++ {
		f, _, err := m.Query(a.Base() + pg(i))
		if err != nil {
			t.Fatalf("Query page %d: %v", i, err)
		}
		if f != first+phys.Frame(i) {
			t.Fatalf("page %d frame = %d, want %d", i, f, first+phys.Frame(i))
		}
	}
}

func TestMapBackingStore_WiredRollsBackOnExhaustion(t *testing.T) {
	pool := newTestPool(t, 4)
	s, m := newTestSpace(t, 16)
	store := newStore(t, pool, 8, CacheOptions{Commit: CommitCallerManaged})
	regBefore := DefaultRegistry.Count()

	// Wiring must back every page; an 8-page commitment cannot come
	// out of a 4-frame pool.
	_, err := tryBind(s, store, MapOptions{
		Name: "wired", Size: pg(8), Protection: page.Read | page.Write,
		Wiring: WiringFull, Commit: CommitCallerManaged,
	})
	if !errors.Is(err, ErrNoMemory) {
		t.Fatalf("wired bind over small pool = %v, want ErrNoMemory", err)
	}

	s.ReadLock()
	if got := s.AreaCountLocked(); got != 0 {
		t.Fatalf("area count = %d after failed bind", got)
	}
	s.ReadUnlock()
	if got := DefaultRegistry.Count(); got != regBefore {
		t.Fatal("registry entry leaked by failed bind")
	}
	if got := cacheRefCount(store); got != 1 {
		t.Fatalf("store refs = %d after failed bind, want 1", got)
	}
	if got := s.RefCount(); got != 1 {
		t.Fatalf("space refs = %d after failed bind, want 1", got)
	}
	if got := m.MappedIn(spaceBase, pg(16)); got != 0 {
		t.Fatalf("%d stray mappings after failed bind", got)
	}
}
