package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelos/vmkit/internal/testutil"
	"github.com/kestrelos/vmkit/vm"
	"github.com/kestrelos/vmkit/vm/page"
)

// TestPrivateMappingCopiesOnWrite maps the same store shared and
// private, writes through the private mapping, and checks the shared
// view never sees the write.
func TestPrivateMappingCopiesOnWrite(t *testing.T) {
	env := testutil.SetupEnv(t, 32, 64)
	store := env.NewStore(t, 2, vm.CacheOptions{})

	store.Lock()
	src, err := store.InsertPageLocked(0)
	require.NoError(t, err)
	env.Pool.Bytes(src)[0] = 'o' // original
	store.Unlock()

	shared := env.MustBind(t, store, vm.MapOptions{
		Name: "shared", Size: pg(2), Protection: page.Read | page.Write,
	})
	private := env.MustBind(t, store, vm.MapOptions{
		Name: "private", Size: pg(2), Protection: page.Read | page.Write,
		Mapping: vm.MappingPrivate,
	})

	require.NoError(t, vm.FaultPage(env.Space, private.Base(), true))
	require.NoError(t, vm.FaultPage(env.Space, shared.Base(), false))

	privFrame, _, err := env.Map.Query(private.Base())
	require.NoError(t, err)
	sharedFrame, _, err := env.Map.Query(shared.Base())
	require.NoError(t, err)
	require.NotEqual(t, sharedFrame, privFrame, "write fault must copy the page up")
	assert.Equal(t, byte('o'), env.Pool.Bytes(privFrame)[0], "copy must carry the original bytes")

	env.Pool.Bytes(privFrame)[0] = 'p'
	assert.Equal(t, byte('o'), env.Pool.Bytes(sharedFrame)[0],
		"a private write must never reach the shared view")
}

// TestFailedBindLeavesNoTrace drives MapBackingStore into a placement
// collision and checks ref counts, the registry, and the consumer list
// are exactly what they were before the call.
func TestFailedBindLeavesNoTrace(t *testing.T) {
	env := testutil.SetupEnv(t, 32, 16)
	store := env.NewStore(t, 4, vm.CacheOptions{})
	env.MustBind(t, store, vm.MapOptions{
		Name: "occupant", Size: pg(4), Protection: page.Read,
		Addr: vm.AddressRestrictions{Spec: vm.SpecExact, Address: testutil.SpaceBase + pg(4)},
	})

	refsBefore := testutil.RefCount(store)
	regBefore := vm.DefaultRegistry.Count()
	spaceRefs := env.Space.RefCount()

	_, err := env.Bind(store, vm.MapOptions{
		Name: "collider", Size: pg(4), Protection: page.Read,
		Addr:    vm.AddressRestrictions{Spec: vm.SpecExact, Address: testutil.SpaceBase + pg(6)},
		Mapping: vm.MappingPrivate,
	})
	require.ErrorIs(t, err, vm.ErrNoMemory)

	assert.Equal(t, refsBefore, testutil.RefCount(store))
	assert.Equal(t, regBefore, vm.DefaultRegistry.Count())
	assert.Equal(t, spaceRefs, env.Space.RefCount())
	assert.Len(t, env.Areas(), 1)
}

// TestCommitmentConservedAcrossSplit checks a middle cut of a
// populated region neither leaks nor double-counts committed frames.
func TestCommitmentConservedAcrossSplit(t *testing.T) {
	env := testutil.SetupEnv(t, 32, 64)
	store := env.NewStore(t, 6, vm.CacheOptions{})
	area := env.MustBind(t, store, vm.MapOptions{
		Name: "split-me", Size: pg(6), Protection: page.Read | page.Write,
	})
	for i := 0; i < 6; i++ {
		require.NoError(t, vm.FaultPage(env.Space, area.Base()+pg(i), true))
	}
	availBefore := env.Pool.Available()

	second := env.MustCut(t, area, area.Base()+pg(2), pg(2))
	require.NotNil(t, second)

	// The two cut pages (and their commitment) return to the pool;
	// everything else stays accounted to the two survivors.
	assert.Equal(t, availBefore+2, env.Pool.Available())

	first, sc := area.Cache(), second.Cache()
	first.Lock()
	assert.Equal(t, pg(2), first.CommittedSize())
	first.Unlock()
	sc.Lock()
	assert.Equal(t, pg(2), sc.CommittedSize())
	sc.Unlock()

	// Tearing both regions down returns every frame.
	env.MustCut(t, area, area.Base(), area.Size())
	env.MustCut(t, second, second.Base(), second.Size())
}

// TestChainConsolidatesOnConsumerRelease maps a temporary store
// privately twice, deletes one mapping, and checks the orphaned store
// merges into the surviving consumer.
func TestChainConsolidatesOnConsumerRelease(t *testing.T) {
	env := testutil.SetupEnv(t, 32, 64)
	store := env.NewStore(t, 2, vm.CacheOptions{Temporary: true})
	availStart := env.Pool.Available()

	store.Lock()
	src, err := store.InsertPageLocked(0)
	require.NoError(t, err)
	env.Pool.Bytes(src)[0] = 's'
	store.Unlock()

	a1 := env.MustBind(t, store, vm.MapOptions{
		Name: "first", Size: pg(2), Protection: page.Read | page.Write,
		Mapping: vm.MappingPrivate,
	})
	a2 := env.MustBind(t, store, vm.MapOptions{
		Name: "second", Size: pg(2), Protection: page.Read | page.Write,
		Mapping: vm.MappingPrivate,
	})
	survivor := a2.Cache()

	// Deleting the first mapping leaves the store with one consumer
	// and no areas of its own: it folds into the survivor.
	env.MustCut(t, a1, a1.Base(), a1.Size())

	survivor.Lock()
	assert.Nil(t, survivor.Source(), "survivor must have taken over the chain bottom")
	f, ok := survivor.LookupPageLocked(0)
	require.True(t, ok, "survivor must have adopted the store's page")
	survivor.Unlock()
	assert.Equal(t, byte('s'), env.Pool.Bytes(f)[0])

	// The merged chain still serves faults.
	require.NoError(t, vm.FaultPage(env.Space, a2.Base(), true))

	env.MustCut(t, a2, a2.Base(), a2.Size())
	assert.Equal(t, availStart, env.Pool.Available(),
		"every frame outside the store's own commitment must be back")
}
