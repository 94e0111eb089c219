package phys

import (
	"errors"
	"testing"

	"github.com/kestrelos/vmkit/vm/page"
)

func newTestPool(t *testing.T, frames int) *Pool {
	t.Helper()
	p, err := NewPool(frames)
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

func TestPool_ReserveAlloc(t *testing.T) {
	p := newTestPool(t, 8)
	if err := p.Reserve(3); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	seen := map[Frame]bool{}
	for i := 0; i < 3; i++ {
		f := p.AllocPage()
		if f == NilFrame {
			t.Fatal("AllocPage returned NilFrame")
		}
		if seen[f] {
			t.Fatalf("frame %d allocated twice", f)
		}
		seen[f] = true
	}
	if got := p.Available(); got != 5 {
		t.Fatalf("Available = %d, want 5", got)
	}
}

func TestPool_ReserveExhaustion(t *testing.T) {
	p := newTestPool(t, 4)
	if err := p.Reserve(4); err != nil {
		t.Fatalf("Reserve(4): %v", err)
	}
	if err := p.Reserve(1); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("Reserve past capacity = %v, want ErrNoSpace", err)
	}
	p.Unreserve(4)
	if err := p.Reserve(1); err != nil {
		t.Fatalf("Reserve after Unreserve: %v", err)
	}
}

func TestPool_AllocWithoutReservationPanics(t *testing.T) {
	p := newTestPool(t, 2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	p.AllocPage()
}

func TestPool_FreeReturnsFrame(t *testing.T) {
	p := newTestPool(t, 2)
	if err := p.Reserve(2); err != nil {
		t.Fatal(err)
	}
	a, b := p.AllocPage(), p.AllocPage()
	if err := p.FreePage(a); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	if err := p.FreePage(a); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("double free = %v, want ErrNotAllocated", err)
	}
	if err := p.FreePage(b); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	if got := p.Available(); got != 2 {
		t.Fatalf("Available = %d, want 2", got)
	}
}

func TestPool_AllocRunContiguous(t *testing.T) {
	p := newTestPool(t, 16)
	if err := p.Reserve(4); err != nil {
		t.Fatal(err)
	}
	start, err := p.AllocRun(4)
	if err != nil {
		t.Fatalf("AllocRun: %v", err)
	}
	for i := 0; i < 4; i++ {
		if !p.isAllocated(start + Frame(i)) {
			t.Fatalf("frame %d of run not allocated", i)
		}
	}
}

func TestPool_BytesZeroed(t *testing.T) {
	p := newTestPool(t, 2)
	if err := p.Reserve(1); err != nil {
		t.Fatal(err)
	}
	f := p.AllocPage()
	buf := p.Bytes(f)
	if len(buf) != page.Size {
		t.Fatalf("Bytes len = %d, want %d", len(buf), page.Size)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: 0x%x", i, b)
		}
	}
	buf[0] = 0xaa
	if err := p.FreePage(f); err != nil {
		t.Fatal(err)
	}
	if err := p.Reserve(1); err != nil {
		t.Fatal(err)
	}
	g := p.AllocPage()
	if got := p.Bytes(g)[0]; got != 0 {
		t.Fatalf("recycled frame not rezeroed: 0x%x", got)
	}
}

func TestPool_StaleFreeListEntrySkipped(t *testing.T) {
	// AllocRun marks frames allocated without touching the free list;
	// AllocPage must skip those stale entries.
	p := newTestPool(t, 8)
	if err := p.Reserve(8); err != nil {
		t.Fatal(err)
	}
	if _, err := p.AllocRun(4); err != nil {
		t.Fatal(err)
	}
	seen := map[Frame]bool{}
	for i := 0; i < 4; i++ {
		f := p.AllocPage()
		if p.isAllocated(f) != true || seen[f] {
			t.Fatalf("bad frame %d from AllocPage", f)
		}
		seen[f] = true
	}
}
