package page

import "testing"

func TestAlign(t *testing.T) {
	if got := AlignDown(0x1fff); got != 0x1000 {
		t.Fatalf("AlignDown(0x1fff) = %#x, want 0x1000", got)
	}
	if got := AlignUp(0x1001); got != 0x2000 {
		t.Fatalf("AlignUp(0x1001) = %#x, want 0x2000", got)
	}
	if got := AlignUp(0x2000); got != 0x2000 {
		t.Fatalf("AlignUp(0x2000) = %#x, want 0x2000", got)
	}
	if !Aligned(0x3000) || Aligned(0x3001) {
		t.Fatal("Aligned misclassified boundary")
	}
}

func TestCount(t *testing.T) {
	cases := []struct {
		bytes uint64
		pages int
	}{
		{0, 0},
		{1, 1},
		{Size, 1},
		{Size + 1, 2},
		{4 * Size, 4},
	}
	for _, c := range cases {
		if got := Count(c.bytes); got != c.pages {
			t.Fatalf("Count(%#x) = %d, want %d", c.bytes, got, c.pages)
		}
	}
}

func TestTable_SetGet(t *testing.T) {
	tb := NewTable(5, 0)
	tb.Set(0, Read)
	tb.Set(1, Read|Write)
	tb.Set(4, Execute)
	if tb.Get(0) != Read {
		t.Fatalf("entry 0 = %v, want Read", tb.Get(0))
	}
	if tb.Get(1) != Read|Write {
		t.Fatalf("entry 1 = %v, want Read|Write", tb.Get(1))
	}
	if tb.Get(2) != 0 || tb.Get(3) != 0 {
		t.Fatal("untouched entries should be zero")
	}
	if tb.Get(4) != Execute {
		t.Fatalf("entry 4 = %v, want Execute", tb.Get(4))
	}
}

func TestTable_KernelBitsMasked(t *testing.T) {
	tb := NewTable(2, 0)
	tb.Set(0, Read|KernelWrite)
	if tb.Get(0) != Read {
		t.Fatalf("kernel bits must not enter the table, got %v", tb.Get(0))
	}
}

func TestTable_Fill(t *testing.T) {
	tb := NewTable(7, Read|Write)
	for i := 0; i < 7; i++ {
		if tb.Get(i) != Read|Write {
			t.Fatalf("entry %d = %v, want Read|Write", i, tb.Get(i))
		}
	}
}

func TestTable_CutTail(t *testing.T) {
	tb := NewTable(6, 0)
	for i := 0; i < 6; i++ {
		tb.Set(i, Protection(i%4))
	}
	nt := tb.CutTail(3)
	if nt.Pages() != 3 {
		t.Fatalf("Pages() = %d, want 3", nt.Pages())
	}
	for i := 0; i < 3; i++ {
		if nt.Get(i) != tb.Get(i) {
			t.Fatalf("entry %d changed across CutTail", i)
		}
	}
	// Original must be intact for rollback.
	if tb.Pages() != 6 || tb.Get(5) != Protection(5%4) {
		t.Fatal("CutTail mutated the receiver")
	}
}

func TestTable_CutHead(t *testing.T) {
	tb := NewTable(6, 0)
	for i := 0; i < 6; i++ {
		tb.Set(i, Protection(i%4))
	}
	nt := tb.CutHead(2)
	if nt.Pages() != 4 {
		t.Fatalf("Pages() = %d, want 4", nt.Pages())
	}
	for i := 0; i < 4; i++ {
		if nt.Get(i) != tb.Get(i+2) {
			t.Fatalf("entry %d not shifted correctly", i)
		}
	}
}

func TestTable_Slice(t *testing.T) {
	tb := NewTable(8, 0)
	for i := 0; i < 8; i++ {
		tb.Set(i, Protection(i%4))
	}
	nt := tb.Slice(3, 4)
	for i := 0; i < 4; i++ {
		if nt.Get(i) != tb.Get(3+i) {
			t.Fatalf("slice entry %d mismatch", i)
		}
	}
}
