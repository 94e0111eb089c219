package page

// Table is a packed per-page protection table: one 4-bit entry per page
// (3 protection bits + 1 padding bit), two entries per byte, low nibble
// first. A Table always covers a whole area; its length in entries must
// match the area's size in pages.
//
// Tables are plain values with no internal locking. The owning area's
// cache lock (plus the address-space write lock for structural changes)
// guards all access.
type Table struct {
	bits  []byte
	pages int
}

// NewTable returns a table for pages entries, all set to fill.
func NewTable(pages int, fill Protection) *Table {
	t := &Table{
		bits:  make([]byte, (pages+1)/2),
		pages: pages,
	}
	if fill&UserMask != 0 {
		for i := 0; i < pages; i++ {
			t.Set(i, fill)
		}
	}
	return t
}

// Pages returns the number of entries in the table.
func (t *Table) Pages() int { return t.pages }

// Get returns the protection entry for page index i.
func (t *Table) Get(i int) Protection {
	b := t.bits[i/2]
	if i%2 == 1 {
		b >>= 4
	}
	return Protection(b) & UserMask
}

// Set stores the user bits of p as the entry for page index i.
func (t *Table) Set(i int, p Protection) {
	v := byte(p & UserMask)
	if i%2 == 1 {
		t.bits[i/2] = t.bits[i/2]&0x0f | v<<4
	} else {
		t.bits[i/2] = t.bits[i/2]&0xf0 | v
	}
}

// CutTail returns a new table holding the first pages entries. Surviving
// entries keep their array positions, so this is a truncating copy; the
// receiver is left untouched for rollback.
func (t *Table) CutTail(pages int) *Table {
	nt := &Table{
		bits:  make([]byte, (pages+1)/2),
		pages: pages,
	}
	copy(nt.bits, t.bits)
	if pages%2 == 1 {
		// Clear the stale high nibble of the last byte.
		nt.bits[len(nt.bits)-1] &= 0x0f
	}
	return nt
}

// CutHead returns a new table holding the entries from index skip to the
// end, shifted to start at index 0. The receiver is left untouched.
func (t *Table) CutHead(skip int) *Table {
	pages := t.pages - skip
	nt := &Table{
		bits:  make([]byte, (pages+1)/2),
		pages: pages,
	}
	for i := 0; i < pages; i++ {
		nt.Set(i, t.Get(skip+i))
	}
	return nt
}

// Slice returns a new table holding entries [from, from+pages), shifted
// to start at index 0. The receiver is left untouched.
func (t *Table) Slice(from, pages int) *Table {
	nt := &Table{
		bits:  make([]byte, (pages+1)/2),
		pages: pages,
	}
	for i := 0; i < pages; i++ {
		nt.Set(i, t.Get(from+i))
	}
	return nt
}
