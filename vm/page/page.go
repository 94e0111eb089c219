package page

// Size is the page size in bytes. The area/cache layer is specified for
// 4KB pages only; larger page sizes are composed elsewhere.
const (
	Size  = 4096
	Shift = 12
	Mask  = Size - 1
)

// Protection is a bit set describing allowed access to a page or area.
type Protection uint8

const (
	Read Protection = 1 << iota
	Write
	Execute
	KernelRead
	KernelWrite
)

// UserMask covers the bits a per-page protection entry can carry.
const UserMask = Read | Write | Execute

// KernelMask covers the bits that always stay on the area itself.
const KernelMask = KernelRead | KernelWrite

// AlignDown returns addr rounded down to a page boundary.
func AlignDown(addr uint64) uint64 {
	return addr &^ uint64(Mask)
}

// AlignUp returns n rounded up to a page boundary.
func AlignUp(n uint64) uint64 {
	return (n + Mask) &^ uint64(Mask)
}

// Aligned reports whether n sits on a page boundary.
func Aligned(n uint64) bool {
	return n&Mask == 0
}

// Count returns the number of pages covering n bytes. n must be
// page-aligned in this layer, but Count rounds up regardless.
func Count(n uint64) int {
	return int(AlignUp(n) >> Shift)
}

// Index returns the page index of the page-aligned byte offset off.
func Index(off uint64) int {
	return int(off >> Shift)
}
