// Package page provides page-granular constants, alignment helpers,
// protection bits, and the packed per-page protection table used by the
// area/cache layer.
//
// # Pages
//
// The layer works in fixed 4KB pages. Addresses, area sizes, and cache
// offsets handled by the vm package are always page-aligned; the helpers
// here (AlignDown, AlignUp, Count) centralize that arithmetic.
//
// # Protection
//
// Protection is a small bit set:
//
//	Read          user read
//	Write         user write
//	Execute       user execute
//	KernelRead    kernel read
//	KernelWrite   kernel write
//
// An area carries one area-wide Protection. When per-page protections
// are in use, the area instead owns a Table with one 4-bit entry per
// page (3 protection bits plus one padding bit), two entries per byte.
// Once a Table exists it is authoritative for the user bits; the
// area-wide value keeps only the kernel bits.
//
// # Related Packages
//
//   - github.com/kestrelos/vmkit/vm: areas and caches built on these types
//   - github.com/kestrelos/vmkit/vm/transmap: consumes Protection for mappings
package page
