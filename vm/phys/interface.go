package phys

// Frame is a physical page-frame handle: the frame's index in its
// arena. NilFrame is never a valid allocation result.
type Frame uint64

// NilFrame is the zero value no allocated frame ever takes; Pool keeps
// frame 0 out of circulation so the zero value stays distinguishable.
const NilFrame Frame = 0

// Allocator is the page-frame source the area/cache layer draws from.
//
// Implementations:
//   - Pool: fixed-arena allocator with a frame free list
//
// Reserve is the single point where memory pressure surfaces as an
// error. After a successful Reserve(n), the next n AllocPage calls must
// succeed; an implementation that cannot honor that must panic, not
// return an error (see the package documentation).
type Allocator interface {
	// Reserve sets aside n frames of commitment. It may block under
	// memory pressure and returns ErrNoSpace on exhaustion.
	Reserve(n int) error

	// Unreserve returns n frames of commitment.
	Unreserve(n int)

	// AllocPage allocates one previously reserved frame.
	AllocPage() Frame

	// AllocRun allocates n physically contiguous reserved frames and
	// returns the first. Returns ErrNoRun when fragmentation prevents it.
	AllocRun(n int) (Frame, error)

	// FreePage returns a frame and releases its reservation.
	FreePage(f Frame) error

	// Bytes returns the frame's backing memory (page.Size long).
	Bytes(f Frame) []byte

	// Available returns the number of unreserved frames remaining.
	Available() int
}
