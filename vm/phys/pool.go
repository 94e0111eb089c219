package phys

import (
	"fmt"
	"sync"

	"github.com/kestrelos/vmkit/vm/page"
)

// Pool is a fixed-arena frame allocator.
//
// Free frames live on a LIFO free list for O(1) AllocPage/FreePage. An
// allocation bitmap backs AllocRun's contiguous scan; list entries
// taken by a run are skipped lazily when popped.
//
// Frame 0 is kept permanently allocated so NilFrame never escapes.
type Pool struct {
	mu sync.Mutex

	arena   []byte
	cleanup func() error

	frames    int
	free      []Frame
	allocated []uint64 // bitmap, 1 = allocated

	reserved int // frames promised to callers but not yet allocated
	inUse    int // frames currently allocated (excluding frame 0)
}

// NewPool creates a pool with the given number of usable frames.
func NewPool(frames int) (*Pool, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("phys: pool size must be positive, got %d", frames)
	}
	total := frames + 1 // frame 0 stays out of circulation
	arena, cleanup, err := newArena(total * page.Size)
	if err != nil {
		return nil, fmt.Errorf("phys: arena: %w", err)
	}
	p := &Pool{
		arena:     arena,
		cleanup:   cleanup,
		frames:    total,
		free:      make([]Frame, 0, frames),
		allocated: make([]uint64, (total+63)/64),
	}
	p.setAllocated(0, true)
	for f := total - 1; f >= 1; f-- {
		p.free = append(p.free, Frame(f))
	}
	return p, nil
}

// Close releases the arena. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arena = nil
	if p.cleanup == nil {
		return nil
	}
	return p.cleanup()
}

func (p *Pool) setAllocated(f Frame, on bool) {
	if on {
		p.allocated[f/64] |= 1 << (f % 64)
	} else {
		p.allocated[f/64] &^= 1 << (f % 64)
	}
}

func (p *Pool) isAllocated(f Frame) bool {
	return p.allocated[f/64]&(1<<(f%64)) != 0
}

// availableLocked is usable frames minus live allocations and pending
// reservations.
func (p *Pool) availableLocked() int {
	return (p.frames - 1) - p.inUse - p.reserved
}

// Available returns the number of unreserved free frames.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

// Reserve sets aside n frames. Returns ErrNoSpace if fewer than n
// unreserved frames remain.
func (p *Pool) Reserve(n int) error {
	if n < 0 {
		return fmt.Errorf("phys: negative reservation %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.availableLocked() < n {
		return ErrNoSpace
	}
	p.reserved += n
	return nil
}

// Unreserve returns n frames of commitment.
func (p *Pool) Unreserve(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.reserved {
		panic(fmt.Sprintf("phys: unreserve %d exceeds reservation %d", n, p.reserved))
	}
	p.reserved -= n
}

// AllocPage allocates one reserved frame. The caller must hold an
// unconsumed reservation; allocating past it is an accounting bug and
// panics.
func (p *Pool) AllocPage() Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved == 0 {
		panic("phys: page allocated without reservation")
	}
	for len(p.free) > 0 {
		f := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		if p.isAllocated(f) {
			// Taken by AllocRun; stale list entry.
			continue
		}
		p.setAllocated(f, true)
		p.reserved--
		p.inUse++
		clear(p.arena[int(f)*page.Size : (int(f)+1)*page.Size])
		return f
	}
	panic("phys: reservation held but free list empty")
}

// AllocRun allocates n contiguous reserved frames, returning the first.
func (p *Pool) AllocRun(n int) (Frame, error) {
	if n <= 0 {
		return NilFrame, fmt.Errorf("phys: run length must be positive, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved < n {
		panic(fmt.Sprintf("phys: run of %d allocated with only %d reserved", n, p.reserved))
	}
	run := 0
	for f := Frame(1); int(f) < p.frames; f++ {
		if p.isAllocated(f) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := f - Frame(n) + 1
			for g := start; g <= f; g++ {
				p.setAllocated(g, true)
			}
			p.reserved -= n
			p.inUse += n
			clear(p.arena[int(start)*page.Size : (int(f)+1)*page.Size])
			return start, nil
		}
	}
	return NilFrame, ErrNoRun
}

// FreePage returns a frame to the pool. The frame's reservation was
// consumed at allocation time, so freeing only grows the free set.
func (p *Pool) FreePage(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == NilFrame || int(f) >= p.frames {
		return ErrBadFrame
	}
	if !p.isAllocated(f) {
		return ErrNotAllocated
	}
	p.setAllocated(f, false)
	p.inUse--
	p.free = append(p.free, f)
	return nil
}

// Bytes returns the frame's backing memory.
func (p *Pool) Bytes(f Frame) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == NilFrame || int(f) >= p.frames || !p.isAllocated(f) {
		panic(fmt.Sprintf("phys: Bytes on invalid frame %d", f))
	}
	return p.arena[int(f)*page.Size : (int(f)+1)*page.Size]
}
