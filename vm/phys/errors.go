package phys

import "errors"

var (
	// ErrNoSpace indicates the reservation would exceed available frames.
	ErrNoSpace = errors.New("phys: out of page frames")

	// ErrBadFrame indicates an invalid or out-of-range frame handle.
	ErrBadFrame = errors.New("phys: bad frame")

	// ErrNotAllocated indicates an attempt to free a frame that is free.
	ErrNotAllocated = errors.New("phys: frame is not allocated")

	// ErrNoRun indicates no contiguous run of the requested length exists.
	ErrNoRun = errors.New("phys: no contiguous run available")
)
