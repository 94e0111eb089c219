package vm

import "errors"

var (
	// ErrNoMemory indicates an allocation or commitment failure. The
	// failed operation has been fully rolled back and may be retried.
	ErrNoMemory = errors.New("vm: out of memory")

	// ErrInvalidArgument indicates a zero-size request, a mis-aligned
	// address or offset, or an out-of-bounds placement. Rejected before
	// any mutation.
	ErrInvalidArgument = errors.New("vm: invalid argument")

	// ErrSpaceUnavailable indicates the address space is being torn
	// down; the caller must abort.
	ErrSpaceUnavailable = errors.New("vm: address space unavailable")

	// ErrProtectionViolation indicates a fault whose access kind the
	// page's protection does not permit.
	ErrProtectionViolation = errors.New("vm: protection violation")
)
