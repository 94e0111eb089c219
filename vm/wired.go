package vm

// WiredRange records a sub-range of an area whose pages are pinned by
// an in-flight operation. Structural mutation of the range must wait
// for the pin to clear.
//
// The list and every range in it are guarded by the area's cache lock.
type WiredRange struct {
	base uint64
	size uint64

	// done is closed when the range is unwired, releasing every
	// waiter at once.
	done chan struct{}
}

// Base returns the first wired address.
func (r *WiredRange) Base() uint64 { return r.base }

// Size returns the wired length in bytes.
func (r *WiredRange) Size() uint64 { return r.size }

// WireLocked pins [base, base+size) and returns the range handle the
// caller must pass to UnwireLocked. Caller holds the cache lock.
func (a *Area) WireLocked(base, size uint64) *WiredRange {
	r := &WiredRange{base: base, size: size, done: make(chan struct{})}
	a.wired = append(a.wired, r)
	return r
}

// UnwireLocked releases a pin and wakes every waiter registered on it.
// Caller holds the cache lock.
func (a *Area) UnwireLocked(r *WiredRange) {
	for i, w := range a.wired {
		if w == r {
			a.wired = append(a.wired[:i], a.wired[i+1:]...)
			close(r.done)
			return
		}
	}
	panic("vm: unwiring a range that is not wired")
}

// AddWaiterIfWiredLocked checks whether any page of [base, base+size)
// (the whole area when size is zero) is wired. If so it registers the
// caller as a waiter and returns a channel that is closed when the
// blocking pin clears, along with true.
//
// The caller must then drop every lock it holds - the cache lock and
// any outer locks - block on the channel, and restart the whole
// operation from lookup: the area and cache may have changed shape
// while it slept. There is no timeout; the only way forward is for the
// wiring operation to finish.
//
// Caller holds the cache lock.
func (a *Area) AddWaiterIfWiredLocked(base, size uint64) (<-chan struct{}, bool) {
	if size == 0 {
		base, size = a.base, a.size
	}
	for _, r := range a.wired {
		if base < r.base+r.size && r.base < base+size {
			return r.done, true
		}
	}
	return nil, false
}
