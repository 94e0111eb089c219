package vm

// ChainLocker walks a cache's source chain, locking top-to-bottom and
// unlocking bottom-to-top. Taking the locks in source order is the one
// ordering that cannot deadlock against another thread walking the
// same chain from a different top, and it is the order required before
// merging a zero-consumer cache into its source.
//
// Every source locked by the walk also gains a reference, so the chain
// cannot be torn down underneath the locker. The top cache's ref is
// the caller's business.
//
// A ChainLocker belongs to one operation on one goroutine.
type ChainLocker struct {
	caches []*Cache // acquisition order: caches[0] is the top
}

// LockTop locks c and starts a chain with c as both top and bottom.
func LockTop(c *Cache) *ChainLocker {
	c.Lock()
	return &ChainLocker{caches: []*Cache{c}}
}

// AdoptTop starts a chain around a cache the caller has already
// locked.
func AdoptTop(c *Cache) *ChainLocker {
	return &ChainLocker{caches: []*Cache{c}}
}

// Top returns the chain's top cache.
func (l *ChainLocker) Top() *Cache { return l.caches[0] }

// Bottom returns the lowest cache locked so far.
func (l *ChainLocker) Bottom() *Cache { return l.caches[len(l.caches)-1] }

// Depth returns the number of locked caches.
func (l *ChainLocker) Depth() int { return len(l.caches) }

// LockSourceChain locks the current bottom's source, takes a ref on
// it, and makes it the new bottom. Returns false when the bottom has
// no source.
func (l *ChainLocker) LockSourceChain() bool {
	src := l.Bottom().source
	if src == nil {
		return false
	}
	src.Lock()
	src.AcquireRefLocked()
	l.caches = append(l.caches, src)
	return true
}

// LockAllSources walks to the bottom of the chain.
func (l *ChainLocker) LockAllSources() {
	for l.LockSourceChain() {
	}
}

// Unlock releases the chain bottom-to-top: each source loses the ref
// the walk added and its lock; the top is only unlocked. A non-nil
// except cache is skipped entirely, left locked with its ref intact,
// for callers that need one cache to outlive the walk. The locker is
// spent afterwards.
func (l *ChainLocker) Unlock(except *Cache) {
	for i := len(l.caches) - 1; i >= 0; i-- {
		c := l.caches[i]
		if c == except {
			continue
		}
		if i == 0 {
			c.Unlock()
		} else {
			c.ReleaseRefAndUnlock()
		}
	}
	l.caches = nil
}

// UnlockKeepRefs releases the locks bottom-to-top but keeps every ref
// and the recorded chain, so RelockCaches can re-acquire in the same
// order. With keepTopLocked the top stays locked.
func (l *ChainLocker) UnlockKeepRefs(keepTopLocked bool) {
	for i := len(l.caches) - 1; i >= 0; i-- {
		if i == 0 && keepTopLocked {
			break
		}
		l.caches[i].Unlock()
	}
}

// RelockCaches re-acquires the recorded chain top-to-bottom after an
// UnlockKeepRefs. With topAlreadyLocked the top is skipped.
func (l *ChainLocker) RelockCaches(topAlreadyLocked bool) {
	for i, c := range l.caches {
		if i == 0 && topAlreadyLocked {
			continue
		}
		c.Lock()
	}
}
