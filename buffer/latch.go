package buffer

import "sync/atomic"

// OptLock is an optimistic version latch. The low bit of the version marks an
// exclusive holder, every exclusive release increments the counter. Readers
// never write to the latch word; they snapshot the version and validate it
// later with Recheck.
type OptLock struct {
	version atomic.Uint64
}

// Version returns the current raw latch word.
func (l *OptLock) Version() uint64 {
	return l.version.Load()
}

// IsExclusivelyLatched reports whether some thread holds the latch exclusively
// at this instant. The answer may be stale by the time it is returned.
func (l *OptLock) IsExclusivelyLatched() bool {
	return l.version.Load()&1 == 1
}

// ReadLock snapshots the version. The snapshot may be taken while an exclusive
// holder is active; Recheck fails in that case.
func (l *OptLock) ReadLock() ReadGuard {
	return ReadGuard{latch: l, version: l.version.Load()}
}

// ReadGuard is an optimistic read lock over one OptLock. Every value read
// while holding only a ReadGuard is speculative until Recheck succeeds.
type ReadGuard struct {
	latch   *OptLock
	version uint64
}

// Recheck returns ErrRestart when the latch changed since the guard was
// acquired, or when it was exclusively held at acquisition time.
func (g *ReadGuard) Recheck() error {
	if g.version&1 == 1 || g.version != g.latch.version.Load() {
		return ErrRestart
	}
	return nil
}

// Upgrade atomically promotes the guard to an exclusive one by setting the
// low bit. Any concurrent change, shared or exclusive, makes it fail with
// ErrRestart. On success the originating ReadGuard tracks the new version so
// it stays valid across the exclusive section.
func (g *ReadGuard) Upgrade() (*ExclusiveGuard, error) {
	if g.version&1 == 1 {
		return nil, ErrRestart
	}
	if !g.latch.version.CompareAndSwap(g.version, g.version+1) {
		return nil, ErrRestart
	}
	g.version++
	return &ExclusiveGuard{rg: g}, nil
}

// ExclusiveGuard is an exclusive lock upgraded from a ReadGuard. Unlock
// increments the version and clears the low bit, which invalidates every
// other outstanding ReadGuard over the same latch.
type ExclusiveGuard struct {
	rg       *ReadGuard
	released bool
}

// Unlock releases the exclusive lock. It is idempotent so it can be deferred
// on paths that may also release eagerly.
func (x *ExclusiveGuard) Unlock() {
	if x.released {
		return
	}
	x.released = true
	x.rg.version++
	x.rg.latch.version.Store(x.rg.version)
}
