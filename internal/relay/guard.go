package relay

import "sync/atomic"

// Guard runs a callback exactly once, when the last of its references is
// released.
type Guard struct {
	refs atomic.Int64
	fire func()
}

// GuardRef is one owner's reference to a Guard. Releasing a GuardRef more than
// once has no further effect.
type GuardRef struct {
	g        *Guard
	released atomic.Bool
}

// NewGuard creates a Guard holding a single reference, which is returned.
func NewGuard(fire func()) *GuardRef {
	g := &Guard{fire: fire}
	g.refs.Store(1)
	return &GuardRef{g: g}
}

// Clone adds a reference to the guard. Cloning a released reference panics:
// once the count reached zero the callback has already run.
func (r *GuardRef) Clone() *GuardRef {
	if r.released.Load() {
		panic("relay: clone of released guard reference")
	}
	for {
		n := r.g.refs.Load()
		if n <= 0 {
			panic("relay: clone of fired guard")
		}
		if r.g.refs.CompareAndSwap(n, n+1) {
			return &GuardRef{g: r.g}
		}
	}
}

// Release drops this reference, running the callback if it was the last one.
func (r *GuardRef) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.g.refs.Add(-1) == 0 {
		r.g.fire()
	}
}
