package latches

import (
	"sync"

	"go.uber.org/atomic"
)

// LockManager pairs the branch latches with a database wide lock. Commits hold the database lock shared, so
// commits keep running side by side while operations that must see no commit in flight, like a reindex or
// branch creation, take it exclusively.
type LockManager struct {
	db      sync.RWMutex
	latches *Latches
}

func NewLockManager() *LockManager {
	return &LockManager{latches: NewLatches()}
}

func (m *LockManager) Latches() *Latches {
	return m.latches
}

// LockBranch blocks until owner holds the commit latch of branch. The returned guard must be released exactly
// once. An owner that already holds the latch gets it again without waiting.
func (m *LockManager) LockBranch(branch, owner string) *Guard {
	g := &Guard{release: func() { m.latches.ReleaseLatch(branch, owner) }}
	// Only the owner can release its latch, so this cannot change under us when it is ours.
	if holder, _ := m.latches.Holder(branch); holder != owner {
		m.db.RLock()
		release := g.release
		g.release = func() {
			release()
			m.db.RUnlock()
		}
	}
	m.latches.WaitForLatch(branch, owner)
	m.latches.Validate(branch, owner)
	return g
}

// LockExclusive blocks until no commit is in flight and keeps new ones out until the guard is released.
func (m *LockManager) LockExclusive() *Guard {
	m.db.Lock()
	return &Guard{release: m.db.Unlock}
}

// Guard is a held lock.
type Guard struct {
	release  func()
	released atomic.Bool
}

// Release unlocks, releasing a guard twice panics.
func (g *Guard) Release() {
	if g.released.Swap(true) {
		panic("lock guard released twice")
	}
	g.release()
}
