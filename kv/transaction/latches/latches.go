package latches

import (
	"fmt"
	"sync"
)

// Latching serialises the commits of a branch. A latch is a per-branch lock owned by one transaction at a
// time; commits on different branches never wait for each other. Latches are reentrant: the owner may acquire
// a latch it holds again and must release it as many times as it acquired it.
//
// Latching is implemented using a single map which maps branches to their latch. Access to this map is guarded
// by a mutex so that acquiring and releasing is atomic and consistent. Threads who find a branch latched by
// another owner wait on the WaitGroup of that latch and try again once it is released.

type latch struct {
	owner string
	count int
	wg    *sync.WaitGroup
}

type Latches struct {
	// Before committing to a branch, the thread must hold the latch for that branch.
	latchMap map[string]*latch
	// Mutex to guard latchMap. A thread must hold this mutex while it makes any change to latchMap.
	latchGuard sync.Mutex
	// An optional validation function, called with the latch held. Only used for testing.
	Validation func(branch, owner string)
}

// NewLatches creates a new Latches object for managing the latches of a database. There should only be one
// such object, shared between all threads.
func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[string]*latch)
	return l
}

// AcquireLatch tries to latch branch for owner. If this succeeds, true is returned. Otherwise the WaitGroup of
// the current holder is returned, which the thread can use to be woken when the latch is free.
func (l *Latches) AcquireLatch(branch, owner string) (bool, *sync.WaitGroup) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	if lt, ok := l.latchMap[branch]; ok {
		if lt.owner != owner {
			return false, lt.wg
		}
		lt.count++
		return true, nil
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	l.latchMap[branch] = &latch{owner: owner, count: 1, wg: wg}
	return true, nil
}

// ReleaseLatch undoes one acquisition of the latch of branch by owner. The latch is freed, waking up anyone
// blocked on it, once every acquisition has been undone. Releasing a latch that owner does not hold panics.
func (l *Latches) ReleaseLatch(branch, owner string) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	lt, ok := l.latchMap[branch]
	if !ok || lt.owner != owner {
		panic(fmt.Sprintf("latch of branch %s released by %s which does not hold it", branch, owner))
	}
	lt.count--
	if lt.count == 0 {
		delete(l.latchMap, branch)
		lt.wg.Done()
	}
}

// WaitForLatch latches branch for owner, waiting for other owners to release it first. Therefore WaitForLatch
// may block for an unbounded length of time.
func (l *Latches) WaitForLatch(branch, owner string) {
	for {
		ok, wg := l.AcquireLatch(branch, owner)
		if ok {
			return
		}
		wg.Wait()
	}
}

// Holder reports who holds the latch of branch and how many times, an empty owner if it is free.
func (l *Latches) Holder(branch string) (owner string, count int) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()
	if lt, ok := l.latchMap[branch]; ok {
		return lt.owner, lt.count
	}
	return "", 0
}

// Validate calls the function in Validation, if it exists.
func (l *Latches) Validate(branch, owner string) {
	if l.Validation != nil {
		l.Validation(branch, owner)
	}
}
