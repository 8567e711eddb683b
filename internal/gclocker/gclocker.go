// Package gclocker holds off collections while threads are in critical
// regions holding raw pointers into the heap.
//
// A collection requested while the locker is active is deferred: the
// request sets a needs-GC flag, new critical entries wait, and the last
// thread to leave runs the deferred collection.
package gclocker

import (
	"sync"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/task"
)

// Locker counts threads in critical regions.
type Locker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int
	needsGC  atomic.Bool
	doingGC  bool
	active   atomic.Bool
	stalls   atomic.Uint64
	deferred atomic.Uint64

	// collect runs the deferred collection for the last thread out.
	collect func(t *task.Thread)
}

// New returns an inactive locker. collect is called, without the
// locker's lock, by the last thread to leave a critical region while a
// collection is pending.
func New(collect func(t *task.Thread)) *Locker {
	l := &Locker{collect: collect}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// IsActive reports whether any thread is in a critical region.
func (l *Locker) IsActive() bool { return l.active.Load() }

// NeedsGC reports whether a collection was deferred.
func (l *Locker) NeedsGC() bool { return l.needsGC.Load() }

// IsActiveAndNeedsGC reports whether a deferred collection is waiting for
// critical regions to drain.
func (l *Locker) IsActiveAndNeedsGC() bool { return l.needsGC.Load() && l.active.Load() }

// CheckActiveBeforeGC is called by a collection about to start. If the
// locker is active the collection must not run; the request is recorded
// so the last thread out runs it.
func (l *Locker) CheckActiveBeforeGC() bool {
	if l.IsActive() {
		if !l.needsGC.Swap(true) {
			l.deferred.Add(1)
		}
	}
	return l.IsActive()
}

// Enter is called by t on entry to a critical region. If a collection is
// pending t waits for it, unless t is already in a critical region.
func (l *Locker) Enter(t *task.Thread) {
	if t.InCritical() {
		t.EnterCritical()
		l.mu.Lock()
		l.count++
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	if l.needsGC.Load() || l.doingGC {
		l.mu.Unlock()
		t.BlockInVM(func() {
			l.mu.Lock()
			for l.needsGC.Load() || l.doingGC {
				l.cond.Wait()
			}
			l.mu.Unlock()
		})
		l.mu.Lock()
	}
	l.count++
	l.active.Store(true)
	t.EnterCritical()
	l.mu.Unlock()
}

// Exit is called by t on leaving a critical region. The last thread out
// runs a pending collection.
func (l *Locker) Exit(t *task.Thread) {
	l.mu.Lock()
	gclog.Guarantee(l.count > 0, "critical exit without entry")
	t.ExitCritical()
	l.count--
	if l.count > 0 {
		l.mu.Unlock()
		return
	}
	l.active.Store(false)
	if !l.needsGC.Load() || t.InCritical() {
		l.mu.Unlock()
		return
	}
	l.doingGC = true
	l.mu.Unlock()

	if l.collect != nil {
		l.collect(t)
	}

	l.mu.Lock()
	l.doingGC = false
	l.needsGC.Store(false)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// StallUntilClear waits, Blocked, until no collection is pending.
func (l *Locker) StallUntilClear(t *task.Thread) {
	l.stalls.Add(1)
	t.BlockInVM(func() {
		l.mu.Lock()
		for l.needsGC.Load() || l.doingGC {
			l.cond.Wait()
		}
		l.mu.Unlock()
	})
}

// Stats returns how often allocations stalled and how many collections
// were deferred.
func (l *Locker) Stats() (stalls, deferred uint64) {
	return l.stalls.Load(), l.deferred.Load()
}
