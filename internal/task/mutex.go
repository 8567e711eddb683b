package task

import (
	"sync"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/gclog"
)

// Mutex is a lock taken by threads in the VM. A thread that has to wait
// for it waits Blocked, so it does not hold up a safepoint.
type Mutex struct {
	name  string
	mu    sync.Mutex
	owner atomic.Pointer[Thread]
}

// NewMutex returns an unlocked mutex.
func NewMutex(name string) *Mutex { return &Mutex{name: name} }

// Lock acquires m for t.
func (m *Mutex) Lock(t *Thread) {
	gclog.Guarantee(m.owner.Load() != t, "%s: %s locks it twice", m.name, t.name)
	if !m.mu.TryLock() {
		t.BlockInVM(m.mu.Lock)
	}
	m.owner.Store(t)
}

// Unlock releases m, which t must hold.
func (m *Mutex) Unlock(t *Thread) {
	gclog.Guarantee(m.owner.Load() == t, "%s: %s unlocks it without holding it", m.name, t.name)
	m.owner.Store(nil)
	m.mu.Unlock()
}

// OwnedBy reports whether t holds m.
func (m *Mutex) OwnedBy(t *Thread) bool { return m.owner.Load() == t }

// Monitor is a Mutex threads can wait on.
type Monitor struct {
	Mutex
	cond *sync.Cond
}

// NewMonitor returns an unlocked monitor.
func NewMonitor(name string) *Monitor {
	m := &Monitor{Mutex: Mutex{name: name}}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Wait releases the monitor, waits Blocked for a notification and takes
// the monitor back.
func (m *Monitor) Wait(t *Thread) {
	gclog.Guarantee(m.owner.Load() == t, "%s: %s waits without holding it", m.name, t.name)
	m.owner.Store(nil)
	t.BlockInVM(m.cond.Wait)
	m.owner.Store(t)
}

// NotifyAll wakes every waiter. The caller holds the monitor.
func (m *Monitor) NotifyAll() { m.cond.Broadcast() }
