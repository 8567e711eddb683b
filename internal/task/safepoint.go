package task

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/orderaccess"
)

// Synchronizer brings every attached thread to a safepoint and holds it
// there until the operation that needed the safepoint is done.
//
// Threads in native code, blocked, or not yet started are already safe.
// Threads in Java or in the VM must reach a poll or a state transition,
// where they block until the safepoint ends.
type Synchronizer struct {
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	threads map[*Thread]struct{}

	requested   atomic.Bool
	atSafepoint atomic.Bool
	count       atomic.Uint64
}

// NewSynchronizer returns a synchronizer with no threads.
func NewSynchronizer(log *slog.Logger) *Synchronizer {
	if log == nil {
		log = gclog.Discard()
	}
	s := &Synchronizer{log: log, threads: make(map[*Thread]struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Attach registers a new thread and moves it into the VM.
func (s *Synchronizer) Attach(name string) *Thread {
	t := &Thread{name: name, sync: s}
	t.state.Store(int32(New))
	s.mu.Lock()
	s.threads[t] = struct{}{}
	s.mu.Unlock()
	t.Transition(New, InVM)
	return t
}

// Detach unregisters t, which must be in the VM.
func (s *Synchronizer) Detach(t *Thread) {
	t.checkState(InVM)
	s.mu.Lock()
	delete(s.threads, t)
	t.state.Store(int32(Uninitialized))
	s.cond.Broadcast()
	s.mu.Unlock()
}

// NumThreads returns the number of attached threads.
func (s *Synchronizer) NumThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// ShouldSafepoint reports whether a safepoint has been requested. Threads
// read it at every poll.
func (s *Synchronizer) ShouldSafepoint() bool { return s.requested.Load() }

// IsAtSafepoint reports whether every thread is stopped.
func (s *Synchronizer) IsAtSafepoint() bool { return s.atSafepoint.Load() }

// Count returns the number of safepoints reached so far.
func (s *Synchronizer) Count() uint64 { return s.count.Load() }

func (s *Synchronizer) allSafeLocked() bool {
	for t := range s.threads {
		if !t.State().isSafe() {
			return false
		}
	}
	return true
}

// Begin requests a safepoint and waits until every thread is safe.
func (s *Synchronizer) Begin() {
	start := time.Now()
	s.mu.Lock()
	gclog.Guarantee(!s.requested.Load(), "nested safepoint")
	s.requested.Store(true)
	orderaccess.Fence()
	for !s.allSafeLocked() {
		s.cond.Wait()
	}
	s.atSafepoint.Store(true)
	n := s.count.Add(1)
	threads := len(s.threads)
	s.mu.Unlock()
	s.log.Debug("safepoint reached", "id", n, "threads", threads, "sync", time.Since(start))
}

// End releases every thread blocked at the safepoint.
func (s *Synchronizer) End() {
	s.mu.Lock()
	gclog.Guarantee(s.atSafepoint.Load(), "end of safepoint outside one")
	s.atSafepoint.Store(false)
	s.requested.Store(false)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ThreadsDo calls fn on every attached thread. Outside a safepoint the
// threads keep running while fn looks at them.
func (s *Synchronizer) ThreadsDo(fn func(t *Thread)) {
	s.mu.Lock()
	threads := make([]*Thread, 0, len(s.threads))
	for t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.Unlock()
	for _, t := range threads {
		fn(t)
	}
}

// block parks t until the current safepoint ends. t counts as Blocked
// meanwhile and returns to the state it was in.
func (t *Thread) block() {
	s := t.sync
	s.mu.Lock()
	prev := t.State()
	t.state.Store(int32(Blocked))
	s.cond.Broadcast()
	for s.requested.Load() {
		s.cond.Wait()
	}
	t.state.Store(int32(prev))
	s.mu.Unlock()
}

// BlockAtSafepoint parks t if a safepoint is pending.
func (t *Thread) BlockAtSafepoint() {
	if t.sync.ShouldSafepoint() {
		t.block()
	}
}

// Poll is the safepoint check of a running thread, in Java or in the VM.
func (t *Thread) Poll() {
	if !t.sync.ShouldSafepoint() {
		return
	}
	if s := t.State(); s != InJava && s != InVM {
		gclog.Fatalf("thread %s: safepoint poll in state %v", t.name, s)
	}
	t.block()
}
