package gclocker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/LimeChain/regiongc/internal/task"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInactiveLockerDoesNotDefer(t *testing.T) {
	l := New(nil)
	if l.CheckActiveBeforeGC() || l.NeedsGC() {
		t.Fatal("inactive locker deferred a collection")
	}
	th := task.NewSynchronizer(nil).Attach("t")
	l.Enter(th)
	l.Enter(th)
	if !l.IsActive() || !th.InCritical() {
		t.Fatal("not active after enter")
	}
	l.Exit(th)
	if !l.IsActive() {
		t.Fatal("inactive while a nested region is open")
	}
	l.Exit(th)
	if l.IsActive() || th.InCritical() {
		t.Fatal("active after the last exit")
	}
}

func TestLastExitRunsDeferredCollection(t *testing.T) {
	var collected atomic.Int32
	var by atomic.Pointer[task.Thread]
	l := New(func(t *task.Thread) {
		by.Store(t)
		collected.Add(1)
	})
	s := task.NewSynchronizer(nil)
	a, b := s.Attach("a"), s.Attach("b")

	l.Enter(a)
	if !l.CheckActiveBeforeGC() || !l.IsActiveAndNeedsGC() {
		t.Fatal("collection not deferred while active")
	}

	entered := make(chan struct{})
	go func() {
		l.Enter(b)
		close(entered)
	}()
	waitFor(t, func() bool { return b.State() == task.Blocked })
	select {
	case <-entered:
		t.Fatal("entered a critical region while a collection was pending")
	default:
	}

	l.Exit(a)
	<-entered
	if collected.Load() != 1 || by.Load() != a {
		t.Errorf("collected %d times by %v", collected.Load(), by.Load())
	}
	if l.NeedsGC() {
		t.Error("still needs GC after the deferred collection ran")
	}
	l.Exit(b)
	if collected.Load() != 1 {
		t.Error("collection ran again without a request")
	}
	if _, deferred := l.Stats(); deferred != 1 {
		t.Errorf("deferred %d", deferred)
	}
}

func TestStallUntilClear(t *testing.T) {
	l := New(nil)
	s := task.NewSynchronizer(nil)
	a, b := s.Attach("a"), s.Attach("b")
	l.Enter(a)
	l.CheckActiveBeforeGC()

	cleared := make(chan struct{})
	go func() {
		l.StallUntilClear(b)
		close(cleared)
	}()
	waitFor(t, func() bool { return b.State() == task.Blocked })
	l.Exit(a)
	<-cleared
	if stalls, _ := l.Stats(); stalls != 1 {
		t.Errorf("stalls %d", stalls)
	}
}
