package task

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/LimeChain/regiongc/internal/gclog"
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

func TestSafepointStopsRunningThreads(t *testing.T) {
	s := NewSynchronizer(nil)
	var stop atomic.Bool
	counts := make([]atomic.Int64, 3)
	var wg sync.WaitGroup
	for i := range counts {
		th := s.Attach(fmt.Sprintf("mutator-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.TransitionAndFence(InVM, InJava)
			for !stop.Load() {
				counts[i].Add(1)
				th.Poll()
			}
			th.TransitionFromJava(InVM)
			s.Detach(th)
		}()
	}

	s.Begin()
	if !s.IsAtSafepoint() {
		t.Fatal("not at safepoint after Begin")
	}
	before := make([]int64, len(counts))
	for i := range counts {
		before[i] = counts[i].Load()
	}
	time.Sleep(10 * time.Millisecond)
	for i := range counts {
		if n := counts[i].Load(); n != before[i] {
			t.Errorf("mutator %d ran during the safepoint: %d -> %d", i, before[i], n)
		}
	}
	s.ThreadsDo(func(th *Thread) {
		if th.State() != Blocked {
			t.Errorf("%v not blocked at safepoint", th)
		}
	})
	s.End()

	waitFor(t, func() bool { return counts[0].Load() > before[0] })
	stop.Store(true)
	wg.Wait()
	if n := s.NumThreads(); n != 0 {
		t.Errorf("%d threads still attached", n)
	}
	if s.Count() != 1 {
		t.Errorf("count %d", s.Count())
	}
}

func TestNativeThreadBlocksOnReturn(t *testing.T) {
	s := NewSynchronizer(nil)
	th := s.Attach("native")
	th.TransitionAndFence(InVM, InNative)

	s.Begin()
	done := make(chan struct{})
	go func() {
		th.TransitionFromNative(InVM)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("thread left native code during a safepoint")
	case <-time.After(20 * time.Millisecond):
	}
	s.End()
	<-done
	if th.State() != InVM {
		t.Errorf("state %v", th.State())
	}
}

func TestScopedTransitions(t *testing.T) {
	s := NewSynchronizer(nil)
	th := s.Attach("vm")
	th.BlockInVM(func() {
		if th.State() != Blocked {
			t.Errorf("state %v inside BlockInVM", th.State())
		}
		// A blocked thread does not hold up a safepoint.
		s.Begin()
		s.End()
	})
	th.ToNativeFromVM(func() {
		if th.State() != InNative {
			t.Errorf("state %v inside ToNativeFromVM", th.State())
		}
		th.InVMFromNative(func() {
			if th.State() != InVM {
				t.Errorf("state %v inside InVMFromNative", th.State())
			}
		})
	})
	th.TransitionAndFence(InVM, InJava)
	th.InVMFromJava(func() {
		if th.State() != InVM {
			t.Errorf("state %v inside InVMFromJava", th.State())
		}
	})
	if th.State() != InJava {
		t.Errorf("state %v after InVMFromJava", th.State())
	}
}

func TestWrongStateIsFatal(t *testing.T) {
	var msg string
	gclog.SetFatalHook(func(m string) { msg = m })
	defer gclog.SetFatalHook(nil)

	th := NewSynchronizer(nil).Attach("t")
	th.TransitionFromJava(InVM)
	if msg == "" {
		t.Error("leaving Java from the VM state was not reported")
	}
	if !InJavaTrans.IsTransition() || InJava.IsTransition() {
		t.Error("transition bit")
	}
}

type root struct {
	val  uintptr
	live bool
}

func TestRootChain(t *testing.T) {
	th := NewSynchronizer(nil).Attach("t")
	outer := th.PushFrame(1)
	outer.Set(0, 0x100)
	inner := th.PushFrame(2)
	inner.Set(0, 0x200)
	inner.Set(1, 0x300)
	inner.Kill(1)
	h := th.Handle(0x400)

	var got []root
	th.RootsDo(ChainWalker{}, func(slot *uintptr, live bool) {
		got = append(got, root{*slot, live})
		*slot += 8
	})
	want := []root{{0x200, true}, {0x300, false}, {0x400, true}, {0x100, true}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(root{})); diff != "" {
		t.Errorf("roots (-want +got):\n%s", diff)
	}
	if *h != 0x408 || outer.Get(0) != 0x108 {
		t.Error("slots not updated through the walker")
	}

	th.PopFrame(inner)
	if th.TopFrame() != outer || th.handles != 0 {
		t.Errorf("after pop: top %p handles %d", th.TopFrame(), th.handles)
	}
	saved := th.SwapRoots(nil)
	if saved != outer || th.TopFrame() != nil {
		t.Error("swap did not replace the chain")
	}
}

func TestNoHandleMarkDetectsLeak(t *testing.T) {
	var msg string
	gclog.SetFatalHook(func(m string) { msg = m })
	defer gclog.SetFatalHook(nil)

	th := NewSynchronizer(nil).Attach("t")
	th.PushFrame(0)
	th.NoHandleMark(func() {})
	if msg != "" {
		t.Fatalf("clean scope reported: %s", msg)
	}
	th.NoHandleMark(func() { th.Handle(0x10) })
	if msg == "" {
		t.Error("leaked handle not reported")
	}
}

func TestMutexWaiterDoesNotHoldUpSafepoint(t *testing.T) {
	s := NewSynchronizer(nil)
	m := NewMutex("heap")
	a, b := s.Attach("a"), s.Attach("b")
	m.Lock(a)
	got := make(chan struct{})
	go func() {
		m.Lock(b)
		close(got)
	}()
	waitFor(t, func() bool { return b.State() == Blocked })
	a.BlockInVM(func() {
		s.Begin()
		s.End()
	})
	m.Unlock(a)
	<-got
	if !m.OwnedBy(b) {
		t.Error("b does not own the mutex")
	}
	m.Unlock(b)
}

func TestMonitorWaitNotify(t *testing.T) {
	s := NewSynchronizer(nil)
	mon := NewMonitor("pending list")
	a, b := s.Attach("a"), s.Attach("b")
	ready := false

	mon.Lock(a)
	go func() {
		mon.Lock(b)
		ready = true
		mon.NotifyAll()
		mon.Unlock(b)
	}()
	for !ready {
		mon.Wait(a)
	}
	mon.Unlock(a)
}
