// Package task implements the threads the collector coordinates with:
// their execution states, the transitions between them, the safepoint
// protocol that stops them, and the chains of roots they expose.
package task

import (
	"fmt"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/orderaccess"
)

// State is what a thread is doing, as far as the collector cares. Every
// stable state is even; the state one above it is the transition out of
// it, used as a marker while the thread checks for a safepoint.
type State int32

const (
	Uninitialized State = 0
	New           State = 2
	NewTrans      State = 3
	InNative      State = 4
	InNativeTrans State = 5
	InVM          State = 6
	InVMTrans     State = 7
	InJava        State = 8
	InJavaTrans   State = 9
	Blocked       State = 10
	BlockedTrans  State = 11
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case New:
		return "new"
	case NewTrans:
		return "new_trans"
	case InNative:
		return "in_native"
	case InNativeTrans:
		return "in_native_trans"
	case InVM:
		return "in_vm"
	case InVMTrans:
		return "in_vm_trans"
	case InJava:
		return "in_Java"
	case InJavaTrans:
		return "in_Java_trans"
	case Blocked:
		return "blocked"
	case BlockedTrans:
		return "blocked_trans"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// IsTransition reports whether s is a transition state.
func (s State) IsTransition() bool { return s&1 == 1 }

// isSafe reports whether a thread in s cannot touch the heap without
// first passing a safepoint check.
func (s State) isSafe() bool {
	return s == New || s == InNative || s == Blocked
}

// Thread is a thread known to the safepoint synchronizer.
type Thread struct {
	name  string
	sync  *Synchronizer
	state atomic.Int32

	roots *Frame

	// handles counts the slots pushed by Handle since the thread attached.
	handles      int
	noHandleMark int
	inCritical   int
}

func (t *Thread) Name() string { return t.name }

// State returns the thread's current state.
func (t *Thread) State() State { return State(t.state.Load()) }

func (t *Thread) String() string { return fmt.Sprintf("%s[%v]", t.name, t.State()) }

// setState stores s. Threads becoming safe wake a synchronizer waiting
// for them.
func (t *Thread) setState(s State) {
	if s.isSafe() {
		t.sync.mu.Lock()
		t.state.Store(int32(s))
		t.sync.cond.Broadcast()
		t.sync.mu.Unlock()
		return
	}
	t.state.Store(int32(s))
}

func (t *Thread) checkState(want State) {
	if got := t.State(); got != want {
		gclog.Fatalf("thread %s: state %v, expected %v", t.name, got, want)
	}
}

// Transition moves the thread from one stable state to another through
// from's transition state, blocking on the way if a safepoint is pending.
func (t *Thread) Transition(from, to State) {
	gclog.Guarantee(!from.IsTransition() && !to.IsTransition(), "transition %v -> %v between unstable states", from, to)
	t.checkState(from)
	t.setState(from + 1)
	if t.sync.ShouldSafepoint() {
		t.block()
	}
	t.setState(to)
}

// TransitionAndFence is Transition with a full fence after the
// transition state is published, so the synchronizer either sees it or
// this thread sees the pending safepoint.
func (t *Thread) TransitionAndFence(from, to State) {
	gclog.Guarantee(!from.IsTransition() && !to.IsTransition(), "transition %v -> %v between unstable states", from, to)
	t.checkState(from)
	t.setState(from + 1)
	orderaccess.Fence()
	if t.sync.ShouldSafepoint() {
		t.block()
	}
	t.setState(to)
}

// TransitionFromJava leaves InJava for to.
func (t *Thread) TransitionFromJava(to State) {
	t.checkState(InJava)
	t.setState(InJavaTrans)
	t.setState(to)
}

// TransitionFromNative leaves InNative for to. The thread blocks first if
// a safepoint is in progress, since it may have missed it while native.
func (t *Thread) TransitionFromNative(to State) {
	t.checkState(InNative)
	t.setState(InNativeTrans)
	orderaccess.Fence()
	if t.sync.ShouldSafepoint() {
		t.block()
	}
	t.setState(to)
}

// InVMFromJava runs fn in the VM and returns to Java.
func (t *Thread) InVMFromJava(fn func()) {
	t.TransitionFromJava(InVM)
	defer t.TransitionAndFence(InVM, InJava)
	fn()
}

// InVMFromNative runs fn in the VM and returns to native code.
func (t *Thread) InVMFromNative(fn func()) {
	t.TransitionFromNative(InVM)
	defer t.TransitionAndFence(InVM, InNative)
	fn()
}

// ToNativeFromVM runs fn outside the VM. The thread does not hold up a
// safepoint meanwhile.
func (t *Thread) ToNativeFromVM(fn func()) {
	t.TransitionAndFence(InVM, InNative)
	defer t.TransitionFromNative(InVM)
	fn()
}

// BlockInVM runs fn, which may wait for a long time, with the thread
// Blocked. fn must not touch the heap.
func (t *Thread) BlockInVM(fn func()) {
	t.TransitionAndFence(InVM, Blocked)
	defer t.Transition(Blocked, InVM)
	fn()
}

// NoHandleMark runs fn and fails if fn leaves handles behind.
func (t *Thread) NoHandleMark(fn func()) {
	before := t.handles
	t.noHandleMark++
	defer func() {
		t.noHandleMark--
		gclog.Guarantee(t.handles == before, "thread %s: %d handles leaked", t.name, t.handles-before)
	}()
	fn()
}

// EnterCritical and ExitCritical bracket a critical region in which the
// thread holds raw pointers into the heap.
func (t *Thread) EnterCritical() { t.inCritical++ }
func (t *Thread) ExitCritical() {
	gclog.Guarantee(t.inCritical > 0, "thread %s: unbalanced critical exit", t.name)
	t.inCritical--
}

// InCritical reports whether the thread is inside a critical region.
func (t *Thread) InCritical() bool { return t.inCritical > 0 }
