package task

import "github.com/LimeChain/regiongc/internal/gclog"

// Frame is one link of a thread's chain of root frames. Its slots may
// hold heap addresses; slots killed by the frame's liveness map are
// reported but not live.
type Frame struct {
	parent  *Frame
	slots   []uintptr
	dead    []bool
	handles []*uintptr
}

// Len returns the number of slots.
func (f *Frame) Len() int { return len(f.slots) }

// Get returns slot i.
func (f *Frame) Get(i int) uintptr { return f.slots[i] }

// Set stores v into slot i and makes it live.
func (f *Frame) Set(i int, v uintptr) {
	f.slots[i] = v
	f.dead[i] = false
}

// Kill marks slot i as no longer live. Collectors do not follow it.
func (f *Frame) Kill(i int) { f.dead[i] = true }

// Parent returns the caller's frame.
func (f *Frame) Parent() *Frame { return f.parent }

// FrameWalker steps through the frames of a thread and reports the roots
// each of them holds.
type FrameWalker interface {
	Sender(f *Frame) *Frame
	RootsDo(f *Frame, fn func(slot *uintptr, live bool))
}

// ChainWalker walks the frames pushed with PushFrame.
type ChainWalker struct{}

func (ChainWalker) Sender(f *Frame) *Frame { return f.parent }

func (ChainWalker) RootsDo(f *Frame, fn func(slot *uintptr, live bool)) {
	for i := range f.slots {
		fn(&f.slots[i], !f.dead[i])
	}
	for _, h := range f.handles {
		fn(h, true)
	}
}

// PushFrame pushes a frame of n slots, all zero and live.
func (t *Thread) PushFrame(n int) *Frame {
	f := &Frame{parent: t.roots, slots: make([]uintptr, n), dead: make([]bool, n)}
	t.roots = f
	return f
}

// PopFrame pops f, which must be the top frame. Its handles go with it.
func (t *Thread) PopFrame(f *Frame) {
	gclog.Guarantee(t.roots == f, "thread %s: popping a frame that is not on top", t.name)
	t.handles -= len(f.handles)
	t.roots = f.parent
}

// TopFrame returns the most recently pushed frame, or nil.
func (t *Thread) TopFrame() *Frame { return t.roots }

// SwapRoots installs chain as the thread's frames and returns the chain it
// replaces. A thread switching between tasks swaps their chains.
func (t *Thread) SwapRoots(chain *Frame) *Frame {
	old := t.roots
	t.roots = chain
	return old
}

// Handle records obj in the top frame and returns the slot holding it.
// Collectors update the slot when obj moves.
func (t *Thread) Handle(obj uintptr) *uintptr {
	gclog.Guarantee(t.roots != nil, "thread %s: handle without a frame", t.name)
	h := new(uintptr)
	*h = obj
	t.roots.handles = append(t.roots.handles, h)
	t.handles++
	return h
}

// RootsDo walks the thread's frames with w and reports every slot.
func (t *Thread) RootsDo(w FrameWalker, fn func(slot *uintptr, live bool)) {
	for f := t.roots; f != nil; f = w.Sender(f) {
		w.RootsDo(f, fn)
	}
}
