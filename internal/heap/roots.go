package heap

import (
	"sync"
	"time"

	"github.com/LimeChain/regiongc/internal/metaspace"
	"github.com/LimeChain/regiongc/internal/task"
)

// Global is a root held outside any thread, like a static field.
type Global struct {
	obj uintptr
}

// Get returns the referent. Call it from a mutator in Java.
func (g *Global) Get() uintptr { return g.obj }

// Set replaces the referent. Call it from a mutator in Java.
func (g *Global) Set(obj uintptr) { g.obj = obj }

// SoftRef refers to an object that full collections may clear when it
// has not been used for a while and memory is short.
type SoftRef struct {
	id       uint64
	referent uintptr
	lastUse  time.Time
	cleared  bool
}

// ID identifies the reference on the pending list.
func (r *SoftRef) ID() uint64 { return r.id }

// Loader is a class loader. Its classes' metadata is charged to it, and
// it is unloaded, freeing the metadata, once neither its object nor an
// instance of one of its classes is reachable.
type Loader struct {
	id       metaspace.LoaderID
	name     string
	obj      uintptr
	unloaded bool
	classes  int
}

func (l *Loader) ID() metaspace.LoaderID { return l.id }
func (l *Loader) Name() string           { return l.name }

// Code is a unit of compiled code with references into the heap embedded
// in it. Young pauses find it through the remembered sets of the regions
// it points into rather than scanning it as a root.
type Code struct {
	name  string
	slots []uintptr
}

func (c *Code) Name() string { return c.name }

// Ref returns the i'th embedded reference.
func (c *Code) Ref(i int) uintptr { return c.slots[i] }

func (c *Code) OopsDo(fn func(slot *uintptr)) {
	for i := range c.slots {
		fn(&c.slots[i])
	}
}

// roots holds the roots that live outside threads. Mutators change them
// under mu; collections read them at a safepoint.
type roots struct {
	mu          sync.Mutex
	globals     map[*Global]struct{}
	soft        map[uint64]*SoftRef
	nextSoft    uint64
	loaders     map[metaspace.LoaderID]*Loader
	nextLoader  metaspace.LoaderID
	klassLoader map[uint64]*Loader
	code        map[*Code]struct{}
}

func newRoots() roots {
	return roots{
		globals:     make(map[*Global]struct{}),
		soft:        make(map[uint64]*SoftRef),
		loaders:     make(map[metaspace.LoaderID]*Loader),
		nextLoader:  BootLoader + 1,
		klassLoader: make(map[uint64]*Loader),
		code:        make(map[*Code]struct{}),
	}
}

// BootLoader owns the classes defined without a loader. It is never
// unloaded.
const BootLoader metaspace.LoaderID = 0

// threadRootsDo calls fn for every live slot of every thread. Dead slots
// are cleared, since what they point to may not survive.
func (h *Heap) threadRootsDo(fn func(slot *uintptr)) {
	h.sync.ThreadsDo(func(t *task.Thread) {
		t.RootsDo(task.ChainWalker{}, func(slot *uintptr, live bool) {
			if !live {
				*slot = 0
				return
			}
			fn(slot)
		})
	})
}

// strongRootsDo calls fn for the thread and global roots, and for the
// code roots if withCode is set. The caller holds roots.mu.
func (h *Heap) strongRootsDo(fn func(slot *uintptr), withCode bool) {
	h.threadRootsDo(fn)
	for g := range h.roots.globals {
		fn(&g.obj)
	}
	if withCode {
		for c := range h.roots.code {
			c.OopsDo(fn)
		}
	}
}

// softRootsDo calls fn for the referent slot of every uncleared soft
// reference. The caller holds roots.mu.
func (h *Heap) softRootsDo(fn func(r *SoftRef)) {
	for _, r := range h.roots.soft {
		if !r.cleared && r.referent != 0 {
			fn(r)
		}
	}
}

// loaderRootsDo calls fn for the object slot of every loaded loader. The
// caller holds roots.mu.
func (h *Heap) loaderRootsDo(fn func(slot *uintptr)) {
	for _, l := range h.roots.loaders {
		fn(&l.obj)
	}
}

// registerCode records c in the remembered sets of the regions it points
// into.
func (h *Heap) registerCode(c *Code) {
	for _, ref := range c.slots {
		if ref == 0 {
			continue
		}
		if r := h.mgr.AddrToRegion(ref); r != nil && !r.IsFree() {
			r.RemSet().AddStrongCodeRoot(c)
		}
	}
}

func (h *Heap) unregisterCode(c *Code) {
	for _, ref := range c.slots {
		if ref == 0 {
			continue
		}
		if r := h.mgr.AddrToRegion(ref); r != nil {
			r.RemSet().RemoveStrongCodeRoot(c)
		}
	}
}
