package heap

import (
	"fmt"
	"time"

	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/metaspace"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/task"
)

// Mutator is a thread running application code on the heap. It runs in
// Java and must call Poll regularly; its roots are the slots of the
// frames it pushes. A Mutator is used by one goroutine.
type Mutator struct {
	h *Heap
	t *task.Thread
}

// Attach registers a mutator thread.
func (h *Heap) Attach(name string) *Mutator {
	t := h.sync.Attach(name)
	t.TransitionAndFence(task.InVM, task.InJava)
	return &Mutator{h: h, t: t}
}

// Detach unregisters the mutator. Its frames stop being roots.
func (m *Mutator) Detach() {
	m.t.TransitionFromJava(task.InVM)
	m.h.sync.Detach(m.t)
}

func (m *Mutator) Heap() *Heap          { return m.h }
func (m *Mutator) Thread() *task.Thread { return m.t }

// Poll stops at a pending safepoint.
func (m *Mutator) Poll() { m.t.Poll() }

// InVM runs fn in the VM, where it may take the heap lock and run VM
// operations.
func (m *Mutator) InVM(fn func(t *task.Thread)) {
	m.t.InVMFromJava(func() { fn(m.t) })
}

func (m *Mutator) PushFrame(n int) *task.Frame { return m.t.PushFrame(n) }
func (m *Mutator) PopFrame(f *task.Frame)      { m.t.PopFrame(f) }

// Allocate allocates and initialises an object of klass k; length is the
// element count of an array. Collections may run first, so every
// reference the caller holds must be in a frame slot.
func (m *Mutator) Allocate(k *object.Klass, length int) (uintptr, error) {
	h := m.h
	words := object.SizeFor(k, length)
	if h.young.ShouldAllocate(words, false) {
		if obj := h.young.ParAllocate(words, false); obj != 0 {
			h.mem.InitObject(obj, k, length)
			return obj, nil
		}
	}

	var obj uintptr
	var err error
	m.t.InVMFromJava(func() {
		res, overhead := h.pol.MemAllocateWork(m.t, words, false)
		switch {
		case overhead:
			err = ErrOverheadLimit
		case res != 0:
			h.mem.InitObject(res, k, length)
			obj = res
		case m.t.InCritical() || h.locker.IsActiveAndNeedsGC():
			err = ErrGCLocked
		default:
			err = ErrOutOfSpace
		}
	})
	if err != nil {
		return 0, fmt.Errorf("allocating %d words of %s: %w", words, k.Name, err)
	}
	return obj, nil
}

// Load returns reference field i of obj.
func (m *Mutator) Load(obj uintptr, i int) uintptr {
	return m.h.mem.LoadRef(m.h.mem.RefField(obj, i))
}

// Store writes v into reference field i of obj through the card-marking
// barrier.
func (m *Mutator) Store(obj uintptr, i int, v uintptr) {
	m.h.ct.StoreField(m.h.mem, m.h.mem.RefField(obj, i), v)
}

// StoreElement writes v into element i of the object array arr.
func (m *Mutator) StoreElement(arr uintptr, i int, v uintptr) {
	m.Store(arr, i, v)
}

func dataField(mem *object.Memory, obj uintptr, i int) uintptr {
	k := mem.Klass(obj)
	return obj + (object.HeaderWords+uintptr(k.RefFields)+uintptr(i))*memregion.WordSize
}

// Data returns data word i of the instance obj.
func (m *Mutator) Data(obj uintptr, i int) uint64 {
	return m.h.mem.Load(dataField(m.h.mem, obj, i))
}

// SetData writes data word i of the instance obj.
func (m *Mutator) SetData(obj uintptr, i int, v uint64) {
	m.h.mem.Store(dataField(m.h.mem, obj, i), v)
}

// Critical runs fn inside a critical region. While any thread is in one,
// collections are held off; the last thread out runs the collection that
// was held off.
func (m *Mutator) Critical(fn func()) {
	m.t.InVMFromJava(func() { m.h.locker.Enter(m.t) })
	defer m.t.InVMFromJava(func() { m.h.locker.Exit(m.t) })
	fn()
}

// NewGlobal creates a global root referring to obj.
func (m *Mutator) NewGlobal(obj uintptr) *Global {
	g := &Global{obj: obj}
	rs := &m.h.roots
	rs.mu.Lock()
	rs.globals[g] = struct{}{}
	rs.mu.Unlock()
	return g
}

// DeleteGlobal drops g. Its referent is no longer kept alive by it.
func (m *Mutator) DeleteGlobal(g *Global) {
	rs := &m.h.roots
	rs.mu.Lock()
	delete(rs.globals, g)
	rs.mu.Unlock()
	g.obj = 0
}

// NewSoftRef creates a soft reference to obj.
func (m *Mutator) NewSoftRef(obj uintptr) *SoftRef {
	rs := &m.h.roots
	rs.mu.Lock()
	rs.nextSoft++
	r := &SoftRef{id: rs.nextSoft, referent: obj, lastUse: time.Now()}
	rs.soft[r.id] = r
	rs.mu.Unlock()
	m.h.pol.SoftRefs().Mutated()
	return r
}

// Referent returns what r refers to, or 0 once a collection cleared it.
// It counts as a use of the referent.
func (m *Mutator) Referent(r *SoftRef) uintptr {
	if r.cleared {
		return 0
	}
	r.lastUse = time.Now()
	return r.referent
}

// TakeCleared removes the soft references collections cleared since the
// last call from the pending list. With wait set it waits for at least
// one.
func (m *Mutator) TakeCleared(wait bool) []*SoftRef {
	var ids []uint64
	m.t.InVMFromJava(func() {
		m.h.pending.Lock(m.t)
		ids = m.h.pending.Take(m.t, wait)
		m.h.pending.Unlock(m.t)
	})
	rs := &m.h.roots
	rs.mu.Lock()
	defer rs.mu.Unlock()
	refs := make([]*SoftRef, 0, len(ids))
	for _, id := range ids {
		if r := rs.soft[id]; r != nil {
			refs = append(refs, r)
			delete(rs.soft, id)
		}
	}
	return refs
}

// NewLoader creates a class loader with an object of its own on the heap.
func (m *Mutator) NewLoader(name string) (*Loader, error) {
	obj, err := m.Allocate(m.h.loaderKlass, 0)
	if err != nil {
		return nil, err
	}
	rs := &m.h.roots
	rs.mu.Lock()
	defer rs.mu.Unlock()
	l := &Loader{id: rs.nextLoader, name: name, obj: obj}
	rs.nextLoader++
	rs.loaders[l.id] = l
	return l, nil
}

// LoaderObject returns l's heap object, or 0 once l was unloaded.
func (m *Mutator) LoaderObject(l *Loader) uintptr { return l.obj }

// klassMetadataBytes is the metadata charged for a class with the given
// number of fields.
func klassMetadataBytes(fields int) uintptr {
	return uintptr(512 + 16*fields)
}

// DefineClass defines an instance class through l, charging its metadata
// to l. A nil l is the boot loader. Collections may run first.
func (m *Mutator) DefineClass(l *Loader, name string, refFields, dataWords int) (*object.Klass, error) {
	id := BootLoader
	if l != nil {
		if l.unloaded {
			return nil, fmt.Errorf("defining %s: %w", name, ErrLoaderUnloaded)
		}
		id = l.id
	}
	var ok bool
	m.t.InVMFromJava(func() {
		ok = m.h.pol.SatisfyFailedMetadataAllocation(m.t, id, klassMetadataBytes(refFields+dataWords))
	})
	if !ok {
		return nil, fmt.Errorf("defining %s: %w", name, metaspace.ErrExhausted)
	}
	if l != nil && l.unloaded {
		return nil, fmt.Errorf("defining %s: %w", name, ErrLoaderUnloaded)
	}
	k := m.h.mem.Universe().DefineInstance(name, refFields, dataWords)
	if l != nil {
		rs := &m.h.roots
		rs.mu.Lock()
		rs.klassLoader[k.ID] = l
		l.classes++
		rs.mu.Unlock()
	}
	return k, nil
}

// InstallCode installs compiled code embedding refs.
func (m *Mutator) InstallCode(name string, refs ...uintptr) *Code {
	c := &Code{name: name, slots: append([]uintptr(nil), refs...)}
	rs := &m.h.roots
	rs.mu.Lock()
	rs.code[c] = struct{}{}
	rs.mu.Unlock()
	m.h.registerCode(c)
	return c
}

// UninstallCode drops c. Its references stop being roots.
func (m *Mutator) UninstallCode(c *Code) {
	m.h.unregisterCode(c)
	rs := &m.h.roots
	rs.mu.Lock()
	delete(rs.code, c)
	rs.mu.Unlock()
}
