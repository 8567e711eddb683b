package policy

import (
	"fmt"
	"io"
	"testing"

	"github.com/LimeChain/regiongc/internal/config"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/metaspace"
	"github.com/LimeChain/regiongc/internal/task"
	"github.com/LimeChain/regiongc/internal/vmop"
)

// fakeGen hands out words from a fixed range.
type fakeGen struct {
	name            string
	base            uintptr
	capacity, used  uintptr
	expandable      bool
	allocs, expands int
}

func (g *fakeGen) Name() string                              { return g.name }
func (g *fakeGen) ShouldAllocate(words uintptr, _ bool) bool { return true }
func (g *fakeGen) CapacityBeforeGC() uintptr                 { return g.capacity << memregion.LogWordSize }

func (g *fakeGen) Allocate(words uintptr, _ bool) uintptr {
	if g.used+words > g.capacity {
		return 0
	}
	g.allocs++
	addr := g.base + g.used<<memregion.LogWordSize
	g.used += words
	return addr
}

func (g *fakeGen) ParAllocate(words uintptr, isTLAB bool) uintptr { return g.Allocate(words, isTLAB) }

func (g *fakeGen) ExpandAndAllocate(words uintptr, isTLAB bool) uintptr {
	if !g.expandable {
		return 0
	}
	g.expands++
	g.capacity += words
	return g.Allocate(words, isTLAB)
}

type fakeLocker struct {
	active, needsGC bool
	stalls          int
}

func (l *fakeLocker) IsActive() bool                 { return l.active }
func (l *fakeLocker) IsActiveAndNeedsGC() bool       { return l.active && l.needsGC }
func (l *fakeLocker) StallUntilClear(t *task.Thread) { l.stalls++ }

type fakeHeap struct {
	p      *CollectorPolicy
	vm     *vmop.VMThread
	lock   *task.Mutex
	pl     *vmop.PendingList
	locker *fakeLocker
	ms     *metaspace.Space
	young  *fakeGen
	old    *fakeGen

	collections, full uint64
	maximal           bool
	filled            []uintptr
}

func newFakeHeap(t *testing.T) (*fakeHeap, *task.Thread) {
	t.Helper()
	cfg := config.New()
	p, err := New(cfg, regionAligned, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := task.NewSynchronizer(nil)
	vm := vmop.Start(s, nil)
	t.Cleanup(vm.Stop)
	h := &fakeHeap{
		p:      p,
		vm:     vm,
		lock:   task.NewMutex("heap"),
		pl:     vmop.NewPendingList(),
		locker: &fakeLocker{},
		ms:     metaspace.New(metaspace.Options{InitialSize: 64 << 10, MaxSize: 64 << 10, MinExpansion: 8 << 10}),
		young:  &fakeGen{name: "young", base: 0x100000, capacity: 2048},
		old:    &fakeGen{name: "old", base: 0x800000, capacity: 4096},
	}
	p.Bind(h, h.locker)
	return h, s.Attach("mutator")
}

func (h *fakeHeap) HeapLock() *task.Mutex               { return h.lock }
func (h *fakeHeap) PendingList() *vmop.PendingList      { return h.pl }
func (h *fakeHeap) GCLocker() vmop.Locker               { return h.locker }
func (h *fakeHeap) Metaspace() *metaspace.Space         { return h.ms }
func (h *fakeHeap) TotalCollections() uint64            { return h.collections }
func (h *fakeHeap) TotalFullCollections() uint64        { return h.full }
func (h *fakeHeap) IsMaximalNoGC() bool                 { return h.maximal }
func (h *fakeHeap) MustClearAllSoftRefs() bool          { return false }
func (h *fakeHeap) Generations() []Generation           { return []Generation{h.young, h.old} }
func (h *fakeHeap) IncrementalCollectionFailed() bool   { return false }
func (h *fakeHeap) IncrementalCollectionWillFail() bool { return false }
func (h *fakeHeap) FillWithObject(addr, words uintptr)  { h.filled = append(h.filled, addr) }
func (h *fakeHeap) Inspect(w io.Writer)                 { fmt.Fprintln(w, h.collections) }

func (h *fakeHeap) Execute(t *task.Thread, op vmop.Operation) { h.vm.Execute(t, op) }

func (h *fakeHeap) SatisfyFailedAllocation(words uintptr, isTLAB bool) uintptr {
	return h.p.SatisfyFailedAllocation(words, isTLAB)
}

func (h *fakeHeap) AttemptAllocationAtSafepoint(words uintptr, isTLAB bool) uintptr {
	return h.p.AttemptAllocation(words, isTLAB, false)
}

func (h *fakeHeap) DoCollection(full, clearAll bool, words uintptr, isTLAB bool, cause vmop.Cause) {
	if h.locker.active {
		h.locker.needsGC = true
		return
	}
	h.collections++
	h.young.used = 0
	if full {
		h.full++
		h.old.used = 0
	}
}

func (h *fakeHeap) CollectAsVMThread(cause vmop.Cause) {
	h.DoCollection(true, cause == vmop.CauseLastDitch, 0, false, cause)
	h.ms.Purge(func(id metaspace.LoaderID) bool { return id != 1 })
}

func (h *fakeHeap) DoFullCollection(clearAll bool, cause vmop.Cause) {
	h.DoCollection(true, clearAll, 0, false, cause)
}

func (h *fakeHeap) CollectYoung(cause vmop.Cause) bool {
	if h.locker.active {
		return false
	}
	h.DoCollection(false, false, 0, false, cause)
	return true
}

func TestAllocationFastPaths(t *testing.T) {
	h, mutator := newFakeHeap(t)

	if res, _ := h.p.MemAllocateWork(mutator, 16, false); res != h.young.base {
		t.Errorf("young allocation at %#x", res)
	}

	// Requests at least as large as the young generation go to the old
	// one without a collection.
	if res, _ := h.p.MemAllocateWork(mutator, 2048, false); res != h.old.base {
		t.Errorf("large allocation at %#x", res)
	}
	if h.collections != 0 {
		t.Errorf("%d collections", h.collections)
	}
}

func TestAllocationRetryUnderGCLocker(t *testing.T) {
	h, mutator := newFakeHeap(t)
	h.young.used = h.young.capacity
	h.old.used = h.old.capacity
	h.maximal = true
	*h.locker = fakeLocker{active: true, needsGC: true}

	res, overhead := h.p.MemAllocateWork(mutator, 1000, false)
	if res != 0 || overhead {
		t.Errorf("got %#x overhead %v, want a null result without the overhead flag", res, overhead)
	}
	if want := int(h.p.Config().GCLockerRetryAllocationCount); h.locker.stalls != want {
		t.Errorf("stalled %d times, want %d", h.locker.stalls, want)
	}
	if h.lock.OwnedBy(mutator) {
		t.Error("heap lock still held")
	}

	// The locker is released: the next request collects and succeeds.
	*h.locker = fakeLocker{}
	res, overhead = h.p.MemAllocateWork(mutator, 1000, false)
	if res != h.young.base || overhead {
		t.Errorf("after release got %#x overhead %v", res, overhead)
	}
	if h.collections != 1 {
		t.Errorf("%d collections", h.collections)
	}
}

func TestGCLockerExpandsBeforeStalling(t *testing.T) {
	h, mutator := newFakeHeap(t)
	h.young.used = h.young.capacity
	h.old.used = h.old.capacity
	h.old.expandable = true
	*h.locker = fakeLocker{active: true, needsGC: true}

	if res, _ := h.p.MemAllocateWork(mutator, 100, false); res == 0 || h.old.expands != 1 {
		t.Errorf("got %#x after %d expansions", res, h.old.expands)
	}
	if h.locker.stalls != 0 {
		t.Errorf("stalled %d times", h.locker.stalls)
	}

	// A TLAB refill gives up right away and a thread in a critical region
	// never waits for itself.
	h.old.expandable = false
	if res, _ := h.p.MemAllocateWork(mutator, 100, true); res != 0 {
		t.Errorf("TLAB refill got %#x", res)
	}
	mutator.EnterCritical()
	res, _ := h.p.MemAllocateWork(mutator, 100, false)
	mutator.ExitCritical()
	if res != 0 || h.locker.stalls != 0 {
		t.Errorf("critical thread got %#x after %d stalls", res, h.locker.stalls)
	}
}

func TestOverheadLimitFailsAllocation(t *testing.T) {
	h, mutator := newFakeHeap(t)
	h.young.used = h.young.capacity
	h.p.SizePolicy().SetGCOverheadLimitExceeded(true)
	h.p.SoftRefs().Cleared(true)

	res, overhead := h.p.MemAllocateWork(mutator, 100, false)
	if res != 0 || !overhead {
		t.Fatalf("got %#x overhead %v", res, overhead)
	}
	if len(h.filled) != 1 || h.filled[0] != h.young.base {
		t.Errorf("allocated block not filled: %#x", h.filled)
	}
	if h.p.SizePolicy().GCOverheadLimitExceeded() {
		t.Error("overhead flag not reset")
	}
}

func TestSatisfyFailedAllocationEscalates(t *testing.T) {
	h, _ := newFakeHeap(t)
	h.young.used = h.young.capacity
	h.old.used = h.old.capacity

	// The young collection frees too little for a request the size of
	// the old generation, so a full collection follows.
	if res := h.p.SatisfyFailedAllocation(4096, false); res != h.old.base {
		t.Errorf("got %#x", res)
	}
	if h.collections != 2 || h.full != 1 {
		t.Errorf("%d collections, %d full", h.collections, h.full)
	}
}

func TestMetadataAllocationCollects(t *testing.T) {
	h, mutator := newFakeHeap(t)
	if !h.ms.Allocate(1, 64<<10) {
		t.Fatal("could not fill metaspace")
	}
	if !h.p.SatisfyFailedMetadataAllocation(mutator, 2, 4<<10) {
		t.Fatal("metadata not allocated after a collection")
	}
	if h.full != 1 {
		t.Errorf("%d full collections", h.full)
	}

	// With the GC locker holding a collection off, a critical thread
	// fails instead of waiting.
	if !h.ms.Allocate(3, 60<<10) {
		t.Fatal("could not fill metaspace")
	}
	*h.locker = fakeLocker{active: true, needsGC: true}
	mutator.EnterCritical()
	ok := h.p.SatisfyFailedMetadataAllocation(mutator, 2, 8<<10)
	mutator.ExitCritical()
	if ok || h.locker.stalls != 0 {
		t.Errorf("allocated %v after %d stalls", ok, h.locker.stalls)
	}
}
