// Package heap ties the region manager, the generations and the collector
// policy together into a collected heap. It runs the collections: young
// evacuation pauses, full compacting collections and liveness marking
// cycles, each at a safepoint on the VM thread.
package heap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LimeChain/regiongc/internal/bot"
	"github.com/LimeChain/regiongc/internal/cardtable"
	"github.com/LimeChain/regiongc/internal/config"
	"github.com/LimeChain/regiongc/internal/gclocker"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/generation"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/metaspace"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/policy"
	"github.com/LimeChain/regiongc/internal/region"
	"github.com/LimeChain/regiongc/internal/task"
	"github.com/LimeChain/regiongc/internal/vmop"
)

// Base is the address the heap is reserved at.
const Base uintptr = 1 << 32

var (
	ErrOutOfSpace     = errors.New("heap: out of space")
	ErrGCLocked       = errors.New("heap: allocation gave up waiting for the GC locker")
	ErrOverheadLimit  = errors.New("heap: GC overhead limit exceeded")
	ErrLoaderUnloaded = errors.New("heap: class loader was unloaded")
)

// Options configures New.
type Options struct {
	Log *slog.Logger
	// Universe holds the klasses. A fresh one is made if nil.
	Universe *object.Universe
	// RefineInterval is how often dirty cards are refined into remembered
	// sets between collections. Zero leaves refinement to the pauses.
	RefineInterval time.Duration
}

// Heap is a collected heap.
type Heap struct {
	cfg *config.Config
	log *slog.Logger
	pol *policy.CollectorPolicy

	mem   *object.Memory
	ct    *cardtable.Table
	mgr   *region.Manager
	young *generation.Young
	old   *generation.Old
	gens  []policy.Generation

	sync    *task.Synchronizer
	vm      *vmop.VMThread
	lock    *task.Mutex
	pending *vmop.PendingList
	locker  *gclocker.Locker
	meta    *metaspace.Space

	collections       atomic.Uint64
	fullCollections   atomic.Uint64
	incrementalFailed atomic.Bool

	// Owned by the VM thread.
	gcCause         vmop.Cause
	fullInvocations uint
	claimCycle      uint64
	lastGCEnd       time.Time
	lastMajorEnd    time.Time

	roots       roots
	loaderKlass *object.Klass
	events      broker

	refineStop chan struct{}
	refineDone chan struct{}
	refined    atomic.Uint64
}

// New reserves and commits a heap sized by cfg and starts its VM thread.
func New(cfg *config.Config, opts Options) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = gclog.Discard()
	}
	f := &cfg.Flags
	rb := region.SetupHeapRegionSize(f.InitialHeapSize.Bytes(), f.MaxHeapSize.Bytes(), f.HeapRegionSize.Bytes())
	pol, err := policy.New(cfg, policy.Alignments{Space: rb, Generation: rb, Heap: rb}, log)
	if err != nil {
		return nil, err
	}
	sizes := pol.Sizes()

	u := opts.Universe
	if u == nil {
		u = object.NewUniverse()
	}
	reserved := memregion.New(Base, Base+sizes.MaxHeap)
	h := &Heap{
		cfg:     cfg,
		log:     log,
		pol:     pol,
		mem:     object.NewMemory(reserved, u),
		lock:    task.NewMutex("heap"),
		pending: vmop.NewPendingList(),
		roots:   newRoots(),
	}
	h.ct = cardtable.New(reserved, cardtable.Options{
		CardsPerStrideChunk: int(f.ParGCCardsPerStrideChunk),
		StridesPerThread:    int(f.ParGCStridesPerThread),
	})
	h.mgr = region.NewManager(h.mem, bot.NewSharedArray(reserved), region.ManagerOptions{
		RegionBytes: rb,
		SparseLimit: int(f.RSetSparseLimit),
	}, h.ct)
	// Both generations start at their initial sizes; a large initial
	// young generation can take them past the initial heap size.
	initial := min(max(sizes.InitialHeap, sizes.InitialGen0+sizes.InitialGen1), sizes.MaxHeap)
	if _, err := h.mgr.Expand(int(initial / rb)); err != nil {
		return nil, fmt.Errorf("committing the initial heap: %w", err)
	}

	sr := uintptr(f.SurvivorRatio)
	eden := int(sizes.InitialGen0 * sr / (sr + 2) / rb)
	survivors := int(sizes.InitialGen0 / (sr + 2) / rb)
	h.young = generation.NewYoung(h.mgr, h.mem, eden, survivors, h.collectGeneration, log)
	h.old = generation.NewOld(h.mgr, h.mem, h.collectGeneration, log)
	h.old.SetMaxRegions(int(sizes.MaxGen1 / rb))
	h.gens = []policy.Generation{h.young, h.old}

	h.meta = metaspace.New(metaspace.Options{
		InitialSize:  f.MetaspaceSize.Bytes(),
		MaxSize:      f.MaxMetaspaceSize.Bytes(),
		MinFreeRatio: f.MinHeapFreeRatio,
		MaxFreeRatio: f.MaxHeapFreeRatio,
	})
	h.loaderKlass = u.DefineInstance("ClassLoader", 1, 1)

	h.locker = gclocker.New(h.gcLockerCollect)
	pol.Bind(h, h.locker)
	h.sync = task.NewSynchronizer(log)
	h.vm = vmop.Start(h.sync, log)
	h.startRefiner(opts.RefineInterval)

	log.Info("heap initialized",
		gclog.Bytes("region", rb), "regions", h.mgr.Length(), "maxRegions", h.mgr.MaxLength(),
		"eden", h.young.TargetEden(), "maxSurvivors", h.young.MaxSurvivors())
	return h, nil
}

// Close stops the refinement and VM threads. Every mutator must have
// detached.
func (h *Heap) Close() {
	h.stopRefiner()
	h.vm.Stop()
}

func (h *Heap) Config() *config.Config           { return h.cfg }
func (h *Heap) Policy() *policy.CollectorPolicy  { return h.pol }
func (h *Heap) Memory() *object.Memory           { return h.mem }
func (h *Heap) Universe() *object.Universe       { return h.mem.Universe() }
func (h *Heap) Regions() *region.Manager         { return h.mgr }
func (h *Heap) CardTable() *cardtable.Table      { return h.ct }
func (h *Heap) Young() *generation.Young         { return h.young }
func (h *Heap) Old() *generation.Old             { return h.old }
func (h *Heap) Synchronizer() *task.Synchronizer { return h.sync }

// The collected heap, as the VM operations and the policy see it.

func (h *Heap) HeapLock() *task.Mutex                     { return h.lock }
func (h *Heap) PendingList() *vmop.PendingList            { return h.pending }
func (h *Heap) GCLocker() vmop.Locker                     { return h.locker }
func (h *Heap) Metaspace() *metaspace.Space               { return h.meta }
func (h *Heap) TotalCollections() uint64                  { return h.collections.Load() }
func (h *Heap) TotalFullCollections() uint64              { return h.fullCollections.Load() }
func (h *Heap) IsMaximalNoGC() bool                       { return h.mgr.Length() == h.mgr.MaxLength() }
func (h *Heap) MustClearAllSoftRefs() bool                { return h.pol.SoftRefs().ShouldClearAll() }
func (h *Heap) Generations() []policy.Generation          { return h.gens }
func (h *Heap) IncrementalCollectionFailed() bool         { return h.incrementalFailed.Load() }
func (h *Heap) FillWithObject(addr, words uintptr)        { h.mem.FillWithObject(addr, words) }
func (h *Heap) Execute(t *task.Thread, op vmop.Operation) { h.vm.Execute(t, op) }

// IncrementalCollectionWillFail reports whether a young pause might not
// find room for everything it copies.
func (h *Heap) IncrementalCollectionWillFail() bool {
	if h.incrementalFailed.Load() {
		return true
	}
	room := uintptr(h.mgr.NumFree()+h.mgr.MaxLength()-h.mgr.Length()) * h.mgr.RegionBytes()
	return room < h.young.Used()
}

// SatisfyFailedAllocation runs the policy's failed-allocation path. The
// result is formatted as a filler until its requester initialises it,
// since another safepoint may come first.
func (h *Heap) SatisfyFailedAllocation(words uintptr, isTLAB bool) uintptr {
	res := h.pol.SatisfyFailedAllocation(words, isTLAB)
	if res != 0 {
		h.mem.FillWithObject(res, words)
	}
	return res
}

func (h *Heap) AttemptAllocationAtSafepoint(words uintptr, isTLAB bool) uintptr {
	res := h.pol.AttemptAllocation(words, isTLAB, false)
	if res != 0 {
		h.mem.FillWithObject(res, words)
	}
	return res
}

// CollectAsVMThread collects for cause at a safepoint.
func (h *Heap) CollectAsVMThread(cause vmop.Cause) {
	switch cause {
	case vmop.CauseMarkLive:
		h.markLive()
	case vmop.CauseGCLocker:
		h.CollectYoung(cause)
	case vmop.CauseLastDitch:
		h.DoFullCollection(true, cause)
	default:
		h.DoFullCollection(h.MustClearAllSoftRefs(), cause)
	}
}

// DoFullCollection collects the whole heap unless the GC locker is active.
func (h *Heap) DoFullCollection(clearAllSoftRefs bool, cause vmop.Cause) {
	if h.locker.CheckActiveBeforeGC() {
		return
	}
	h.gcCause = cause
	h.fullCollection(clearAllSoftRefs)
}

// CollectYoung runs a young pause unless the GC locker is active, and
// reports whether it ran.
func (h *Heap) CollectYoung(cause vmop.Cause) bool {
	if h.locker.CheckActiveBeforeGC() {
		return false
	}
	h.gcCause = cause
	h.youngPause()
	return true
}

// DoCollection collects one generation for the allocation policy.
func (h *Heap) DoCollection(full, clearAllSoftRefs bool, words uintptr, isTLAB bool, cause vmop.Cause) {
	if h.locker.CheckActiveBeforeGC() {
		return
	}
	h.gcCause = cause
	if full {
		h.old.Collect(true, clearAllSoftRefs, words, isTLAB)
	} else {
		h.young.Collect(false, clearAllSoftRefs, words, isTLAB)
	}
}

func (h *Heap) collectGeneration(full, clearAllSoftRefs bool, words uintptr, isTLAB bool) {
	if full {
		h.fullCollection(clearAllSoftRefs)
	} else {
		h.youngPause()
	}
}

// gcLockerCollect runs the collection the GC locker held off. t is the
// last thread to leave a critical region and is in the VM.
func (h *Heap) gcLockerCollect(t *task.Thread) {
	h.lock.Lock(t)
	before := h.TotalCollections()
	h.lock.Unlock(t)
	op := vmop.NewYoungPause(h, vmop.CauseGCLocker, 0, before)
	h.vm.Execute(t, op)
	h.log.Debug("GC locker collection", "ran", op.PauseSucceeded(), "locked", op.GCLocked())
}

// Collect asks for a collection on behalf of t, which is in the VM. kind
// is young, full or mark.
func (h *Heap) Collect(t *task.Thread, kind string, cause vmop.Cause) error {
	h.lock.Lock(t)
	gc, full := h.TotalCollections(), h.TotalFullCollections()
	h.lock.Unlock(t)

	var locked bool
	switch kind {
	case "young":
		op := vmop.NewYoungPause(h, cause, 0, gc)
		h.vm.Execute(t, op)
		locked = op.GCLocked()
	case "full":
		op := vmop.NewGenCollectFull(h, cause, gc, full)
		h.vm.Execute(t, op)
		locked = op.GCLocked()
	case "mark":
		op := vmop.NewMarkLive(h)
		h.vm.Execute(t, op)
		locked = op.GCLocked()
	default:
		return fmt.Errorf("unknown collection kind %q", kind)
	}
	if locked {
		return fmt.Errorf("%s collection: %w", kind, ErrGCLocked)
	}
	return nil
}

// Inspect writes a class histogram. It runs at a safepoint.
func (h *Heap) Inspect(w io.Writer) {
	writeHistogram(w, h.histogram())
}

// InspectHeap writes a class histogram through the VM thread, after a
// full collection if fullGC is set. t is in the VM.
func (h *Heap) InspectHeap(t *task.Thread, w io.Writer, fullGC bool) (collected bool) {
	op := vmop.NewHeapInspection(h, w, fullGC)
	h.vm.Execute(t, op)
	return fullGC && !op.CollectionSkipped()
}

func (h *Heap) zap() bool { return h.cfg.ZapUnusedHeapArea }

func (h *Heap) workers() int { return int(h.cfg.ParallelGCThreads) }

// usedBytes sums the used bytes of the regions in use.
func (h *Heap) usedBytes() uintptr {
	var used uintptr
	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		if !r.IsFree() && !r.IsContinuesHumongous() {
			used += r.Used()
		}
		return true
	})
	return used
}

func (h *Heap) committedBytes() uintptr {
	return uintptr(h.mgr.Length()) * h.mgr.RegionBytes()
}

// freeRegion returns r, with the rest of its humongous series, to the
// free set. Its cards are cleaned and other regions forget the cards it
// held.
func (h *Heap) freeRegion(r *region.HeapRegion) {
	series := []*region.HeapRegion{r}
	if r.IsStartsHumongous() {
		for i := r.Index() + 1; i < h.mgr.Length(); i++ {
			next := h.mgr.At(i)
			if !next.IsContinuesHumongous() || next.HumongousStart() != r {
				break
			}
			series = append(series, next)
		}
	}
	for _, s := range series {
		h.ct.Clear(memregion.New(s.Bottom(), s.OrigEnd()))
	}
	h.mgr.Iterate(func(o *region.HeapRegion) bool {
		if !o.IsFree() {
			for _, s := range series {
				o.RemSet().RemoveRegion(s.Index())
			}
		}
		return true
	})
	h.mgr.Free(r, h.zap())
}

// parIterateRegions hands every committed region to fn once, across the
// parallel GC workers. Claims are tagged with a fresh cycle so no claim
// left by an earlier pass counts.
func (h *Heap) parIterateRegions(phase region.Phase, fn func(worker int, r *region.HeapRegion)) {
	h.claimCycle++
	claim := region.Claim(h.claimCycle, phase)
	n := max(h.workers(), 1)
	var wg sync.WaitGroup
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h.mgr.ParIterate(claim, w, n, func(r *region.HeapRegion) { fn(w, r) })
		}(w)
	}
	wg.Wait()
	if r := h.mgr.CheckClaimValues(claim); r != nil {
		gclog.Fatalf("region %d missed by the parallel pass", r.Index())
	}
}

func (h *Heap) verify(when string) {
	if err := h.Verify(); err != nil {
		gclog.Fatalf("heap verification %s GC failed: %v", when, err)
	}
}
