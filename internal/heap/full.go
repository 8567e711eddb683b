package heap

import (
	"time"

	"github.com/LimeChain/regiongc/internal/cardtable"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/mark"
	"github.com/LimeChain/regiongc/internal/metaspace"
	"github.com/LimeChain/regiongc/internal/region"
	"github.com/LimeChain/regiongc/internal/space"
)

// compactionChain is the list of regions a full collection slides live
// objects through, in address order.
type compactionChain struct {
	regions []*region.HeapRegion
}

func (c *compactionChain) FirstCompactionSpace() *space.Space {
	if len(c.regions) == 0 {
		return nil
	}
	return c.regions[0].Space
}

// fullCollection marks from the roots and slides every live object of
// every non-humongous region toward the bottom of the heap. Humongous
// objects stay where they are and are freed when dead. Remembered sets
// are rebuilt from scratch afterwards. It runs at a safepoint.
func (h *Heap) fullCollection(clearAllSoftRefs bool) {
	start := time.Now()
	h.collections.Add(1)
	h.fullCollections.Add(1)
	usedBefore := h.usedBytes()
	if h.cfg.VerifyBeforeGC {
		h.verify("before")
	}
	soft := h.pol.SoftRefs()
	soft.Setup(h.pol.Sizes().MaxHeap - usedBefore)
	h.old.RetireAllocRegions()

	h.roots.mu.Lock()
	stats := h.markPhase(clearAllSoftRefs, start)
	cleared, unloaded := h.processWeakRoots()
	soft.Cleared(clearAllSoftRefs)
	h.meta.Purge(func(id metaspace.LoaderID) bool {
		return id == BootLoader || h.roots.loaders[id] != nil
	})
	h.meta.ComputeNewSize()

	chain, humongous := h.prepareCompaction()
	h.adjustPointers(chain, humongous)
	h.roots.mu.Unlock()
	h.compact(chain, humongous)
	h.rebuildRemSets()

	h.young.ResetAfterFullGC()
	h.old.ResetAfterFullGC()
	h.incrementalFailed.Store(false)
	h.resizeAfterFull()

	end := time.Now()
	pause := end.Sub(start)
	usedAfter := h.usedBytes()
	sp := h.pol.SizePolicy()
	interval := time.Duration(0)
	if !h.lastMajorEnd.IsZero() {
		interval = end.Sub(h.lastMajorEnd) - pause
	}
	sp.RecordMajor(pause, interval)
	capacity := h.pol.Sizes().MaxHeap
	free := capacity - usedAfter
	soft.Setup(free)
	sp.CheckGCOverheadLimit(free, capacity, free, capacity, true, h.gcCause.IsUserRequested(), soft)
	h.lastMajorEnd = end
	h.lastGCEnd = end
	h.old.RecordCollection(pause)
	h.old.UpdateTimeOfLastGC(end)
	h.young.UpdateTimeOfLastGC(end)

	h.log.Info("full collection",
		"cause", h.gcCause.String(), "pause", pause,
		gclog.Bytes("before", usedBefore), gclog.Bytes("after", usedAfter),
		"marked", stats.Marked, "softCleared", cleared, "loadersUnloaded", unloaded,
		"regions", h.mgr.Length())
	h.events.publish(Event{
		Kind:       KindFull,
		Cause:      h.gcCause.String(),
		Start:      start,
		Pause:      pause,
		UsedBefore: usedBefore,
		UsedAfter:  usedAfter,
		Capacity:   h.committedBytes(),
	})
	if h.cfg.VerifyAfterGC {
		h.verify("after")
		if err := h.verifyCardsClean(); err != nil {
			gclog.Fatalf("card table not clean after full GC: %v", err)
		}
	}
}

// markPhase marks everything reachable in the mark words. Soft referents
// that are due for clearing are not roots; loaders are kept alive by
// their objects and by the instances of their classes.
func (h *Heap) markPhase(clearAllSoftRefs bool, now time.Time) mark.Stats {
	soft := h.pol.SoftRefs()
	m := mark.New(h.mem, mark.HeaderMarks{Mem: h.mem}, nil)
	m.OnMarked(func(obj, _ uintptr) {
		if l := h.roots.klassLoader[h.mem.Klass(obj).ID]; l != nil && !l.unloaded {
			m.MarkRef(l.obj)
		}
	})
	h.strongRootsDo(func(slot *uintptr) { m.MarkRef(*slot) }, true)
	h.softRootsDo(func(r *SoftRef) {
		if !clearAllSoftRefs && !soft.ShouldClear(r.lastUse, now) {
			m.MarkRef(r.referent)
		}
	})
	m.Drain()
	return m.Stats()
}

// processWeakRoots clears soft references and unloads loaders whose
// objects were not marked.
func (h *Heap) processWeakRoots() (cleared, unloaded int) {
	h.softRootsDo(func(r *SoftRef) {
		if h.mem.IsGCMarked(r.referent) {
			return
		}
		r.referent = 0
		r.cleared = true
		h.pending.Add(r.id)
		cleared++
	})
	for id, l := range h.roots.loaders {
		if h.mem.IsGCMarked(l.obj) {
			continue
		}
		l.obj = 0
		l.unloaded = true
		delete(h.roots.loaders, id)
		unloaded++
		h.log.Debug("class loader unloaded", "loader", l.name, "classes", l.classes)
	}
	for kid, l := range h.roots.klassLoader {
		if l.unloaded {
			delete(h.roots.klassLoader, kid)
		}
	}
	return cleared, unloaded
}

// prepareCompaction forwards every marked object. It frees dead humongous
// objects and returns the regions to compact and the live humongous
// start regions.
func (h *Heap) prepareCompaction() (*compactionChain, []*region.HeapRegion) {
	chain := &compactionChain{}
	var humongous, dead []*region.HeapRegion
	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		switch {
		case r.IsFree(), r.IsContinuesHumongous():
		case r.IsStartsHumongous():
			if h.mem.IsGCMarked(r.Bottom()) {
				humongous = append(humongous, r)
			} else {
				dead = append(dead, r)
			}
		default:
			chain.regions = append(chain.regions, r)
		}
		return true
	})
	for _, r := range dead {
		h.mgr.Free(r, h.zap())
	}

	for i, r := range chain.regions {
		r.SetInCollectionSet(false)
		r.SetDeadRatio(h.cfg.MarkSweepDeadRatio)
		r.SetMangle(h.zap())
		var next *space.Space
		if i+1 < len(chain.regions) {
			next = chain.regions[i+1].Space
		}
		r.SetNextCompactionSpace(next)
	}
	h.fullInvocations++
	pol := space.CompactionPolicy{
		Invocation:         h.fullInvocations,
		AlwaysCompactCount: h.cfg.MarkSweepAlwaysCompactCount,
	}
	cp := &space.CompactPoint{Gen: chain}
	for _, r := range chain.regions {
		r.PrepareForCompaction(cp, pol)
	}
	return chain, humongous
}

// adjustPointers points every reference at its referent's new address.
func (h *Heap) adjustPointers(chain *compactionChain, humongous []*region.HeapRegion) {
	adjustRoot := func(slot *uintptr) {
		if *slot == 0 {
			return
		}
		if fwd := h.mem.Forwardee(*slot); fwd != 0 {
			*slot = fwd
		}
	}
	h.strongRootsDo(adjustRoot, true)
	h.softRootsDo(func(r *SoftRef) { adjustRoot(&r.referent) })
	h.loaderRootsDo(adjustRoot)

	for _, r := range chain.regions {
		r.AdjustPointers()
	}
	for _, r := range humongous {
		h.mem.OopIterate(r.Bottom(), func(field uintptr) { space.AdjustPointer(h.mem, field) })
	}
}

// compact moves the objects, frees the regions left empty and makes the
// rest old.
func (h *Heap) compact(chain *compactionChain, humongous []*region.HeapRegion) {
	for _, r := range chain.regions {
		r.Compact()
	}
	for _, r := range humongous {
		h.mem.InitMark(r.Bottom())
	}
	for _, r := range chain.regions {
		if r.IsEmpty() {
			h.mgr.Free(r, h.zap())
			continue
		}
		r.SetOld()
		r.SetAge(0)
	}
	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		if !r.IsFree() {
			r.ResetMarkingData()
		}
		return true
	})
}

// rebuildRemSets recomputes every remembered set and code root list from
// the compacted heap. Every card ends clean.
func (h *Heap) rebuildRemSets() {
	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		r.RemSet().Clear()
		r.RemSet().ClearStrongCodeRoots()
		return true
	})
	h.ct.Clear(h.mgr.Committed())

	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		switch {
		case r.IsOld():
			used := r.UsedRegion()
			h.ct.Dirty(used)
			h.ct.NonCleanCardIterateParallel(r, used, h.workers(), func(int) cardtable.BoundedClosure {
				return cardtable.NewDirtyCardToOop(r, h.mem, cardtable.ObjHeadPreciseArray, h.recordRef)
			})
		case r.IsStartsHumongous():
			h.mem.OopIterate(r.Bottom(), h.recordRef)
		}
		return true
	})

	h.roots.mu.Lock()
	for c := range h.roots.code {
		h.registerCode(c)
	}
	h.roots.mu.Unlock()
}

// resizeAfterFull grows or shrinks the committed heap toward the capacity
// the free ratios ask for.
func (h *Heap) resizeAfterFull() {
	rb := h.mgr.RegionBytes()
	capacity := h.committedBytes()
	desired := h.pol.DesiredCapacity(h.usedBytes(), capacity)
	switch {
	case desired > capacity:
		n, err := h.mgr.Expand(int((desired - capacity) / rb))
		if err != nil {
			h.log.Debug("heap expansion after full collection failed", "err", err)
		}
		h.log.Debug("heap expanded", "regions", n)
	case capacity-desired >= max(h.cfg.MinHeapDeltaBytes.Bytes(), rb):
		n := h.mgr.Shrink(int((capacity - desired) / rb))
		h.log.Debug("heap shrunk", "regions", n)
	}
}
