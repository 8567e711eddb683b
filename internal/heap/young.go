package heap

import (
	"time"

	"github.com/LimeChain/regiongc/internal/bitmap"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/region"
	"github.com/LimeChain/regiongc/internal/remset"
)

// evacuation is the state of one young pause. Live objects of the
// collection set are copied to survivor regions, or promoted to old
// regions once old enough; objects that cannot be copied anywhere are
// forwarded to themselves and their regions kept.
type evacuation struct {
	h         *Heap
	threshold uint

	survived uintptr
	promoted uintptr

	// Self-forwarded objects still to be scanned, and the mark words
	// they had.
	failedQueue []uintptr
	preserved   map[uintptr]uint64
	failed      map[*region.HeapRegion]bool
}

// copy evacuates obj and returns its new address.
func (e *evacuation) copy(obj uintptr) uintptr {
	mem := e.h.mem
	if fwd := mem.Forwardee(obj); fwd != 0 {
		return fwd
	}
	words := mem.Size(obj)
	age := mem.Age(obj)
	dst := uintptr(0)
	if age < e.threshold {
		if dst = e.h.young.Promote(obj, words); dst != 0 {
			mem.SetAge(dst, age+1)
			e.survived += words * memregion.WordSize
		}
	}
	if dst == 0 {
		if dst = e.h.old.Promote(obj, words); dst != 0 {
			e.promoted += words * memregion.WordSize
		}
	}
	if dst == 0 {
		return e.selfForward(obj)
	}
	mem.ForwardTo(obj, dst)
	return dst
}

func (e *evacuation) selfForward(obj uintptr) uintptr {
	mem := e.h.mem
	e.preserved[obj] = mem.Mark(obj)
	mem.ForwardTo(obj, obj)
	e.failed[e.h.mgr.AddrToRegion(obj)] = true
	e.failedQueue = append(e.failedQueue, obj)
	e.h.incrementalFailed.Store(true)
	return obj
}

// forwardRoot evacuates the referent of a root slot.
func (e *evacuation) forwardRoot(slot *uintptr) {
	ref := *slot
	if ref == 0 || !e.h.mem.IsInReserved(ref) {
		return
	}
	if r := e.h.mgr.AddrToRegion(ref); r != nil && r.InCollectionSet() {
		*slot = e.copy(ref)
	}
}

// scanField evacuates the referent of a heap field and keeps the
// remembered sets up to date for fields outside young regions.
func (e *evacuation) scanField(field uintptr) {
	h := e.h
	ref := h.mem.LoadRef(field)
	if ref == 0 || !h.mem.IsInReserved(ref) {
		return
	}
	to := h.mgr.AddrToRegion(ref)
	if to == nil {
		return
	}
	if to.InCollectionSet() {
		ref = e.copy(ref)
		h.mem.StoreRef(field, ref)
		to = h.mgr.AddrToRegion(ref)
	}
	from := h.mgr.AddrToRegion(field)
	if from == nil || from == to || from.IsYoung() || to.IsFree() {
		return
	}
	to.RemSet().AddReference(h.ct.IndexFor(field))
}

func (e *evacuation) scanObject(obj uintptr) {
	e.h.mem.OopIterate(obj, e.scanField)
}

// drain scans copied and self-forwarded objects until nothing new turns
// up.
func (e *evacuation) drain() {
	h := e.h
	for {
		h.young.OopSinceSaveMarksIterate(e.scanObject)
		h.old.OopSinceSaveMarksIterate(e.scanObject)
		for len(e.failedQueue) > 0 {
			obj := e.failedQueue[len(e.failedQueue)-1]
			e.failedQueue = e.failedQueue[:len(e.failedQueue)-1]
			e.scanObject(obj)
		}
		if h.young.NoAllocsSinceSaveMarks() && h.old.NoAllocsSinceSaveMarks() {
			return
		}
	}
}

// scanRemSets scans the cards the collection set's remembered sets name.
// A card shared by several sets is scanned once.
func (e *evacuation) scanRemSets(cset []*region.HeapRegion) {
	h := e.h
	seen := bitmap.NewSet(h.ct.Cards())
	for _, r := range cset {
		for card := range r.RemSet().Cards() {
			if !seen.TryAdd(card) {
				continue
			}
			mr := h.ct.CardRegion(card)
			src := h.mgr.AddrToRegion(mr.Start())
			if src == nil || src.IsFree() || src.IsYoung() || src.InCollectionSet() {
				continue
			}
			ok := src.OopsOnCardSeqIterateCareful(mr, e.scanField, h.ct, -1)
			gclog.Guarantee(ok, "card %d of region %d is not parsable at a safepoint", card, src.Index())
		}
	}
}

// scanCodeRoots evacuates what the code attached to the collection set
// refers to, and returns that code so it can be attached to the regions
// its referents moved to.
func (e *evacuation) scanCodeRoots(cset []*region.HeapRegion) []remset.CodeRoot {
	var code []remset.CodeRoot
	seen := make(map[remset.CodeRoot]bool)
	for _, r := range cset {
		r.RemSet().StrongCodeRootsDo(func(cr remset.CodeRoot) {
			if seen[cr] {
				return
			}
			seen[cr] = true
			code = append(code, cr)
			cr.OopsDo(e.forwardRoot)
		})
	}
	return code
}

// removeSelfForwards restores a region that failed evacuation: the
// self-forwarded objects stay with their marks restored, everything else
// in it becomes filler. The region turns old, with all its cards dirty so
// refinement rebuilds the remembered sets its objects belong in.
func (e *evacuation) removeSelfForwards(r *region.HeapRegion) {
	h := e.h
	mem := h.mem
	offsets := r.Offsets()
	offsets.ResetBOT()

	deadStart := uintptr(0)
	flush := func(end uintptr) {
		if deadStart == 0 {
			return
		}
		words := memregion.PointerDelta(end, deadStart)
		mem.FillWithObject(deadStart, words)
		offsets.AllocBlockWords(deadStart, words)
		deadStart = 0
	}
	for q := r.Bottom(); q < r.Top(); {
		words := mem.Size(q)
		if mem.Forwardee(q) == q {
			flush(q)
			mem.SetMark(q, e.preserved[q])
			offsets.AllocBlockWords(q, words)
		} else if deadStart == 0 {
			deadStart = q
		}
		q += words * memregion.WordSize
	}
	flush(r.Top())

	r.SetInCollectionSet(false)
	r.SetOld()
	r.SetAge(0)
	r.ResetMarkingData()
	h.ct.Dirty(r.UsedRegion())
}

// youngPause evacuates eden and the survivor regions. It runs at a
// safepoint.
func (h *Heap) youngPause() {
	start := time.Now()
	h.collections.Add(1)
	usedBefore := h.usedBytes()
	if h.cfg.VerifyBeforeGC {
		h.verify("before")
	}

	state := h.mgr.GCState()
	state.SetGCActive(true)
	state.IncrementGCTimeStamp()
	cset := h.young.StartPause()
	h.old.StartPause()
	h.refinePass()

	e := &evacuation{
		h:         h,
		threshold: h.tenuringThreshold(),
		preserved: make(map[uintptr]uint64),
		failed:    make(map[*region.HeapRegion]bool),
	}

	h.roots.mu.Lock()
	h.strongRootsDo(e.forwardRoot, false)
	h.softRootsDo(func(r *SoftRef) { e.forwardRoot(&r.referent) })
	h.loaderRootsDo(e.forwardRoot)
	code := e.scanCodeRoots(cset)
	h.roots.mu.Unlock()

	e.scanRemSets(cset)
	e.drain()

	for _, r := range cset {
		if e.failed[r] {
			e.removeSelfForwards(r)
		} else {
			h.freeRegion(r)
		}
	}
	for _, cr := range code {
		if c, ok := cr.(*Code); ok {
			h.registerCode(c)
		}
	}
	h.young.EndPause()
	state.SetGCActive(false)

	end := time.Now()
	pause := end.Sub(start)
	if h.cfg.UseAdaptiveSizePolicy {
		h.resizeYoung(pause, end, e.survived, e.promoted)
	}
	h.lastGCEnd = end
	h.young.RecordCollection(pause)
	h.young.UpdateTimeOfLastGC(end)

	usedAfter := h.usedBytes()
	h.log.Info("young pause",
		"cause", h.gcCause.String(), "pause", pause,
		gclog.Bytes("before", usedBefore), gclog.Bytes("after", usedAfter),
		gclog.Bytes("survived", e.survived), gclog.Bytes("promoted", e.promoted),
		"failedRegions", len(e.failed))
	h.events.publish(Event{
		Kind:       KindYoung,
		Cause:      h.gcCause.String(),
		Start:      start,
		Pause:      pause,
		UsedBefore: usedBefore,
		UsedAfter:  usedAfter,
		Capacity:   h.committedBytes(),
	})
	if h.cfg.VerifyAfterGC {
		h.verify("after")
	}
}

func (h *Heap) tenuringThreshold() uint {
	if h.cfg.UseAdaptiveSizePolicy {
		return h.pol.SizePolicy().TenuringThreshold()
	}
	return h.cfg.MaxTenuringThreshold
}

// resizeYoung feeds the pause to the adaptive size policy and applies
// the eden and survivor sizes it asks for.
func (h *Heap) resizeYoung(pause time.Duration, end time.Time, survived, promoted uintptr) {
	sp := h.pol.SizePolicy()
	interval := time.Duration(0)
	if !h.lastGCEnd.IsZero() {
		interval = end.Sub(h.lastGCEnd) - pause
	}
	sp.RecordMinor(pause, interval, survived, promoted)

	rb := h.mgr.RegionBytes()
	sizes := h.pol.Sizes()
	sr := uintptr(h.cfg.SurvivorRatio)
	eden := sp.ComputeEdenSpaceSize(uintptr(h.young.TargetEden())*rb, rb, sizes.MaxGen0*sr/(sr+2))
	surv := sp.ComputeSurvivorSpaceSize(h.young.SurvivorOverflowed(), rb, max(sizes.MaxGen0/(sr+2), rb))
	h.young.SetTargetEden(int(eden / rb))
	h.young.SetMaxSurvivors(int(surv / rb))
	h.log.Debug("young generation resized", "eden", h.young.TargetEden(), "survivors", h.young.MaxSurvivors(), "gcCost", sp.GCCost())
}
