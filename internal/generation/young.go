package generation

import (
	"log/slog"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/region"
)

// Young is the young generation. Mutators bump-allocate in the current
// eden region without a lock; taking a new eden region needs the heap
// lock. Eden and survivor lists change only under the heap lock or at a
// safepoint.
type Young struct {
	base

	alloc     atomic.Pointer[region.HeapRegion]
	eden      []*region.HeapRegion
	survivors []*region.HeapRegion

	targetEden   int
	maxSurvivors int

	// Survivor regions filled by the running pause.
	pauseSurvivors []*region.HeapRegion
	survivorAlloc  *region.HeapRegion
	overflowed     bool
}

// NewYoung returns a young generation that may grow to targetEden eden
// regions between collections and copy into at most maxSurvivors
// survivor regions per collection.
func NewYoung(mgr *region.Manager, mem *object.Memory, targetEden, maxSurvivors int, collect CollectFunc, log *slog.Logger) *Young {
	return &Young{
		base:         newBase("young", mgr, mem, collect, log),
		targetEden:   max(targetEden, 1),
		maxSurvivors: max(maxSurvivors, 1),
	}
}

// ShouldAllocate reports whether words fit a region at all. Humongous
// objects go straight to the old generation.
func (g *Young) ShouldAllocate(words uintptr, isTLAB bool) bool {
	return !g.mgr.IsHumongous(words)
}

// SupportsInlineContigAlloc reports that mutators may bump the eden top
// themselves.
func (g *Young) SupportsInlineContigAlloc() bool { return true }

// ParAllocate allocates in the current eden region without a lock.
func (g *Young) ParAllocate(words uintptr, isTLAB bool) uintptr {
	r := g.alloc.Load()
	if r == nil {
		return 0
	}
	return r.ParAllocateNoBOTUpdates(words)
}

// Allocate is the slow path: with the heap lock held it retires a full
// eden region and starts a new one, unless eden is at its target size.
func (g *Young) Allocate(words uintptr, isTLAB bool) uintptr {
	if res := g.ParAllocate(words, isTLAB); res != 0 {
		return res
	}
	if len(g.eden) >= g.targetEden {
		return 0
	}
	r := g.mgr.AllocateFreeRegion(true)
	if r == nil {
		return 0
	}
	r.SetEden()
	g.eden = append(g.eden, r)
	g.alloc.Store(r)
	return r.ParAllocateNoBOTUpdates(words)
}

// ExpandAndAllocate lets eden grow one region past its target, committing
// a region if none is free. It is used when a collection cannot run.
func (g *Young) ExpandAndAllocate(words uintptr, isTLAB bool) uintptr {
	if g.mgr.NumFree() == 0 {
		if _, err := g.mgr.Expand(1); err != nil {
			g.log.Debug("eden expansion failed", "err", err)
			return 0
		}
	}
	g.targetEden++
	return g.Allocate(words, isTLAB)
}

// CapacityBeforeGC returns the bytes eden may hold before a collection.
func (g *Young) CapacityBeforeGC() uintptr {
	return uintptr(g.targetEden) * g.mgr.RegionBytes()
}

// Used returns the bytes in eden and survivor regions.
func (g *Young) Used() uintptr {
	var used uintptr
	for _, r := range g.eden {
		used += r.Used()
	}
	for _, r := range g.survivors {
		used += r.Used()
	}
	return used
}

// Capacity returns the bytes eden may grow to plus the survivor regions.
func (g *Young) Capacity() uintptr {
	return uintptr(g.targetEden+len(g.survivors)) * g.mgr.RegionBytes()
}

// TargetEden returns the number of eden regions allowed between
// collections.
func (g *Young) TargetEden() int { return g.targetEden }

// SetTargetEden sets the eden target, at least one region.
func (g *Young) SetTargetEden(n int) { g.targetEden = max(n, 1) }

// MaxSurvivors returns the survivor region limit per collection.
func (g *Young) MaxSurvivors() int { return g.maxSurvivors }

// SetMaxSurvivors sets the survivor region limit, at least one region.
func (g *Young) SetMaxSurvivors(n int) { g.maxSurvivors = max(n, 1) }

// Eden returns the eden regions.
func (g *Young) Eden() []*region.HeapRegion { return g.eden }

// Survivors returns the survivor regions.
func (g *Young) Survivors() []*region.HeapRegion { return g.survivors }

// StartPause retires the allocation region and hands the eden and
// survivor regions over as the collection set. Called at a safepoint.
func (g *Young) StartPause() []*region.HeapRegion {
	g.alloc.Store(nil)
	cset := append(append([]*region.HeapRegion(nil), g.eden...), g.survivors...)
	for _, r := range cset {
		r.SetInCollectionSet(true)
	}
	g.eden, g.survivors = nil, nil
	g.pauseSurvivors, g.survivorAlloc = nil, nil
	g.overflowed = false
	return cset
}

// AllocateSurvivor allocates words in a survivor region during a pause.
// It fails once the pause has filled its survivor regions.
func (g *Young) AllocateSurvivor(words uintptr) uintptr {
	if g.mgr.IsHumongous(words) {
		return 0
	}
	if r := g.survivorAlloc; r != nil {
		if res := r.Allocate(words); res != 0 {
			return res
		}
	}
	if len(g.pauseSurvivors) >= g.maxSurvivors {
		g.overflowed = true
		return 0
	}
	r := g.mgr.AllocateFreeRegion(true)
	if r == nil {
		g.overflowed = true
		return 0
	}
	r.SetSurvivor()
	r.SaveMarks()
	g.pauseSurvivors = append(g.pauseSurvivors, r)
	g.survivorAlloc = r
	return r.Allocate(words)
}

// Promote copies obj into a survivor region and returns the copy, or 0
// if there is no room.
func (g *Young) Promote(obj, words uintptr) uintptr {
	dst := g.AllocateSurvivor(words)
	if dst != 0 {
		g.mem.Copy(dst, obj, words)
	}
	return dst
}

// NoAllocsSinceSaveMarks reports whether the pause copied nothing into
// survivors since they were last scanned.
func (g *Young) NoAllocsSinceSaveMarks() bool {
	for _, r := range g.pauseSurvivors {
		if !r.NoAllocsSinceSaveMarks() {
			return false
		}
	}
	return true
}

// OopSinceSaveMarksIterate calls fn for every object copied into a
// survivor region since it was last scanned, including objects fn copies.
func (g *Young) OopSinceSaveMarksIterate(fn func(obj uintptr)) {
	for i := 0; i < len(g.pauseSurvivors); i++ {
		g.pauseSurvivors[i].OopSinceSaveMarksIterate(fn)
	}
}

// PauseSurvivors returns the survivor regions filled by the running
// pause.
func (g *Young) PauseSurvivors() []*region.HeapRegion { return g.pauseSurvivors }

// EndPause makes the regions filled by the pause the survivor regions.
func (g *Young) EndPause() {
	g.survivors = g.pauseSurvivors
	g.pauseSurvivors, g.survivorAlloc = nil, nil
}

// SurvivorOverflowed reports whether the running pause had to promote
// objects because the survivor regions were full.
func (g *Young) SurvivorOverflowed() bool { return g.overflowed }

// ResetAfterFullGC forgets eden and survivors, which a full collection
// turned into old regions.
func (g *Young) ResetAfterFullGC() {
	g.alloc.Store(nil)
	g.eden, g.survivors = nil, nil
	g.pauseSurvivors, g.survivorAlloc = nil, nil
}

// Stats returns a snapshot of the generation.
func (g *Young) Stats() Stats {
	return g.stats(len(g.eden)+len(g.survivors), g.Used(), g.Capacity())
}
