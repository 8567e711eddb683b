package generation

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/region"
)

// Old is the old generation: every old and humongous region. Mutators
// allocate in an old allocation region, which records each block in the
// block-offset table; young collections promote into a separate GC
// allocation region that is kept from one pause to the next.
type Old struct {
	base

	alloc atomic.Pointer[region.HeapRegion]

	// gcMu is held only to replace the GC allocation region.
	gcMu    sync.Mutex
	gcAlloc atomic.Pointer[region.HeapRegion]
	// Regions promoted into by the running pause.
	pauseRegions []*region.HeapRegion
	// maxRegions caps the old and humongous regions expansion may commit
	// for; 0 means no cap.
	maxRegions int
}

// NewOld returns an empty old generation.
func NewOld(mgr *region.Manager, mem *object.Memory, collect CollectFunc, log *slog.Logger) *Old {
	return &Old{base: newBase("old", mgr, mem, collect, log)}
}

// SetMaxRegions sets the largest number of old and humongous regions the
// generation expands the heap for.
func (g *Old) SetMaxRegions(n int) { g.maxRegions = n }

// MaxRegions returns the expansion cap, 0 if there is none.
func (g *Old) MaxRegions() int { return g.maxRegions }

// ShouldAllocate reports whether the old generation takes the request.
// It takes anything but a humongous TLAB.
func (g *Old) ShouldAllocate(words uintptr, isTLAB bool) bool {
	return !isTLAB || !g.mgr.IsHumongous(words)
}

// SupportsInlineContigAlloc reports that old allocation goes through the
// generation, which keeps the block-offset table up to date.
func (g *Old) SupportsInlineContigAlloc() bool { return false }

// ParAllocate allocates without a lock as long as no block-offset table
// entry needs writing.
func (g *Old) ParAllocate(words uintptr, isTLAB bool) uintptr {
	if g.mgr.IsHumongous(words) {
		return 0
	}
	r := g.alloc.Load()
	if r == nil {
		return 0
	}
	return r.ParAllocateBelowThreshold(words)
}

// Allocate allocates with the heap lock held. A humongous request gets
// regions of its own; the caller must initialise the object before the
// lock is released.
func (g *Old) Allocate(words uintptr, isTLAB bool) uintptr {
	if g.mgr.IsHumongous(words) {
		r := g.mgr.AllocateHumongous(words)
		if r == nil {
			return 0
		}
		g.log.Debug("humongous allocation", "words", words, "region", r.Index())
		return r.Bottom()
	}
	if r := g.alloc.Load(); r != nil {
		if res := r.Allocate(words); res != 0 {
			return res
		}
	}
	r := g.mgr.AllocateFreeRegion(false)
	if r == nil {
		return 0
	}
	r.SetOld()
	g.alloc.Store(r)
	return r.Allocate(words)
}

// ExpandAndAllocate commits as many regions as the request needs and
// allocates in them, unless that would grow the generation past its
// maximum.
func (g *Old) ExpandAndAllocate(words uintptr, isTLAB bool) uintptr {
	need := 1
	if g.mgr.IsHumongous(words) {
		need = int(memregion.AlignUp(words*memregion.WordSize, g.mgr.RegionBytes()) / g.mgr.RegionBytes())
		if g.mgr.FindContiguousFree(need) >= 0 {
			return g.Allocate(words, isTLAB)
		}
	} else if g.mgr.NumFree() > 0 {
		return g.Allocate(words, isTLAB)
	}
	if g.maxRegions > 0 {
		if n, _ := g.count(); n+need > g.maxRegions {
			g.log.Debug("old generation at its maximum", "regions", n, "need", need, "max", g.maxRegions)
			return 0
		}
	}
	if _, err := g.mgr.Expand(need); err != nil {
		g.log.Debug("old expansion failed", "regions", need, "err", err)
		return 0
	}
	return g.Allocate(words, isTLAB)
}

// StartPause prepares promotion for a young collection. The retained GC
// allocation region records its top so scans in this pause stop short of
// what gets promoted into it. The global time stamp must already have
// been advanced.
func (g *Old) StartPause() {
	g.pauseRegions = g.pauseRegions[:0]
	if r := g.gcAlloc.Load(); r != nil {
		if !r.IsOld() {
			// A full collection or cleanup repurposed it.
			g.gcAlloc.Store(nil)
			return
		}
		r.RecordTopAndTimestamp()
		r.SaveMarks()
		g.pauseRegions = append(g.pauseRegions, r)
	}
}

func (g *Old) newGCAllocRegion() *region.HeapRegion {
	r := g.mgr.AllocateFreeRegion(false)
	if r == nil {
		return nil
	}
	r.SetOld()
	r.RecordTopAndTimestamp()
	r.SaveMarks()
	g.pauseRegions = append(g.pauseRegions, r)
	g.gcAlloc.Store(r)
	return r
}

// Promote copies obj into the GC allocation region and returns the copy,
// or 0 if the heap has no room. Only one thread may promote.
func (g *Old) Promote(obj, words uintptr) uintptr {
	dst := uintptr(0)
	if r := g.gcAlloc.Load(); r != nil {
		dst = r.Allocate(words)
	}
	if dst == 0 {
		r := g.newGCAllocRegion()
		if r == nil {
			return 0
		}
		dst = r.Allocate(words)
	}
	if dst != 0 {
		g.mem.Copy(dst, obj, words)
	}
	return dst
}

// ParPromote is Promote for parallel workers. Workers share the GC
// allocation region; the lock is taken only to replace it.
func (g *Old) ParPromote(obj, words uintptr) uintptr {
	for {
		r := g.gcAlloc.Load()
		if r != nil {
			if dst := r.ParAllocate(words); dst != 0 {
				g.mem.Copy(dst, obj, words)
				return dst
			}
		}
		g.gcMu.Lock()
		if g.gcAlloc.Load() == r {
			if g.newGCAllocRegion() == nil {
				g.gcMu.Unlock()
				return 0
			}
		}
		g.gcMu.Unlock()
	}
}

// NoAllocsSinceSaveMarks reports whether nothing was promoted since the
// promoted objects were last scanned.
func (g *Old) NoAllocsSinceSaveMarks() bool {
	for _, r := range g.pauseRegions {
		if !r.NoAllocsSinceSaveMarks() {
			return false
		}
	}
	return true
}

// OopSinceSaveMarksIterate calls fn for every object promoted since the
// last scan, including objects fn promotes.
func (g *Old) OopSinceSaveMarksIterate(fn func(obj uintptr)) {
	for i := 0; i < len(g.pauseRegions); i++ {
		g.pauseRegions[i].OopSinceSaveMarksIterate(fn)
	}
}

// PauseRegions returns the regions promoted into by the running pause.
func (g *Old) PauseRegions() []*region.HeapRegion { return g.pauseRegions }

// ResetAfterFullGC drops the allocation regions, which a full collection
// may have emptied or filled.
func (g *Old) ResetAfterFullGC() {
	g.RetireAllocRegions()
	g.pauseRegions = nil
}

// RetireAllocRegions stops allocation in the current mutator and GC
// allocation regions. Regions freed outside a pause must not stay
// allocation targets.
func (g *Old) RetireAllocRegions() {
	g.alloc.Store(nil)
	g.gcAlloc.Store(nil)
}

func (g *Old) count() (regions int, used uintptr) {
	g.mgr.Iterate(func(r *region.HeapRegion) bool {
		switch {
		case r.IsOld():
			regions++
			used += r.Used()
		case r.IsStartsHumongous():
			regions++
			used += r.Used()
		case r.IsContinuesHumongous():
			regions++
		}
		return true
	})
	return regions, used
}

// Used returns the bytes in old and humongous regions.
func (g *Old) Used() uintptr {
	_, used := g.count()
	return used
}

// Capacity returns the size of the old and humongous regions.
func (g *Old) Capacity() uintptr {
	n, _ := g.count()
	return uintptr(n) * g.mgr.RegionBytes()
}

// CapacityBeforeGC is the capacity plus the free regions old allocation
// may still take.
func (g *Old) CapacityBeforeGC() uintptr {
	return g.Capacity() + uintptr(g.mgr.NumFree())*g.mgr.RegionBytes()
}

// Stats returns a snapshot of the generation.
func (g *Old) Stats() Stats {
	n, used := g.count()
	return g.stats(n, used, uintptr(n)*g.mgr.RegionBytes())
}
