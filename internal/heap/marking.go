package heap

import (
	"sync"
	"time"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/mark"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/region"
	"github.com/LimeChain/regiongc/internal/vmop"
)

// regionMarks keeps marks in the next bitmaps of the regions, leaving the
// mark words alone.
type regionMarks struct{ h *Heap }

func (m regionMarks) Mark(obj uintptr) bool {
	return m.h.mgr.AddrToRegion(obj).MarkNext(obj, m.h.mem.Size(obj))
}

func (m regionMarks) IsMarked(obj uintptr) bool {
	return m.h.mgr.AddrToRegion(obj).IsMarkedNext(obj)
}

// markLive finds the live objects of every region without moving any.
// Old regions found empty, and dead humongous objects, are freed right
// away; the rest keep the result in their previous bitmaps, which card
// scanning uses to skip dead objects. It runs at a safepoint.
func (h *Heap) markLive() {
	if h.locker.CheckActiveBeforeGC() {
		return
	}
	start := time.Now()
	usedBefore := h.usedBytes()
	h.gcCause = vmop.CauseMarkLive

	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		if !r.IsFree() {
			r.NoteStartOfMarking()
		}
		return true
	})

	m := mark.New(h.mem, regionMarks{h}, nil)
	h.roots.mu.Lock()
	h.strongRootsDo(func(slot *uintptr) { m.MarkRef(*slot) }, true)
	h.softRootsDo(func(r *SoftRef) { m.MarkRef(r.referent) })
	h.loaderRootsDo(func(slot *uintptr) { m.MarkRef(*slot) })
	h.roots.mu.Unlock()
	m.Drain()

	var (
		mu   sync.Mutex
		dead []*region.HeapRegion
	)
	h.parIterateRegions(region.PhaseMarkCleanup, func(_ int, r *region.HeapRegion) {
		if r.IsFree() {
			return
		}
		r.NoteEndOfMarking()
		if (r.IsOld() && r.LiveBytes() == 0) || (r.IsStartsHumongous() && !r.IsMarkedPrev(r.Bottom())) {
			mu.Lock()
			dead = append(dead, r)
			mu.Unlock()
		}
	})
	if len(dead) > 0 {
		h.old.RetireAllocRegions()
	}
	for _, r := range dead {
		h.freeRegion(r)
	}

	pause := time.Since(start)
	usedAfter := h.usedBytes()
	stats := m.Stats()
	h.log.Info("live marking",
		"pause", pause, "marked", stats.Marked,
		gclog.Bytes("live", stats.MarkedWords*memregion.WordSize),
		gclog.Bytes("before", usedBefore), gclog.Bytes("after", usedAfter),
		"regionsFreed", len(dead))
	h.events.publish(Event{
		Kind:       KindMark,
		Cause:      h.gcCause.String(),
		Start:      start,
		Pause:      pause,
		UsedBefore: usedBefore,
		UsedAfter:  usedAfter,
		Capacity:   h.committedBytes(),
	})
}
