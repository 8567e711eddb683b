package region

import (
	"github.com/LimeChain/regiongc/internal/memregion"
)

// Liveness is tracked with two bitmaps per region. Marking fills the next
// bitmap for objects below nextTAMS (top at mark start); when it
// completes, next becomes prev and is what IsObjDead consults until the
// following marking.

func (r *HeapRegion) bitIndex(obj uintptr) int {
	return int(memregion.PointerDelta(obj, r.Bottom()))
}

// PrevTopAtMarkStart returns the top recorded when the last completed
// marking started.
func (r *HeapRegion) PrevTopAtMarkStart() uintptr { return r.prevTAMS }

// NextTopAtMarkStart returns the top recorded when the current marking
// started.
func (r *HeapRegion) NextTopAtMarkStart() uintptr { return r.nextTAMS }

func (r *HeapRegion) initTopAtMarkStart() {
	r.prevTAMS = r.Bottom()
	r.nextTAMS = r.Bottom()
}

func (r *HeapRegion) zeroMarkedBytes() {
	r.prevMarkedBytes = 0
	r.nextMarkedBytes = 0
}

// NoteStartOfMarking records nextTAMS and clears the next bitmap.
func (r *HeapRegion) NoteStartOfMarking() {
	r.nextMarkedBytes = 0
	r.nextBitmap.Clear()
	if r.IsContinuesHumongous() {
		r.nextTAMS = r.Bottom()
		return
	}
	r.nextTAMS = r.Top()
}

// MarkNext marks obj in the next bitmap. It reports whether obj was not
// marked before. Objects at or above nextTAMS are implicitly live and are
// never marked.
func (r *HeapRegion) MarkNext(obj uintptr, words uintptr) bool {
	if obj >= r.nextTAMS {
		return false
	}
	if !r.nextBitmap.TryAdd(r.bitIndex(obj)) {
		return false
	}
	r.nextMarkedBytes += words * memregion.WordSize
	return true
}

// IsMarkedNext reports whether obj is marked in the next bitmap.
func (r *HeapRegion) IsMarkedNext(obj uintptr) bool { return r.nextBitmap.Has(r.bitIndex(obj)) }

// IsMarkedPrev reports whether obj was marked by the last completed
// marking.
func (r *HeapRegion) IsMarkedPrev(obj uintptr) bool { return r.prevBitmap.Has(r.bitIndex(obj)) }

// NoteEndOfMarking makes the next marking data current.
func (r *HeapRegion) NoteEndOfMarking() {
	r.prevTAMS = r.nextTAMS
	r.prevMarkedBytes = r.nextMarkedBytes
	r.prevBitmap, r.nextBitmap = r.nextBitmap, r.prevBitmap
	r.nextBitmap.Clear()
	r.nextTAMS = r.Bottom()
	r.nextMarkedBytes = 0
}

// IsObjDead reports whether obj was found unreachable by the last
// completed marking. Objects allocated since are live.
func (r *HeapRegion) IsObjDead(obj uintptr) bool {
	if r.IsContinuesHumongous() {
		return r.humongousStart.IsObjDead(obj)
	}
	return obj < r.prevTAMS && !r.IsMarkedPrev(obj)
}

// MarkedBytes returns the bytes found live by the last completed marking.
func (r *HeapRegion) MarkedBytes() uintptr { return r.prevMarkedBytes }

// LiveBytes returns the bytes marked live plus those allocated since the
// last marking started.
func (r *HeapRegion) LiveBytes() uintptr {
	return r.Top() - r.prevTAMS + r.prevMarkedBytes
}

// GarbageBytes returns the bytes known to be dead.
func (r *HeapRegion) GarbageBytes() uintptr {
	return r.Used() - r.LiveBytes()
}

// ResetMarkingData forgets what every marking found, so that each object
// in the region counts as allocated since the last marking.
func (r *HeapRegion) ResetMarkingData() {
	r.zeroMarkedBytes()
	r.initTopAtMarkStart()
	r.prevBitmap.Clear()
	r.nextBitmap.Clear()
}
