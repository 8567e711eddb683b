package cardtable

import (
	"github.com/LimeChain/regiongc/internal/memregion"
)

// Precision says how stores into a space are marked.
type Precision int

const (
	// ObjHeadPreciseArray marks the head card of instances and the
	// element card of object arrays.
	ObjHeadPreciseArray Precision = iota
	// Precise marks the card of every modified field.
	Precise
)

// ObjectScanner is the object layout card scanning needs.
type ObjectScanner interface {
	IsArray(obj uintptr) bool
	Size(obj uintptr) uintptr
	OopIterate(obj uintptr, fn func(field uintptr)) uintptr
	OopIterateBounded(obj uintptr, mr memregion.MemRegion, fn func(field uintptr)) uintptr
}

// DirtyCardToOop applies a field closure to the references in runs of
// dirty cards. It walks from the start of the block covering a run,
// scans the first and last objects only within the run, and extends the
// run to the end of an instance whose head lies on it.
//
// Runs must arrive in decreasing address order, as the card iterators
// deliver them; the part above the previous run is never scanned twice.
type DirtyCardToOop struct {
	sp        Space
	mem       ObjectScanner
	precision Precision
	fn        func(field uintptr)
	dead      func(obj uintptr) bool
	minDone   uintptr
}

// NewDirtyCardToOop creates a closure scanning sp. fn is called with the
// address of every reference field found.
func NewDirtyCardToOop(sp Space, mem ObjectScanner, precision Precision, fn func(field uintptr)) *DirtyCardToOop {
	return &DirtyCardToOop{sp: sp, mem: mem, precision: precision, fn: fn}
}

// SetDeadFilter makes the closure skip objects for which dead returns true.
func (d *DirtyCardToOop) SetDeadFilter(dead func(obj uintptr) bool) { d.dead = dead }

// SetMinDone bounds how far the next run may be extended. Zero removes
// the bound.
func (d *DirtyCardToOop) SetMinDone(limit uintptr) { d.minDone = limit }

// DoMemRegion scans the references of the run mr.
func (d *DirtyCardToOop) DoMemRegion(mr memregion.MemRegion) {
	if mr.IsEmpty() {
		return
	}
	bottom, top := mr.Start(), mr.End()
	bottomObj := d.sp.BlockStart(bottom)
	topObj := d.sp.BlockStart(mr.Last())
	top = d.actualTop(top, topObj)

	// Do not redo what an earlier, higher run already did.
	if d.precision == ObjHeadPreciseArray && d.minDone != 0 && d.minDone < top {
		top = d.minDone
	}
	// The run may lie entirely in an object already scanned.
	bottom = min(bottom, top)
	extended := memregion.New(bottom, top)
	if !extended.IsEmpty() {
		d.walk(extended, bottomObj, top)
	}
	d.minDone = bottom
}

func (d *DirtyCardToOop) actualTop(top, topObj uintptr) uintptr {
	if !d.sp.BlockIsObj(topObj) {
		return topObj
	}
	if d.precision == ObjHeadPreciseArray && !d.mem.IsArray(topObj) {
		// The store may have been anywhere in the object.
		top = topObj + d.mem.Size(topObj)*memregion.WordSize
	}
	return top
}

func (d *DirtyCardToOop) walk(mr memregion.MemRegion, bottom, top uintptr) {
	if bottom >= top {
		return
	}
	// The first object, bounded to mr.
	bottom += d.iterate(bottom, mr, true) * memregion.WordSize
	if bottom >= top {
		return
	}
	// Objects in the middle are scanned whole.
	next := bottom + d.mem.Size(bottom)*memregion.WordSize
	for next < top {
		d.iterate(bottom, mr, false)
		bottom = next
		next = bottom + d.mem.Size(bottom)*memregion.WordSize
	}
	// The last object, bounded to mr.
	d.iterate(bottom, mr, true)
}

func (d *DirtyCardToOop) iterate(obj uintptr, mr memregion.MemRegion, bounded bool) uintptr {
	if d.dead != nil && d.dead(obj) {
		return d.mem.Size(obj)
	}
	if bounded {
		return d.mem.OopIterateBounded(obj, mr, d.fn)
	}
	return d.mem.OopIterate(obj, d.fn)
}
