// Package mark implements tracing of the object graph with a grey
// worklist.
//
// Objects start white. Marking an object makes it grey and pushes it on
// the worklist; popping and scanning its reference fields makes it black.
// Cycles need no special handling, since an object is only greyed once.
package mark

import (
	"github.com/LimeChain/regiongc/internal/bitmap"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
)

// Colour is the tri-colour state of an object.
type Colour uint8

const (
	White Colour = iota
	Grey
	Black
)

func (c Colour) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	}
	return "black"
}

// Marks records which objects have been reached.
type Marks interface {
	// Mark marks obj and reports whether it was unmarked before.
	Mark(obj uintptr) bool
	IsMarked(obj uintptr) bool
}

// HeaderMarks keeps marks in the objects' mark words, the way a full
// collection does.
type HeaderMarks struct{ Mem *object.Memory }

func (h HeaderMarks) Mark(obj uintptr) bool {
	if h.Mem.IsGCMarked(obj) {
		return false
	}
	h.Mem.SetMarked(obj)
	return true
}

func (h HeaderMarks) IsMarked(obj uintptr) bool { return h.Mem.IsGCMarked(obj) }

// Stats counts the work of one marking.
type Stats struct {
	Marked      int
	MarkedWords uintptr
	Scanned     int
	// MaxDepth is the largest the worklist grew.
	MaxDepth int
}

// Marker traces from roots through the heap.
type Marker struct {
	mem      *object.Memory
	marks    Marks
	traced   func(ref uintptr) bool
	onMarked func(obj uintptr, words uintptr)

	worklist   Worklist
	grey       bitmap.Set[int]
	inProgress bool
	stats      Stats
}

// New creates a marker. traced decides which references are followed; a
// nil traced follows every non-null reference into the heap.
func New(mem *object.Memory, marks Marks, traced func(ref uintptr) bool) *Marker {
	if traced == nil {
		traced = mem.IsInReserved
	}
	return &Marker{
		mem:    mem,
		marks:  marks,
		traced: traced,
		grey:   bitmap.NewSet(int(mem.Reserved().WordSize())),
	}
}

// OnMarked registers fn to be told of every object as it is marked.
func (m *Marker) OnMarked(fn func(obj uintptr, words uintptr)) { m.onMarked = fn }

func (m *Marker) bit(obj uintptr) int {
	return int(memregion.PointerDelta(obj, m.mem.Reserved().Start()))
}

// MarkRef greys the object ref points to, if it is traced and still
// white. It reports whether the object was greyed.
func (m *Marker) MarkRef(ref uintptr) bool {
	if ref == 0 || !m.traced(ref) {
		return false
	}
	if !m.marks.Mark(ref) {
		return false
	}
	words := m.mem.Size(ref)
	m.stats.Marked++
	m.stats.MarkedWords += words
	if m.onMarked != nil {
		m.onMarked(ref, words)
	}
	m.grey.Add(m.bit(ref))
	m.worklist.Push(ref)
	m.stats.MaxDepth = max(m.stats.MaxDepth, m.worklist.Len())
	return true
}

// MarkSlot marks the referent of the heap field at slot.
func (m *Marker) MarkSlot(slot uintptr) { m.MarkRef(m.mem.LoadRef(slot)) }

// MarkRoots marks the referent of every slot. Roots live outside the heap.
func (m *Marker) MarkRoots(slots []*uintptr) {
	for _, s := range slots {
		m.MarkRef(*s)
	}
}

// Drain scans grey objects until the worklist is empty. Scanning may grey
// more objects, which are scanned in turn.
func (m *Marker) Drain() {
	if m.inProgress {
		gclog.Fatalf("marking is already in progress")
	}
	m.inProgress = true
	defer func() { m.inProgress = false }()

	for {
		obj, ok := m.worklist.Pop()
		if !ok {
			return
		}
		m.grey.Remove(m.bit(obj))
		m.mem.OopIterate(obj, m.MarkSlot)
		m.stats.Scanned++
	}
}

// Colour returns the colour of obj.
func (m *Marker) Colour(obj uintptr) Colour {
	switch {
	case !m.marks.IsMarked(obj):
		return White
	case m.grey.Has(m.bit(obj)):
		return Grey
	}
	return Black
}

// Stats returns the counts so far.
func (m *Marker) Stats() Stats { return m.stats }

// Reset empties the worklist and zeroes the counts. Marks are kept.
func (m *Marker) Reset() {
	m.worklist.Reset()
	m.grey.Clear()
	m.stats = Stats{}
}
