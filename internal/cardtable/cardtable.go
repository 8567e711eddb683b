// Package cardtable implements the card-marking write barrier and the
// iteration over marked cards.
//
// The heap is divided into cards of CardSize bytes. Each card has one byte
// in the table. The barrier writes Dirty into the card of every reference
// store; the collector scans non-clean cards and writes Clean back.
//
// Marking is precise for object arrays (the card of the modified element
// is dirtied) and imprecise for other objects (the card of the object head
// may stand for the whole object). Scanners handle both: a non-clean card
// is scanned from the start of the block that covers its first word, and an
// instance whose head lies on a non-clean card is scanned to its end.
package cardtable

import (
	"fmt"
	"io"
	"sync"

	"github.com/sigurn/crc16"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/orderaccess"
)

const (
	CardShift       = 9
	CardSize        = 1 << CardShift
	CardSizeInWords = CardSize / memregion.WordSize
)

// Card values. Clean and Dirty differ in every bit so a dirty test is a
// single compare against zero.
const (
	Clean      byte = 0xff
	Dirty      byte = 0
	Precleaned byte = 1
	Claimed    byte = 2
	Deferred   byte = 4
	LastCard   byte = 8
)

// cleanRow is a word of the table in which every card is clean.
var cleanRow = orderaccess.Row(Clean)

// byteMapPage is the number of card bytes committed at a time.
const byteMapPage = 4096

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// RefStorer writes references into the heap.
type RefStorer interface {
	StoreRef(field uintptr, v uintptr)
}

// Table is a card table over a reserved heap range.
type Table struct {
	wholeHeap memregion.MemRegion

	// Cards [0, lastValidIndex] cover the heap; guardIndex is the one
	// after, and always holds LastCard.
	lastValidIndex int
	guardIndex     int
	cards          *orderaccess.Bytes

	mu                  sync.Mutex
	covered             []memregion.MemRegion
	committed           []memregion.MemRegion
	maxCoveredRegions   int
	cardsPerStrideChunk int
	stridesPerThread    int
}

// Options configures New.
type Options struct {
	// MaxCoveredRegions bounds the number of disjoint covered ranges.
	MaxCoveredRegions int
	// CardsPerStrideChunk is the number of cards in a parallel chunk.
	CardsPerStrideChunk int
	// StridesPerThread is the number of strides per parallel worker.
	StridesPerThread int
}

// New creates a card table over wholeHeap. Every card starts clean. No
// range is covered until ResizeCoveredRegion or OnCommit.
func New(wholeHeap memregion.MemRegion, opts Options) *Table {
	gclog.Guarantee(memregion.IsAligned(wholeHeap.Start(), CardSize),
		"heap %v is not card aligned", wholeHeap)
	if opts.MaxCoveredRegions < 1 {
		opts.MaxCoveredRegions = 2
	}
	if opts.CardsPerStrideChunk < 1 {
		opts.CardsPerStrideChunk = 256
	}
	if opts.StridesPerThread < 1 {
		opts.StridesPerThread = 2
	}
	n := int(memregion.AlignUp(wholeHeap.ByteSize(), CardSize) >> CardShift)
	t := &Table{
		wholeHeap:           wholeHeap,
		lastValidIndex:      n - 1,
		guardIndex:          n,
		cards:               orderaccess.NewBytes(n+1, Clean),
		maxCoveredRegions:   opts.MaxCoveredRegions,
		cardsPerStrideChunk: opts.CardsPerStrideChunk,
		stridesPerThread:    opts.StridesPerThread,
	}
	t.cards.Store(t.guardIndex, LastCard)
	return t
}

// WholeHeap returns the reserved range the table spans.
func (t *Table) WholeHeap() memregion.MemRegion { return t.wholeHeap }

// Cards returns the number of cards, not counting the guard.
func (t *Table) Cards() int { return t.guardIndex }

// IndexFor returns the index of the card holding addr.
func (t *Table) IndexFor(addr uintptr) int {
	gclog.Guarantee(addr >= t.wholeHeap.Start() && addr <= t.wholeHeap.End(),
		"address %#x outside card table range %v", addr, t.wholeHeap)
	return int((addr - t.wholeHeap.Start()) >> CardShift)
}

// ByteFor is IndexFor under the name the barrier uses.
func (t *Table) ByteFor(addr uintptr) int { return t.IndexFor(addr) }

// byteAfter returns the index of the card following the one holding addr.
func (t *Table) byteAfter(addr uintptr) int { return t.IndexFor(addr) + 1 }

// AddrFor returns the first address covered by card i.
func (t *Table) AddrFor(i int) uintptr {
	gclog.Guarantee(i >= 0 && i <= t.guardIndex, "card index %d out of range", i)
	return t.wholeHeap.Start() + uintptr(i)<<CardShift
}

// CardRegion returns the address range covered by card i, clipped to the
// heap.
func (t *Table) CardRegion(i int) memregion.MemRegion {
	return memregion.New(t.AddrFor(i), t.AddrFor(i)+CardSize).Intersection(t.wholeHeap)
}

// Value returns the value of card i.
func (t *Table) Value(i int) byte { return t.cards.Load(i) }

// SetValue stores v into card i.
func (t *Table) SetValue(i int, v byte) { t.cards.Store(i, v) }

// ReleaseSetValue stores v into card i with release semantics.
func (t *Table) ReleaseSetValue(i int, v byte) { t.cards.ReleaseStore(i, v) }

// CompareAndSwap replaces card i's value with new if it holds old.
func (t *Table) CompareAndSwap(i int, old, new byte) bool {
	return t.cards.CompareAndSwap(i, old, new)
}

func (t *Table) IsCardDirty(i int) bool { return t.cards.Load(i) == Dirty }
func (t *Table) IsCardClean(i int) bool { return t.cards.Load(i) == Clean }
func (t *Table) MarkCardDirty(i int)    { t.cards.Store(i, Dirty) }

// RowIsClean reports whether the aligned group of cards holding card i is
// all clean. Cards past the guard are not part of any row.
func (t *Table) RowIsClean(i int) bool {
	return i&^7+8 <= t.guardIndex && t.cards.RowAt(i) == cleanRow
}

// IsCardAligned reports whether addr is the first address of a card.
func (t *Table) IsCardAligned(addr uintptr) bool {
	return memregion.IsAligned(addr-t.wholeHeap.Start(), CardSize)
}

// AlignToCardBoundary rounds addr up to the next card boundary.
func (t *Table) AlignToCardBoundary(addr uintptr) uintptr {
	return t.AddrFor(t.IndexFor(addr + CardSize - 1))
}

// StoreField stores v into field and dirties its card. The card store is
// plain; readers that may run concurrently fence on their side.
func (t *Table) StoreField(mem RefStorer, field, v uintptr) {
	mem.StoreRef(field, v)
	t.cards.Store(t.IndexFor(field), Dirty)
}

// StoreFieldRelease is StoreField with a release store of the card.
func (t *Table) StoreFieldRelease(mem RefStorer, field, v uintptr) {
	mem.StoreRef(field, v)
	t.cards.ReleaseStore(t.IndexFor(field), Dirty)
}

// WriteRegion dirties every card overlapping mr, for bulk writes such as
// object clones.
func (t *Table) WriteRegion(mr memregion.MemRegion) { t.DirtyMemRegion(mr) }

// WriteRefArray dirties every card of a range of array elements.
func (t *Table) WriteRefArray(mr memregion.MemRegion) { t.DirtyMemRegion(mr) }

// DirtyMemRegion dirties every card overlapping mr.
func (t *Table) DirtyMemRegion(mr memregion.MemRegion) {
	if mr.IsEmpty() {
		return
	}
	t.cards.Fill(t.IndexFor(mr.Start()), t.byteAfter(mr.Last()), Dirty)
}

// ClearMemRegion cleans the cards of mr. A card only partly covered at the
// start of mr is left alone unless mr starts at the heap bottom.
func (t *Table) ClearMemRegion(mr memregion.MemRegion) {
	if mr.IsEmpty() {
		return
	}
	var cur int
	if mr.Start() == t.wholeHeap.Start() {
		cur = t.IndexFor(mr.Start())
	} else {
		cur = t.byteAfter(mr.Start() - 1)
	}
	last := t.byteAfter(mr.Last())
	if cur < last {
		t.cards.Fill(cur, last, Clean)
	}
}

// Clear cleans the cards of mr within every covered region.
func (t *Table) Clear(mr memregion.MemRegion) {
	for _, c := range t.CoveredRegions() {
		t.ClearMemRegion(mr.Intersection(c))
	}
}

// Dirty dirties the cards of mr within every covered region.
func (t *Table) Dirty(mr memregion.MemRegion) {
	for _, c := range t.CoveredRegions() {
		t.DirtyMemRegion(mr.Intersection(c))
	}
}

// Invalidate dirties every card of mr, so the next scan visits all of it.
// wholeHeap only says mr is the entire heap.
func (t *Table) Invalidate(mr memregion.MemRegion, wholeHeap bool) {
	if wholeHeap {
		mr = t.wholeHeap
	}
	t.Dirty(mr)
}

// CoveredRegions returns a copy of the covered regions in address order.
func (t *Table) CoveredRegions() []memregion.MemRegion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]memregion.MemRegion(nil), t.covered...)
}

// CommittedRegions returns the ranges whose cards are backed, one per
// covered region. A committed range is its covered range rounded out to
// whole pages of card bytes.
func (t *Table) CommittedRegions() []memregion.MemRegion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]memregion.MemRegion(nil), t.committed...)
}

func (t *Table) findCoveringRegionByBase(base uintptr) int {
	for i, c := range t.covered {
		if c.Start() == base {
			return i
		}
	}
	return -1
}

// ResizeCoveredRegion makes newRegion a covered region, replacing the one
// with the same start if there is one. Cards entering coverage are
// cleaned; cards leaving it are cleaned too so a later regrowth starts
// from a clean state.
func (t *Table) ResizeCoveredRegion(newRegion memregion.MemRegion) {
	gclog.Guarantee(t.wholeHeap.ContainsRegion(newRegion),
		"covered region %v outside heap %v", newRegion, t.wholeHeap)
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.findCoveringRegionByBase(newRegion.Start())
	if i < 0 {
		gclog.Guarantee(len(t.covered) < t.maxCoveredRegions,
			"too many covered regions (max %d)", t.maxCoveredRegions)
		i = len(t.covered)
		for j, c := range t.covered {
			if c.Start() > newRegion.Start() {
				i = j
				break
			}
		}
		t.covered = append(t.covered, memregion.MemRegion{})
		copy(t.covered[i+1:], t.covered[i:])
		t.committed = append(t.committed, memregion.MemRegion{})
		copy(t.committed[i+1:], t.committed[i:])
		t.covered[i] = memregion.New(newRegion.Start(), newRegion.Start())
	}
	old := t.covered[i]
	for _, other := range t.covered {
		if other != old && !other.IsEmpty() && !newRegion.IsEmpty() {
			gclog.Guarantee(other.Intersection(newRegion).IsEmpty(),
				"covered region %v overlaps %v", newRegion, other)
		}
	}
	switch {
	case newRegion.End() > old.End():
		t.ClearMemRegion(memregion.New(old.End(), newRegion.End()))
	case newRegion.End() < old.End():
		t.ClearMemRegion(memregion.New(newRegion.End(), old.End()))
	}
	t.covered[i] = newRegion
	t.committed[i] = t.committedFor(newRegion)
}

func (t *Table) committedFor(mr memregion.MemRegion) memregion.MemRegion {
	page := uintptr(byteMapPage) << CardShift
	base := t.wholeHeap.Start()
	start := base + memregion.AlignDown(mr.Start()-base, page)
	end := base + memregion.AlignUp(mr.End()-base, page)
	return memregion.New(start, min(end, t.wholeHeap.End()))
}

// OnCommit is the mapping-changed listener for newly committed heap. The
// range joins the covered region it extends, or becomes a new one, and
// its cards are cleaned.
func (t *Table) OnCommit(mr memregion.MemRegion) {
	t.mu.Lock()
	base := mr.Start()
	for _, c := range t.covered {
		if c.End() == mr.Start() {
			base = c.Start()
		}
	}
	t.mu.Unlock()
	t.ResizeCoveredRegion(memregion.New(base, mr.End()))
	t.ClearMemRegion(mr)
}

// OnUncommit is the mapping-changed listener for heap given back at the
// top of a covered region. The covered region shrinks to exclude mr.
func (t *Table) OnUncommit(mr memregion.MemRegion) {
	t.mu.Lock()
	base, found := uintptr(0), false
	for _, c := range t.covered {
		if c.End() == mr.End() && c.Start() <= mr.Start() {
			base, found = c.Start(), true
		}
	}
	t.mu.Unlock()
	gclog.Guarantee(found, "uncommit of %v does not end a covered region", mr)
	t.ResizeCoveredRegion(memregion.New(base, mr.Start()))
}

// NonCleanCardIterateSerial reports every maximal run of non-clean cards
// of mr to fn, from the highest address down, after cleaning them. Runs
// are clipped to mr. Walking down lets a scan of an imprecisely marked
// object stop where the previous run began.
func (t *Table) NonCleanCardIterateSerial(mr memregion.MemRegion, fn func(run memregion.MemRegion)) {
	for _, c := range t.CoveredRegions() {
		mri := mr.Intersection(c)
		if mri.IsEmpty() {
			continue
		}
		t.clearNonclean(mri, fn)
	}
}

// clearNonclean walks the cards of mr downwards. Each non-clean card is
// moved to Claimed while its run is collected, then released as Clean
// before the run is handed to fn, so a store fn races with dirties the
// card again.
func (t *Table) clearNonclean(mr memregion.MemRegion, fn func(run memregion.MemRegion)) {
	limit := t.IndexFor(mr.Start())
	cur := t.IndexFor(mr.Last())
	for cur >= limit {
		if t.RowIsClean(cur) && cur&^7 >= limit {
			cur = cur&^7 - 1
			continue
		}
		v := t.cards.Load(cur)
		if v == Clean || !t.cards.CompareAndSwap(cur, v, Claimed) {
			cur--
			continue
		}
		hi := cur
		for cur-1 >= limit {
			v := t.cards.Load(cur - 1)
			if v == Clean || !t.cards.CompareAndSwap(cur-1, v, Claimed) {
				break
			}
			cur--
		}
		for i := cur; i <= hi; i++ {
			t.cards.ReleaseStore(i, Clean)
		}
		fn(memregion.New(t.AddrFor(cur), t.AddrFor(hi+1)).Intersection(mr))
		cur--
	}
}

// DirtyCardIterate reports every maximal run of dirty cards of mr to fn in
// increasing address order. Cards are left unchanged.
func (t *Table) DirtyCardIterate(mr memregion.MemRegion, fn func(run memregion.MemRegion)) {
	for _, c := range t.CoveredRegions() {
		mri := mr.Intersection(c)
		if mri.IsEmpty() {
			continue
		}
		end := t.IndexFor(mri.Last())
		for i := t.IndexFor(mri.Start()); i <= end; i++ {
			if t.cards.Load(i) != Dirty {
				continue
			}
			j := i
			for j+1 <= end && t.cards.Load(j+1) == Dirty {
				j++
			}
			fn(memregion.New(t.AddrFor(i), t.AddrFor(j+1)).Intersection(mri))
			i = j
		}
	}
}

// CountNonClean returns the number of non-clean cards of mr.
func (t *Table) CountNonClean(mr memregion.MemRegion) int {
	if mr.IsEmpty() {
		return 0
	}
	var n int
	end := t.IndexFor(mr.Last())
	for i := t.IndexFor(mr.Start()); i <= end; i++ {
		if t.cards.Load(i) != Clean {
			n++
		}
	}
	return n
}

// VerifyGuard fails if the guard card was overwritten.
func (t *Table) VerifyGuard() {
	gclog.Guarantee(t.cards.Load(t.guardIndex) == LastCard,
		"card table guard overwritten: %#x", t.cards.Load(t.guardIndex))
}

// VerifyRegion fails unless every card of mr equals val (or, with
// equals false, none does).
func (t *Table) VerifyRegion(mr memregion.MemRegion, val byte, equals bool) error {
	if mr.IsEmpty() {
		return nil
	}
	end := t.IndexFor(mr.Last())
	for i := t.IndexFor(mr.Start()); i <= end; i++ {
		v := t.cards.Load(i)
		if (v == val) != equals {
			return fmt.Errorf("card %d (%#x) holds %#x", i, t.AddrFor(i), v)
		}
	}
	return nil
}

// VerifyNotDirtyRegion reports an error if any card of mr is dirty.
func (t *Table) VerifyNotDirtyRegion(mr memregion.MemRegion) error {
	return t.VerifyRegion(mr, Dirty, false)
}

// VerifyDirtyRegion reports an error unless every card of mr is dirty.
func (t *Table) VerifyDirtyRegion(mr memregion.MemRegion) error {
	return t.VerifyRegion(mr, Dirty, true)
}

// Checksum returns a CRC-16 over the card bytes of mr.
func (t *Table) Checksum(mr memregion.MemRegion) uint16 {
	if mr.IsEmpty() {
		return crc16.Checksum(nil, crcTable)
	}
	return crc16.Checksum(t.cards.Snapshot(t.IndexFor(mr.Start()), t.byteAfter(mr.Last())), crcTable)
}

// Print writes a description of the table to w.
func (t *Table) Print(w io.Writer) {
	fmt.Fprintf(w, "card table: heap %v, %d cards, guard %d\n", t.wholeHeap, t.guardIndex, t.guardIndex)
	for i, c := range t.CoveredRegions() {
		fmt.Fprintf(w, "  covered[%d] %v non-clean %d\n", i, c, t.CountNonClean(c))
	}
}
