package bot

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
)

// Space is the part of the owning space the table needs for lookups.
type Space interface {
	Top() uintptr
}

// ContigView is one contiguous space's window onto the shared array. It
// records blocks as they are allocated in address order and answers
// BlockStart queries.
//
// Entries for cards at and above the next offset threshold have not been
// written yet. Allocations that end at or below the threshold need no
// table update, which is what lets lock-free allocation skip the table.
type ContigView struct {
	array *SharedArray
	mem   *object.Memory
	sp    Space

	bottom uintptr
	end    atomic.Uintptr

	nextOffsetThreshold atomic.Uintptr
	nextOffsetIndex     atomic.Uintptr
}

// NewContigView creates a view over mr. InitializeThreshold must be called
// once the storage under mr is committed.
func NewContigView(array *SharedArray, mem *object.Memory, mr memregion.MemRegion) *ContigView {
	v := &ContigView{array: array, mem: mem, bottom: mr.Start()}
	v.end.Store(mr.End())
	return v
}

// SetSpace attaches the space whose top bounds lookups.
func (v *ContigView) SetSpace(sp Space) { v.sp = sp }

// Array returns the shared backing table.
func (v *ContigView) Array() *SharedArray { return v.array }

// Bottom returns the first covered address.
func (v *ContigView) Bottom() uintptr { return v.bottom }

// End returns the end of the covered range.
func (v *ContigView) End() uintptr { return v.end.Load() }

// Resize moves the end of the covered range. Humongous regions grow their
// view to cover the whole object.
func (v *ContigView) Resize(newWordSize uintptr) {
	v.end.Store(v.bottom + newWordSize*memregion.WordSize)
}

// Threshold returns the next offset threshold.
func (v *ContigView) Threshold() uintptr { return v.nextOffsetThreshold.Load() }

// NextOffsetIndex returns the index of the first card without an entry.
func (v *ContigView) NextOffsetIndex() uintptr { return v.nextOffsetIndex.Load() }

// InitializeThreshold resets the threshold to the second card of the
// space, the first card being covered by ZeroBottomEntry.
func (v *ContigView) InitializeThreshold() uintptr {
	idx := v.array.IndexFor(v.bottom) + 1
	threshold := v.array.AddressForIndex(idx)
	v.nextOffsetIndex.Store(idx)
	v.nextOffsetThreshold.Store(threshold)
	return threshold
}

// ZeroBottomEntry records that a block starts at bottom.
func (v *ContigView) ZeroBottomEntry() {
	idx := v.array.IndexFor(v.bottom)
	gclog.Guarantee(v.array.AddressForIndex(idx) == v.bottom, "bottom %#x is not card aligned", v.bottom)
	v.array.SetOffsetArray(idx, 0)
}

// ResetBOT forgets every recorded block.
func (v *ContigView) ResetBOT() {
	v.ZeroBottomEntry()
	v.InitializeThreshold()
}

// AllocBlock records the block [start, end). Blocks must be recorded in
// address order and the caller must serialise calls.
func (v *ContigView) AllocBlock(start, end uintptr) {
	if end > v.nextOffsetThreshold.Load() {
		v.allocBlockWork(start, end)
	}
}

// AllocBlockWords records the block of words words starting at start.
func (v *ContigView) AllocBlockWords(start, words uintptr) {
	v.AllocBlock(start, start+words*memregion.WordSize)
}

// allocBlockWork writes the entries of every card in [threshold, blkEnd).
//
//	      threshold
//	      |   index
//	      v   v
//	+-------+-------+-------+-------+
//	| i-1   |   i   | i+1   | i+2   |
//	+-------+-------+-------+-------+
//	 ( ^    ]
//	   block-start
func (v *ContigView) allocBlockWork(blkStart, blkEnd uintptr) {
	threshold := v.nextOffsetThreshold.Load()
	index := v.nextOffsetIndex.Load()

	gclog.Guarantee(blkEnd > blkStart, "phantom block [%#x, %#x)", blkStart, blkEnd)
	gclog.Guarantee(blkStart <= threshold, "block start %#x past threshold %#x", blkStart, threshold)
	gclog.Guarantee(threshold == v.array.AddressForIndex(index), "index %d does not agree with threshold %#x", index, threshold)

	// Mark the card that holds the offset into the block.
	v.array.SetOffsetArrayAddr(index, threshold, blkStart)

	// Mark the subsequent cards the block spans.
	endIndex := v.array.IndexFor(blkEnd - memregion.WordSize)
	if index+1 <= endIndex {
		v.setRemainderToPointToStartIncl(index+1, endIndex)
	}

	// Publish the index before the threshold: a lock-free allocator that
	// sees the new threshold may then rely on the entries below it.
	v.nextOffsetIndex.Store(endIndex + 1)
	v.nextOffsetThreshold.Store(v.array.AddressForIndex(endIndex) + NBytes)
}

// setRemainderToPointToStartIncl fills the closed card range
// [startCard, endCard] with back-skip entries that lead to startCard-1.
//
//	offset  1st             2nd                       3rd
//	card    |               |                         |
//	 v      v               v                         v
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+     +-+-+-+-+-+-+-+-+-+-+-
//	|x|0|0|0|0|0|0|0|1|1|1|1|1|1| ... |1|1|1|1|2|2|2|2|2|2| ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+     +-+-+-+-+-+-+-+-+-+-+-
//
// Entry value i above stands for NWords+i.
func (v *ContigView) setRemainderToPointToStartIncl(startCard, endCard uintptr) {
	if startCard > endCard {
		return
	}
	gclog.Guarantee(startCard > v.array.IndexFor(v.bottom), "cannot be the first card")
	gclog.Guarantee(v.array.OffsetArray(startCard-1) <= NWords, "offset card has an unexpected value")

	startCardForRegion := startCard
	for i := uint(0); i < NPowers; i++ {
		// -1 so the card with the actual offset is counted, another -1
		// so the reach ends in this power's range and not at the next.
		reach := startCard - 1 + (PowerToCardsBack(i+1) - 1)
		entry := byte(NWords + i)
		if reach >= endCard {
			v.array.SetOffsetArrayRange(startCardForRegion, endCard, entry)
			return
		}
		v.array.SetOffsetArrayRange(startCardForRegion, reach, entry)
		startCardForRegion = reach + 1
	}
	gclog.Fatalf("card range [%d, %d] exceeds the back-skip reach", startCard, endCard)
}

// CheckAllCards verifies the back-skip entries of the closed card range
// [startCard, endCard] written for a single block.
func (v *ContigView) CheckAllCards(startCard, endCard uintptr) error {
	if endCard < startCard {
		return nil
	}
	if e := v.array.OffsetArray(startCard); e != NWords {
		return fmt.Errorf("card %d: wrong value %d in second card", startCard, e)
	}
	for c := startCard + 1; c <= endCard; c++ {
		entry := v.array.OffsetArray(c)
		if c-startCard > PowerToCardsBack(1) && entry <= NWords {
			return fmt.Errorf("card %d: entry %d should be in the logarithmic range", c, entry)
		}
		landing := c - EntryToCardsBack(entry)
		switch {
		case landing < startCard-1:
			return fmt.Errorf("card %d: back-skip lands on %d before the offset card", c, landing)
		case landing >= startCard:
			if v.array.OffsetArray(landing) > entry {
				return fmt.Errorf("card %d: monotonicity broken at landing card %d", c, landing)
			}
		default:
			if v.array.OffsetArray(landing) > NWords {
				return fmt.Errorf("card %d: landing card %d holds %d", c, landing, v.array.OffsetArray(landing))
			}
		}
	}
	return nil
}

// blockAtOrPreceding follows back-skips from the card of addr, never
// starting above maxIndex, and returns the block start the direct entry
// names.
func (v *ContigView) blockAtOrPreceding(addr uintptr, maxIndex uintptr) uintptr {
	index := min(v.array.IndexFor(addr), maxIndex)
	q := v.array.AddressForIndex(index)
	offset := v.array.OffsetArray(index)
	for offset >= NWords {
		// The excess over NWords is a power of Base to go back by.
		back := EntryToCardsBack(offset)
		q -= back * NBytes
		gclog.Guarantee(q >= v.bottom, "BOT walk went below bottom %#x", v.bottom)
		index -= back
		offset = v.array.OffsetArray(index)
	}
	q -= uintptr(offset) * memregion.WordSize
	gclog.Guarantee(q >= v.bottom, "BOT offset points below bottom %#x", v.bottom)
	return q
}

// forwardToBlockContainingAddr walks forward from the block at q to the
// block containing addr. An unpublished object stops the walk.
func (v *ContigView) forwardToBlockContainingAddr(q, addr uintptr) uintptr {
	if v.mem.KlassOrNull(q) == nil {
		return q
	}
	n := q + v.mem.Size(q)*memregion.WordSize
	if n > addr {
		return q
	}
	if v.sp != nil {
		if top := v.sp.Top(); addr >= top {
			return top
		}
	}
	for n <= addr {
		q = n
		if v.mem.KlassOrNull(q) == nil {
			return q
		}
		n += v.mem.Size(q) * memregion.WordSize
	}
	return q
}

// BlockStart returns the start of the block containing addr. Addresses at
// or above the space's top map to top.
func (v *ContigView) BlockStart(addr uintptr) uintptr {
	gclog.Guarantee(addr >= v.bottom && addr < v.End(), "address %#x not covered by [%#x, %#x)", addr, v.bottom, v.End())
	if v.sp != nil {
		if top := v.sp.Top(); addr >= top {
			return top
		}
	}
	q := v.blockAtOrPreceding(addr, v.nextOffsetIndex.Load()-1)
	return v.forwardToBlockContainingAddr(q, addr)
}

// VerifyForObject reports whether every card whose first word lies inside
// the object [objStart, objStart+words) maps back to objStart.
func (v *ContigView) VerifyForObject(objStart, words uintptr) bool {
	firstCard := v.array.IndexFor(objStart)
	lastCard := v.array.IndexFor(objStart + (words-1)*memregion.WordSize)
	if !v.array.IsCardBoundary(objStart) {
		// The first card's entry belongs to an earlier block.
		firstCard++
	}
	for card := firstCard; card <= lastCard; card++ {
		if v.BlockStart(v.array.AddressForIndex(card)) != objStart {
			return false
		}
	}
	return true
}

// SetForStartsHumongous records a single block [bottom, newTop). The view
// must already cover newTop.
func (v *ContigView) SetForStartsHumongous(newTop uintptr) {
	gclog.Guarantee(newTop <= v.End(), "end %#x should already cover %#x", v.End(), newTop)
	v.ResetBOT()
	v.AllocBlock(v.bottom, newTop)
}

// Print writes every entry of the view to w.
func (v *ContigView) Print(w io.Writer) {
	from, to := v.array.IndexFor(v.bottom), v.array.indexForEnd(v.End())
	fmt.Fprintf(w, ">> BOT for area [%#x,%#x) cards [%d,%d)\n", v.bottom, v.End(), from, to)
	for i := from; i < to && i < v.array.CommittedCards(); i++ {
		fmt.Fprintf(w, "  entry %8d | %#x : %3d\n", i, v.array.AddressForIndex(i), v.array.OffsetArray(i))
	}
	fmt.Fprintf(w, "  next offset threshold: %#x\n", v.Threshold())
	fmt.Fprintf(w, "  next offset index:     %d\n", v.NextOffsetIndex())
}
