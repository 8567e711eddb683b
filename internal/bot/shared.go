// Package bot implements the block-offset table: one byte per card that
// lets any heap address be mapped back to the start of the block that
// contains it.
//
// An entry below NWords is the distance in words from the card's first
// word back to the start of the block covering it. An entry NWords+i
// says "go back 2^(LogBase*i) cards and look again", which lets a lookup
// inside a long object reach its head in a logarithmic number of steps.
package bot

import (
	"fmt"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/orderaccess"
)

const (
	// LogN is log2 of the number of bytes covered by one entry.
	LogN = 9
	// LogNWords is log2 of the number of words covered by one entry.
	LogNWords = LogN - memregion.LogWordSize
	// NBytes is the number of bytes covered by one entry.
	NBytes = 1 << LogN
	// NWords is the number of words covered by one entry.
	NWords = 1 << LogNWords

	// LogBase is log2 of the back-skip growth factor.
	LogBase = 3
	// Base is the back-skip growth factor.
	Base = 1 << LogBase
	// NPowers is the number of back-skip entry values.
	NPowers = 14
)

// PowerToCardsBack returns the number of cards skipped by entry NWords+i.
func PowerToCardsBack(i uint) uintptr {
	return 1 << (LogBase * i)
}

// EntryToCardsBack decodes a back-skip entry.
func EntryToCardsBack(entry byte) uintptr {
	gclog.Guarantee(entry >= NWords && entry < NWords+NPowers, "bad back-skip entry %d", entry)
	return PowerToCardsBack(uint(entry) - NWords)
}

// SharedArray is the backing table shared by every region's view.
//
// Storage is committed from the bottom of the reserved range upwards;
// entries of uncommitted cards must not be read or written.
type SharedArray struct {
	reserved  memregion.MemRegion
	offsets   *orderaccess.Bytes
	committed atomic.Uintptr // number of committed cards
}

// NewSharedArray creates an uncommitted table covering heap.
func NewSharedArray(heap memregion.MemRegion) *SharedArray {
	gclog.Guarantee(memregion.IsAligned(heap.Start(), NBytes) && memregion.IsAligned(heap.End(), NBytes),
		"heap %v is not card aligned", heap)
	return &SharedArray{
		reserved: heap,
		offsets:  orderaccess.NewBytes(int(heap.ByteSize()>>LogN), 0),
	}
}

// Reserved returns the covered heap range.
func (a *SharedArray) Reserved() memregion.MemRegion { return a.reserved }

// OnCommit makes the entries covering mr readable. It is the storage
// mapper's mapping-changed notification.
func (a *SharedArray) OnCommit(mr memregion.MemRegion) {
	start, end := a.IndexFor(mr.Start()), a.indexForEnd(mr.End())
	gclog.Guarantee(start == a.committed.Load(),
		"BOT commit of %v is not contiguous with committed cards [0, %d)", mr, a.committed.Load())
	a.offsets.Fill(int(start), int(end), 0)
	a.committed.Store(end)
}

// OnUncommit releases the entries covering mr, which must be the top of
// the committed range.
func (a *SharedArray) OnUncommit(mr memregion.MemRegion) {
	start, end := a.IndexFor(mr.Start()), a.indexForEnd(mr.End())
	gclog.Guarantee(end == a.committed.Load(), "BOT uncommit of %v is not at the top", mr)
	a.committed.Store(start)
}

// CommittedCards returns the number of readable entries.
func (a *SharedArray) CommittedCards() uintptr { return a.committed.Load() }

func (a *SharedArray) indexForEnd(end uintptr) uintptr {
	return (end - a.reserved.Start()) >> LogN
}

// IndexFor returns the index of the card containing addr.
func (a *SharedArray) IndexFor(addr uintptr) uintptr {
	gclog.Guarantee(a.reserved.Contains(addr), "address %#x not covered by BOT %v", addr, a.reserved)
	return (addr - a.reserved.Start()) >> LogN
}

// AddressForIndex returns the first address of card i.
func (a *SharedArray) AddressForIndex(i uintptr) uintptr {
	return a.reserved.Start() + i<<LogN
}

// IsCardBoundary reports whether addr is the first address of a card.
func (a *SharedArray) IsCardBoundary(addr uintptr) bool {
	return memregion.IsAligned(addr-a.reserved.Start(), NBytes)
}

func (a *SharedArray) checkIndex(i uintptr) {
	if i >= a.committed.Load() {
		gclog.Fatalf("BOT index %d beyond committed cards [0, %d)", i, a.committed.Load())
	}
}

// OffsetArray returns entry i.
func (a *SharedArray) OffsetArray(i uintptr) byte {
	a.checkIndex(i)
	return a.offsets.Load(int(i))
}

// SetOffsetArray stores v into entry i.
func (a *SharedArray) SetOffsetArray(i uintptr, v byte) {
	a.checkIndex(i)
	a.offsets.Store(int(i), v)
}

// SetOffsetArrayAddr records that the block covering card i starts low,
// where high is the card's first address.
func (a *SharedArray) SetOffsetArrayAddr(i uintptr, high, low uintptr) {
	gclog.Guarantee(high >= low, "addresses out of order: %#x < %#x", high, low)
	offset := memregion.PointerDelta(high, low)
	gclog.Guarantee(offset <= NWords, "offset %d too large for a direct entry", offset)
	a.SetOffsetArray(i, byte(offset))
}

// SetOffsetArrayRange stores v into entries [left, right], a closed range.
func (a *SharedArray) SetOffsetArrayRange(left, right uintptr, v byte) {
	gclog.Guarantee(left <= right, "indices out of order: %d > %d", left, right)
	a.checkIndex(right)
	a.offsets.Fill(int(left), int(right)+1, v)
}

func (a *SharedArray) String() string {
	return fmt.Sprintf("BOT%v committed=%d", a.reserved, a.committed.Load())
}
