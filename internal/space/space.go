// Package space implements contiguous allocation spaces: a range
// [bottom, end) filled from the bottom by bumping top.
//
// A space may carry a block-offset table view. With one, allocations are
// recorded in the table and BlockStart is answered in logarithmic time;
// without one, BlockStart walks the space from the bottom.
package space

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sigurn/crc16"

	"github.com/LimeChain/regiongc/internal/bot"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
)

// ErrOutOfSpace is returned when top would move past end.
var ErrOutOfSpace = errors.New("space: out of space")

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Space is a contiguous space.
type Space struct {
	mem     *object.Memory
	offsets *bot.ContigView

	bottom uintptr
	end    atomic.Uintptr
	top    atomic.Uintptr

	savedMark uintptr

	// Serialises table updates of allocations that cross the threshold.
	parAllocLock sync.Mutex

	compactionTop       uintptr
	nextCompactionSpace *Space
	firstDead           uintptr
	endOfLive           uintptr
	deadRatio           uint
	mangle              bool
}

// New creates an empty space over mr. offsets may be nil.
func New(mem *object.Memory, mr memregion.MemRegion, offsets *bot.ContigView) *Space {
	s := &Space{mem: mem, bottom: mr.Start(), offsets: offsets}
	s.end.Store(mr.End())
	s.top.Store(mr.Start())
	s.savedMark = mr.Start()
	s.compactionTop = mr.Start()
	if offsets != nil {
		offsets.SetSpace(s)
	}
	return s
}

// Memory returns the heap backing store.
func (s *Space) Memory() *object.Memory { return s.mem }

// Offsets returns the block-offset view, or nil.
func (s *Space) Offsets() *bot.ContigView { return s.offsets }

func (s *Space) Bottom() uintptr { return s.bottom }
func (s *Space) End() uintptr    { return s.end.Load() }
func (s *Space) Top() uintptr    { return s.top.Load() }

// SetTop moves top. It fails with ErrOutOfSpace if top would pass end.
func (s *Space) SetTop(top uintptr) error {
	if top < s.bottom || top > s.End() {
		return fmt.Errorf("%w: top %#x outside [%#x, %#x]", ErrOutOfSpace, top, s.bottom, s.End())
	}
	s.top.Store(top)
	return nil
}

// SetEnd moves end. The block-offset view is resized along with it.
func (s *Space) SetEnd(end uintptr) {
	gclog.Guarantee(end >= s.bottom, "end %#x below bottom %#x", end, s.bottom)
	s.end.Store(end)
	if s.offsets != nil {
		s.offsets.Resize(memregion.PointerDelta(end, s.bottom))
	}
}

// SetDeadRatio sets the percentage of the space that compaction may leave
// as dead filler instead of closing the gap.
func (s *Space) SetDeadRatio(percent uint) { s.deadRatio = percent }

// SetMangle turns on overwriting of unused space after clearing.
func (s *Space) SetMangle(on bool) { s.mangle = on }

// Capacity returns the size of the space in bytes.
func (s *Space) Capacity() uintptr { return s.End() - s.bottom }

// Used returns the number of bytes below top.
func (s *Space) Used() uintptr { return s.Top() - s.bottom }

// Free returns the number of bytes between top and end.
func (s *Space) Free() uintptr { return s.End() - s.Top() }

// IsEmpty reports whether nothing has been allocated.
func (s *Space) IsEmpty() bool { return s.Top() == s.bottom }

// UsedRegion returns [bottom, top).
func (s *Space) UsedRegion() memregion.MemRegion { return memregion.New(s.bottom, s.Top()) }

// Region returns [bottom, end).
func (s *Space) Region() memregion.MemRegion { return memregion.New(s.bottom, s.End()) }

// Contains reports whether addr is in [bottom, end).
func (s *Space) Contains(addr uintptr) bool { return addr >= s.bottom && addr < s.End() }

// Clear empties the space and forgets every recorded block.
func (s *Space) Clear(mangle bool) {
	s.top.Store(s.bottom)
	s.savedMark = s.bottom
	if mangle {
		s.mem.Mangle(s.Region())
	}
	if s.offsets != nil {
		s.offsets.ResetBOT()
	}
}

// MangleUnusedArea overwrites [top, end).
func (s *Space) MangleUnusedArea() {
	s.mem.Mangle(memregion.New(s.Top(), s.End()))
}

// allocateImpl bumps top with a compare-and-swap, retrying until it
// succeeds or the space is full.
func (s *Space) allocateImpl(words uintptr, limit uintptr) uintptr {
	size := words * memregion.WordSize
	for {
		obj := s.top.Load()
		if obj > limit || limit-obj < size {
			return 0
		}
		if s.top.CompareAndSwap(obj, obj+size) {
			return obj
		}
	}
}

// ParAllocateNoBOTUpdates allocates words words without touching the
// block-offset table. Only regions that are never scanned through the
// table (eden) may use it.
func (s *Space) ParAllocateNoBOTUpdates(words uintptr) uintptr {
	return s.allocateImpl(words, s.End())
}

// ParAllocateBelowThreshold is the lock-free fast path of an old space:
// it succeeds only if the new block ends at or below the table threshold,
// so no table entries need writing. A zero result does not mean the space
// is full; the caller should retry with ParAllocate.
func (s *Space) ParAllocateBelowThreshold(words uintptr) uintptr {
	if s.offsets == nil {
		return s.ParAllocateNoBOTUpdates(words)
	}
	return s.allocateImpl(words, min(s.offsets.Threshold(), s.End()))
}

// Allocate allocates words words and records the block. The caller holds
// the heap lock.
func (s *Space) Allocate(words uintptr) uintptr {
	if s.offsets == nil {
		return s.ParAllocateNoBOTUpdates(words)
	}
	s.parAllocLock.Lock()
	defer s.parAllocLock.Unlock()
	return s.allocateAndRecord(words)
}

// ParAllocate is Allocate for callers that do not hold the heap lock.
func (s *Space) ParAllocate(words uintptr) uintptr {
	return s.Allocate(words)
}

func (s *Space) allocateAndRecord(words uintptr) uintptr {
	obj := s.allocateImpl(words, s.End())
	if obj != 0 {
		s.offsets.AllocBlockWords(obj, words)
	}
	return obj
}

// BlockStart returns the start of the block containing addr. Addresses at
// or above top answer top.
func (s *Space) BlockStart(addr uintptr) uintptr {
	if s.offsets != nil {
		return s.offsets.BlockStart(addr)
	}
	top := s.Top()
	if addr >= top {
		return top
	}
	p := s.bottom
	for {
		n := p + s.BlockSize(p)*memregion.WordSize
		if n > addr {
			return p
		}
		p = n
	}
}

// BlockSize returns the size in words of the block at p.
func (s *Space) BlockSize(p uintptr) uintptr {
	gclog.Guarantee(p < s.Top(), "block %#x at or above top %#x", p, s.Top())
	return s.mem.Size(p)
}

// BlockIsObj reports whether the block at p is an object. Every block
// below top is.
func (s *Space) BlockIsObj(p uintptr) bool { return p < s.Top() }

// ObjectIterate calls fn for every object in [bottom, top).
func (s *Space) ObjectIterate(fn func(obj uintptr)) {
	s.objectIterateRange(s.bottom, s.Top(), fn)
}

// ObjectIterateFrom calls fn for every object from the watermark to top.
func (s *Space) ObjectIterateFrom(mark Watermark, fn func(obj uintptr)) {
	gclog.Guarantee(mark.Space == s, "watermark belongs to another space")
	s.objectIterateRange(mark.Point, s.Top(), fn)
}

func (s *Space) objectIterateRange(from, to uintptr, fn func(obj uintptr)) {
	for p := from; p < to; {
		size := s.mem.Size(p)
		fn(p)
		p += size * memregion.WordSize
	}
}

// SaveMarks records top as the saved mark.
func (s *Space) SaveMarks() { s.savedMark = s.Top() }

// SavedMark returns the saved mark.
func (s *Space) SavedMark() uintptr { return s.savedMark }

// NoAllocsSinceSaveMarks reports whether top is still at the saved mark.
func (s *Space) NoAllocsSinceSaveMarks() bool { return s.savedMark == s.Top() }

// OopSinceSaveMarksIterate calls fn for every object allocated since the
// last SaveMarks, including those fn itself causes to be allocated here,
// and leaves the saved mark at top.
func (s *Space) OopSinceSaveMarksIterate(fn func(obj uintptr)) {
	for {
		t := s.Top()
		if s.savedMark == t {
			return
		}
		from := s.savedMark
		s.savedMark = t
		s.objectIterateRange(from, t, fn)
	}
}

// BottomMark returns a watermark at bottom.
func (s *Space) BottomMark() Watermark { return Watermark{Space: s, Point: s.bottom} }

// TopMark returns a watermark at the current top.
func (s *Space) TopMark() Watermark { return Watermark{Space: s, Point: s.Top()} }

// SavedMarkWatermark returns a watermark at the saved mark.
func (s *Space) SavedMarkWatermark() Watermark { return Watermark{Space: s, Point: s.savedMark} }

// Checksum returns a CRC-16 of the words in [bottom, top).
func (s *Space) Checksum() uint16 {
	used := s.UsedRegion()
	buf := make([]byte, 0, used.ByteSize())
	for p := used.Start(); p < used.End(); p += memregion.WordSize {
		buf = binary.LittleEndian.AppendUint64(buf, s.mem.Load(p))
	}
	return crc16.Checksum(buf, crcTable)
}

func (s *Space) String() string {
	return fmt.Sprintf("[%#x, %#x, %#x)", s.bottom, s.Top(), s.End())
}
