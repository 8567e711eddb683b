// Package memregion describes half-open ranges of the simulated heap
// address space and the word geometry shared by every other package.
//
// Addresses are plain uintptr byte addresses. They never point into Go
// memory: the heap is a word array owned by package object, and a
// MemRegion is only a pair of numbers describing a part of it.
package memregion

import "fmt"

const (
	// LogWordSize is log2 of the heap word size.
	LogWordSize = 3

	// WordSize is the size of a heap word (and of a reference) in bytes.
	WordSize = 1 << LogWordSize

	// WordMask masks the sub-word bits of a byte address.
	WordMask = WordSize - 1
)

// Common size units, in bytes.
const (
	K = 1 << 10
	M = 1 << 20
	G = 1 << 30
)

// MemRegion represents the half-open address range [start, end).
//
// The zero value is the empty region at address 0.
type MemRegion struct {
	start, end uintptr
}

// New returns the region [start, end). It panics if end < start.
func New(start, end uintptr) MemRegion {
	if end < start {
		panic(fmt.Sprintf("memregion: invalid range [%#x, %#x)", start, end))
	}
	return MemRegion{start: start, end: end}
}

// FromWords returns the region starting at start that spans words heap words.
func FromWords(start uintptr, words uintptr) MemRegion {
	return MemRegion{start: start, end: start + words*WordSize}
}

// Start is the inclusive lower bound of the region.
func (mr MemRegion) Start() uintptr { return mr.start }

// End is the exclusive upper bound of the region.
func (mr MemRegion) End() uintptr { return mr.end }

// Last returns the address of the last word of the region.
func (mr MemRegion) Last() uintptr { return mr.end - WordSize }

// ByteSize returns the size of the region in bytes.
func (mr MemRegion) ByteSize() uintptr { return mr.end - mr.start }

// WordSize returns the size of the region in heap words.
func (mr MemRegion) WordSize() uintptr { return (mr.end - mr.start) >> LogWordSize }

// IsEmpty reports whether the region contains no addresses.
func (mr MemRegion) IsEmpty() bool { return mr.start == mr.end }

// Contains reports whether addr lies inside the region.
func (mr MemRegion) Contains(addr uintptr) bool {
	return addr >= mr.start && addr < mr.end
}

// ContainsRegion reports whether other lies completely inside the region.
// The empty region is contained in every region.
func (mr MemRegion) ContainsRegion(other MemRegion) bool {
	if other.IsEmpty() {
		return true
	}
	return other.start >= mr.start && other.end <= mr.end
}

// Intersection returns the largest region contained in both mr and other.
// Disjoint regions yield an empty region.
func (mr MemRegion) Intersection(other MemRegion) MemRegion {
	res := MemRegion{start: max(mr.start, other.start), end: min(mr.end, other.end)}
	if res.end <= res.start {
		return MemRegion{start: res.start, end: res.start}
	}
	return res
}

// Union returns the smallest region containing both mr and other. The two
// regions must overlap or touch; a gap between them would otherwise be
// silently included.
func (mr MemRegion) Union(other MemRegion) MemRegion {
	if mr.IsEmpty() {
		return other
	}
	if other.IsEmpty() {
		return mr
	}
	if other.start > mr.end || mr.start > other.end {
		panic(fmt.Sprintf("memregion: union of disjoint regions %v and %v", mr, other))
	}
	return MemRegion{start: min(mr.start, other.start), end: max(mr.end, other.end)}
}

// Minus subtracts other from mr. other must cover a prefix or a suffix of
// mr (or all of it); a strictly interior other would split the region.
func (mr MemRegion) Minus(other MemRegion) MemRegion {
	switch {
	case other.start <= mr.start && other.end >= mr.end:
		return MemRegion{start: mr.start, end: mr.start}
	case other.end <= mr.start || other.start >= mr.end:
		return mr
	case other.start <= mr.start:
		return MemRegion{start: other.end, end: mr.end}
	case other.end >= mr.end:
		return MemRegion{start: mr.start, end: other.start}
	}
	panic(fmt.Sprintf("memregion: %v is strictly inside %v", other, mr))
}

func (mr MemRegion) String() string {
	return fmt.Sprintf("[%#x, %#x)", mr.start, mr.end)
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown rounds n down to a multiple of align, which must be a power of two.
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// IsAligned reports whether n is a multiple of align.
func IsAligned(n, align uintptr) bool {
	return n&(align-1) == 0
}

// PointerDelta returns the distance in words between two word-aligned
// addresses, hi >= lo.
func PointerDelta(hi, lo uintptr) uintptr {
	return (hi - lo) >> LogWordSize
}
