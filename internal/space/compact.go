package space

import (
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
)

// CompactionChain supplies the next destination once a chain of
// compaction spaces is exhausted.
type CompactionChain interface {
	FirstCompactionSpace() *Space
}

// CompactPoint threads the compaction destination through the spaces
// being prepared.
type CompactPoint struct {
	Gen       CompactionChain
	Space     *Space
	Threshold uintptr
}

// CompactionPolicy controls how much dead space compaction may leave.
type CompactionPolicy struct {
	// Invocation is the ordinal of the current full compaction, from 1.
	Invocation uint
	// AlwaysCompactCount forces a full close of every gap on every Nth
	// invocation. Values below 1 never force it.
	AlwaysCompactCount uint
}

func (p CompactionPolicy) skipDead() bool {
	return p.AlwaysCompactCount < 1 || p.Invocation%p.AlwaysCompactCount != 0
}

// SetNextCompactionSpace links the space compaction moves on to when s
// is full.
func (s *Space) SetNextCompactionSpace(next *Space) { s.nextCompactionSpace = next }

// NextCompactionSpace returns the space after s in the compaction order.
func (s *Space) NextCompactionSpace() *Space { return s.nextCompactionSpace }

// CompactionTop returns the end of the data forwarded into s so far.
func (s *Space) CompactionTop() uintptr { return s.compactionTop }

// SetCompactionTop sets the compaction top.
func (s *Space) SetCompactionTop(p uintptr) { s.compactionTop = p }

// InitializeThreshold resets the block-offset threshold for s becoming a
// compaction destination and returns it.
func (s *Space) InitializeThreshold() uintptr {
	if s.offsets == nil {
		return s.End()
	}
	return s.offsets.InitializeThreshold()
}

// crossThreshold records the forwarded block [start, end) and returns the
// new threshold.
func (s *Space) crossThreshold(start, end uintptr) uintptr {
	if s.offsets == nil {
		return s.End()
	}
	s.offsets.AllocBlock(start, end)
	return s.offsets.Threshold()
}

// forward computes the destination of the live block q of words words,
// moving on to the next compaction space when the current one is full.
func (s *Space) forward(q, words uintptr, cp *CompactPoint, compactTop uintptr) uintptr {
	size := words * memregion.WordSize
	for size > cp.Space.End()-compactTop {
		// Switch to the next compaction space.
		cp.Space.compactionTop = compactTop
		cp.Space = cp.Space.nextCompactionSpace
		if cp.Space == nil {
			gclog.Guarantee(cp.Gen != nil, "compaction ran out of destination spaces")
			cp.Space = cp.Gen.FirstCompactionSpace()
		}
		compactTop = cp.Space.bottom
		cp.Space.compactionTop = compactTop
		cp.Threshold = cp.Space.InitializeThreshold()
	}

	if q != compactTop {
		s.mem.ForwardTo(q, compactTop)
	} else {
		// Not moving; reset the mark so later phases see it as unmoved.
		s.mem.InitMark(q)
	}

	compactTop += size
	if compactTop > cp.Threshold {
		cp.Threshold = cp.Space.crossThreshold(compactTop-size, compactTop)
	}
	return compactTop
}

// insertDeadspace turns a dead run into a live filler if the remaining
// allowance covers it.
func (s *Space) insertDeadspace(allowed *uintptr, q, words uintptr) bool {
	if *allowed >= words {
		*allowed -= words
		s.mem.FillWithObject(q, words)
		s.mem.SetMarked(q)
		return true
	}
	*allowed = 0
	return false
}

// PrepareForCompaction computes a forwarding address for every marked
// object in s. Dead runs record the address of the next live object in
// their first word so later phases can skip them.
func (s *Space) PrepareForCompaction(cp *CompactPoint, policy CompactionPolicy) {
	s.compactionTop = s.bottom
	if cp.Space == nil {
		gclog.Guarantee(cp.Gen != nil, "compact point has no space")
		cp.Space = cp.Gen.FirstCompactionSpace()
		cp.Space.compactionTop = cp.Space.bottom
		cp.Threshold = cp.Space.InitializeThreshold()
	}
	compactTop := cp.Space.compactionTop

	var allowedDead uintptr
	if policy.skipDead() {
		allowedDead = s.Capacity() * uintptr(s.deadRatio) / 100 / memregion.WordSize
	}

	q, t := s.bottom, s.Top()
	endOfLive := q
	firstDead := s.End()

	for q < t {
		if s.mem.IsGCMarked(q) {
			words := s.mem.Size(q)
			compactTop = s.forward(q, words, cp, compactTop)
			q += words * memregion.WordSize
			endOfLive = q
			continue
		}

		// Find the extent of the dead run.
		end := q
		for {
			end += s.mem.Size(end) * memregion.WordSize
			if end >= t || s.mem.IsGCMarked(end) {
				break
			}
		}

		// If there is room left and nothing has moved yet, keep the run
		// in place as a filler.
		if allowedDead > 0 && q == compactTop {
			words := memregion.PointerDelta(end, q)
			if s.insertDeadspace(&allowedDead, q, words) {
				compactTop = s.forward(q, words, cp, compactTop)
				q = end
				endOfLive = end
				continue
			}
		}

		// A genuinely free run: point its first word at the next live
		// object.
		s.mem.Store(q, uint64(end))
		if q < firstDead {
			firstDead = q
		}
		q = end
	}

	cp.Space.compactionTop = compactTop
	s.endOfLive = endOfLive
	s.firstDead = min(firstDead, endOfLive)
}

// nextLive returns the address recorded in the first word of the dead run
// at q.
func (s *Space) nextLive(q uintptr) uintptr { return uintptr(s.mem.Load(q)) }

// AdjustPointers rewrites every reference field of every live object in s
// to the forwarded address of its referent.
func (s *Space) AdjustPointers() {
	s.scanLive(func(obj uintptr) uintptr {
		return s.mem.OopIterate(obj, func(field uintptr) {
			AdjustPointer(s.mem, field)
		})
	})
}

// scanLive calls fn on every live object between bottom and the end of
// live data. fn returns the object size in words.
func (s *Space) scanLive(fn func(obj uintptr) uintptr) {
	q, t := s.bottom, s.endOfLive
	if q < t && s.firstDead > q && !s.mem.IsGCMarked(q) {
		// The prefix up to firstDead has not moved and its marks were
		// reset, so is-marked cannot guide this part of the walk.
		for q < s.firstDead {
			q += fn(q) * memregion.WordSize
		}
		if s.firstDead == t {
			q = t
		} else {
			q = s.nextLive(s.firstDead)
		}
	}
	for q < t {
		if s.mem.IsGCMarked(q) {
			q += fn(q) * memregion.WordSize
		} else {
			q = s.nextLive(q)
		}
	}
}

// Compact copies every live object of s to its forwarded address and
// resets the space.
func (s *Space) Compact() {
	q, t := s.bottom, s.endOfLive
	if q < t && s.firstDead > q && !s.mem.IsGCMarked(q) {
		// Nothing up to firstDead moved.
		if s.firstDead == t {
			q = t
		} else {
			q = s.nextLive(s.firstDead)
		}
	}
	for q < t {
		if !s.mem.IsGCMarked(q) {
			q = s.nextLive(q)
			continue
		}
		words := s.mem.Size(q)
		dst := s.mem.Forwardee(q)
		s.mem.Copy(dst, q, words)
		s.mem.InitMark(dst)
		q += words * memregion.WordSize
	}

	wasEmpty := s.IsEmpty()
	s.ResetAfterCompaction()
	switch {
	case s.IsEmpty() && !wasEmpty:
		s.Clear(s.mangle)
	case s.mangle:
		s.MangleUnusedArea()
	}
}

// ResetAfterCompaction moves top to the compaction top.
func (s *Space) ResetAfterCompaction() {
	if err := s.SetTop(s.compactionTop); err != nil {
		gclog.Fatalf("reset after compaction: %v", err)
	}
}

// FirstDead returns the first dead address found by the last
// PrepareForCompaction.
func (s *Space) FirstDead() uintptr { return s.firstDead }

// EndOfLive returns the end of the last live object found by the last
// PrepareForCompaction.
func (s *Space) EndOfLive() uintptr { return s.endOfLive }

// AdjustPointer rewrites the reference in field to its referent's
// forwarded address, if it has one.
func AdjustPointer(mem interface {
	LoadRef(uintptr) uintptr
	StoreRef(uintptr, uintptr)
	Forwardee(uintptr) uintptr
}, field uintptr) {
	obj := mem.LoadRef(field)
	if obj == 0 {
		return
	}
	if fwd := mem.Forwardee(obj); fwd != 0 {
		mem.StoreRef(field, fwd)
	}
}
