package policy

import (
	"sync/atomic"
	"time"
)

// SoftRefPolicy decides which soft references a full collection clears.
// A softly reachable object is kept if it was used within the last
// msPerMB milliseconds per megabyte of free heap; the more room there is,
// the longer unused referents survive.
type SoftRefPolicy struct {
	msPerMB     uint
	maxInterval time.Duration

	// Read by mutators between collections.
	shouldClearAll atomic.Bool
	allClear       atomic.Bool
}

// NewSoftRefPolicy returns a policy keeping referents msPerMB
// milliseconds per free megabyte.
func NewSoftRefPolicy(msPerMB uint) *SoftRefPolicy {
	return &SoftRefPolicy{msPerMB: msPerMB}
}

// Setup is called at the start of a full collection with the free heap.
func (s *SoftRefPolicy) Setup(freeBytes uintptr) {
	mb := time.Duration(freeBytes >> 20)
	s.maxInterval = mb * time.Duration(s.msPerMB) * time.Millisecond
}

// ShouldClear reports whether a referent last used at lastUse is cleared
// at now.
func (s *SoftRefPolicy) ShouldClear(lastUse, now time.Time) bool {
	return now.Sub(lastUse) > s.maxInterval
}

// MaxInterval returns the idle time beyond which referents are cleared.
func (s *SoftRefPolicy) MaxInterval() time.Duration { return s.maxInterval }

// SetShouldClearAll asks the next full collection to clear every soft
// reference.
func (s *SoftRefPolicy) SetShouldClearAll(v bool) { s.shouldClearAll.Store(v) }

// ShouldClearAll reports whether the next full collection must clear
// every soft reference.
func (s *SoftRefPolicy) ShouldClearAll() bool { return s.shouldClearAll.Load() }

// Cleared is called after a full collection. clearedAll says whether it
// cleared every soft reference.
func (s *SoftRefPolicy) Cleared(clearedAll bool) {
	s.allClear.Store(clearedAll)
	if clearedAll {
		s.shouldClearAll.Store(false)
	}
}

// AllSoftRefsClear reports whether the last full collection cleared every
// soft reference.
func (s *SoftRefPolicy) AllSoftRefsClear() bool { return s.allClear.Load() }

// Mutated is called when the heap changes enough that soft references
// may have been installed since the last clearing.
func (s *SoftRefPolicy) Mutated() { s.allClear.Store(false) }
