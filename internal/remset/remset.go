// Package remset implements per-region remembered sets: for one region,
// the cards elsewhere in the heap that may hold references into it.
//
// Cards from each source region are kept in a sparse bit set of that
// region's cards. Once a source region contributes more than the sparse
// limit, it is coarsened to a single flag standing for all of its cards.
package remset

import (
	"fmt"
	"iter"
	"sync"

	"github.com/LimeChain/regiongc/internal/bitmap"
	"github.com/LimeChain/regiongc/internal/gclog"
)

// Geometry maps card indices to the regions that hold them. Card indices
// are those of the heap's card table; region n holds cards
// [n*CardsPerRegion, (n+1)*CardsPerRegion).
type Geometry struct {
	CardsPerRegion int
	MaxRegions     int
	// SparseLimit is the number of cards from one source region kept
	// individually before the region is coarsened.
	SparseLimit int
}

// CodeRoot is a unit of compiled code whose embedded references point
// into the heap. The slots live outside the heap.
type CodeRoot interface {
	Name() string
	OopsDo(fn func(slot *uintptr))
}

type sparseEntry struct {
	cards bitmap.Set[int]
	n     int
}

// RemSet is the remembered set of one region.
type RemSet struct {
	owner int
	geo   Geometry

	mu        sync.Mutex
	sparse    map[int]*sparseEntry
	coarse    bitmap.Set[int]
	nCoarse   int
	codeRoots map[CodeRoot]struct{}
}

// New creates an empty remembered set for region owner.
func New(owner int, geo Geometry) *RemSet {
	gclog.Guarantee(geo.CardsPerRegion > 0 && geo.MaxRegions > 0, "bad remembered set geometry %+v", geo)
	return &RemSet{
		owner:     owner,
		geo:       geo,
		sparse:    make(map[int]*sparseEntry),
		coarse:    bitmap.NewSet(geo.MaxRegions),
		codeRoots: make(map[CodeRoot]struct{}),
	}
}

// Owner returns the index of the region the set belongs to.
func (rs *RemSet) Owner() int { return rs.owner }

// AddReference records that card may hold a reference into the owner.
// Adding a card twice has no further effect.
func (rs *RemSet) AddReference(card int) {
	region := card / rs.geo.CardsPerRegion
	if region == rs.owner {
		// References within a region are found by scanning the region.
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.coarse.Has(region) {
		return
	}
	e := rs.sparse[region]
	if e == nil {
		e = &sparseEntry{cards: bitmap.NewSet(rs.geo.CardsPerRegion)}
		rs.sparse[region] = e
	}
	if !e.cards.TryAdd(card % rs.geo.CardsPerRegion) {
		return
	}
	e.n++
	if rs.geo.SparseLimit > 0 && e.n > rs.geo.SparseLimit {
		delete(rs.sparse, region)
		rs.coarse.Add(region)
		rs.nCoarse++
	}
}

// ContainsReference reports whether card is in the set.
func (rs *RemSet) ContainsReference(card int) bool {
	region := card / rs.geo.CardsPerRegion
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.coarse.Has(region) {
		return true
	}
	e := rs.sparse[region]
	return e != nil && e.cards.Has(card%rs.geo.CardsPerRegion)
}

// IsCoarse reports whether every card of source region is in the set.
func (rs *RemSet) IsCoarse(region int) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.coarse.Has(region)
}

// Clear empties the set, keeping the strong code roots.
func (rs *RemSet) Clear() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ClearLocked()
}

// ClearLocked is Clear for callers already holding the set's lock through
// Lock.
func (rs *RemSet) ClearLocked() {
	clear(rs.sparse)
	rs.coarse.Clear()
	rs.nCoarse = 0
}

// Lock takes the set's lock.
func (rs *RemSet) Lock() { rs.mu.Lock() }

// Unlock releases the set's lock.
func (rs *RemSet) Unlock() { rs.mu.Unlock() }

// RemoveRegion drops every card from source region, for when that region
// is freed.
func (rs *RemSet) RemoveRegion(region int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.sparse, region)
	if rs.coarse.Has(region) {
		rs.coarse.Remove(region)
		rs.nCoarse--
	}
}

// Occupied returns the number of cards in the set.
func (rs *RemSet) Occupied() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := rs.nCoarse * rs.geo.CardsPerRegion
	for _, e := range rs.sparse {
		n += e.n
	}
	return n
}

// IsEmpty reports whether the set holds no cards.
func (rs *RemSet) IsEmpty() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.nCoarse == 0 && len(rs.sparse) == 0
}

// Cards returns the cards of the set in no particular order. The set is
// copied first, so fn may add to it.
func (rs *RemSet) Cards() iter.Seq[int] {
	rs.mu.Lock()
	var cards []int
	for region := range rs.coarse.All() {
		base := region * rs.geo.CardsPerRegion
		for i := 0; i < rs.geo.CardsPerRegion; i++ {
			cards = append(cards, base+i)
		}
	}
	for region, e := range rs.sparse {
		base := region * rs.geo.CardsPerRegion
		for c := range e.cards.All() {
			cards = append(cards, base+c)
		}
	}
	rs.mu.Unlock()
	return func(yield func(int) bool) {
		for _, c := range cards {
			if !yield(c) {
				return
			}
		}
	}
}

// Iterate calls fn for every card in the set.
func (rs *RemSet) Iterate(fn func(card int)) {
	for c := range rs.Cards() {
		fn(c)
	}
}

// AddStrongCodeRoot records a code root holding references into the
// owner.
func (rs *RemSet) AddStrongCodeRoot(cr CodeRoot) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.codeRoots[cr] = struct{}{}
}

// RemoveStrongCodeRoot forgets cr.
func (rs *RemSet) RemoveStrongCodeRoot(cr CodeRoot) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.codeRoots, cr)
}

// StrongCodeRootsDo calls fn on every recorded code root.
func (rs *RemSet) StrongCodeRootsDo(fn func(cr CodeRoot)) {
	rs.mu.Lock()
	roots := make([]CodeRoot, 0, len(rs.codeRoots))
	for cr := range rs.codeRoots {
		roots = append(roots, cr)
	}
	rs.mu.Unlock()
	for _, cr := range roots {
		fn(cr)
	}
}

// StrongCodeRootsLen returns the number of recorded code roots.
func (rs *RemSet) StrongCodeRootsLen() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.codeRoots)
}

// ClearStrongCodeRoots forgets every code root.
func (rs *RemSet) ClearStrongCodeRoots() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	clear(rs.codeRoots)
}

func (rs *RemSet) String() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return fmt.Sprintf("remset[%d] sparse=%d coarse=%d code=%d", rs.owner, len(rs.sparse), rs.nCoarse, len(rs.codeRoots))
}
