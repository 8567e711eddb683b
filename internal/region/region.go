// Package region implements heap regions: fixed-size, power-of-two
// aligned slabs of the heap, each a contiguous space with its own view of
// the block-offset table and its own remembered set.
package region

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/LimeChain/regiongc/internal/bitmap"
	"github.com/LimeChain/regiongc/internal/bot"
	"github.com/LimeChain/regiongc/internal/cardtable"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/orderaccess"
	"github.com/LimeChain/regiongc/internal/remset"
	"github.com/LimeChain/regiongc/internal/space"
)

// Type is the role of a region.
type Type uint32

const (
	Free Type = iota
	Eden
	Survivor
	Old
	StartsHumongous
	ContinuesHumongous
)

func (t Type) String() string {
	switch t {
	case Free:
		return "F"
	case Eden:
		return "E"
	case Survivor:
		return "S"
	case Old:
		return "O"
	case StartsHumongous:
		return "HS"
	case ContinuesHumongous:
		return "HC"
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// ClaimValue is a token parallel workers CAS into a region to take it.
// Values are tagged with the collection cycle and phase that use them so
// a value from an earlier phase is never mistaken for the current one.
type ClaimValue uint64

// InitialClaimValue is the claim of a region nobody has taken.
const InitialClaimValue ClaimValue = 0

// Phase names a parallel pass over the regions.
type Phase uint8

const (
	PhaseRefine Phase = iota + 1
	PhaseScanRS
	PhaseEvacuate
	PhaseMarkCleanup
	PhaseFullPrepare
	PhaseVerify
)

// Claim returns the claim value of phase in cycle.
func Claim(cycle uint64, phase Phase) ClaimValue {
	return ClaimValue(cycle<<8 | uint64(phase))
}

// GCState is the heap-wide state regions consult while scanning.
type GCState struct {
	timeStamp atomic.Uint64
	active    atomic.Bool
}

// GCTimeStamp returns the current collection time stamp.
func (s *GCState) GCTimeStamp() uint64 { return s.timeStamp.Load() }

// IncrementGCTimeStamp starts a new time stamp, invalidating every
// region's scan top.
func (s *GCState) IncrementGCTimeStamp() uint64 { return s.timeStamp.Add(1) }

// IsGCActive reports whether a collection pause is in progress.
func (s *GCState) IsGCActive() bool { return s.active.Load() }

// SetGCActive marks the start or end of a pause.
func (s *GCState) SetGCActive(on bool) { s.active.Store(on) }

type paddedClaim struct {
	v atomic.Uint64
	_ cpu.CacheLinePad
}

// HeapRegion is one region of the heap.
type HeapRegion struct {
	*space.Space

	index   int
	mem     *object.Memory
	offsets *bot.ContigView
	rs      *remset.RemSet
	state   *GCState
	origEnd uintptr

	typ            atomic.Uint32
	humongousStart *HeapRegion
	inCSet         atomic.Bool
	claim          paddedClaim

	// scanTop is the top recorded when the region became a GC allocation
	// region in the pause with time stamp gcTimeStamp.
	scanTop     atomic.Uintptr
	gcTimeStamp atomic.Uint64

	// Marking: objects below prevTAMS are live iff marked in prevBitmap;
	// objects at or above it were allocated after marking started.
	prevTAMS        uintptr
	nextTAMS        uintptr
	prevMarkedBytes uintptr
	nextMarkedBytes uintptr
	prevBitmap      bitmap.Set[int]
	nextBitmap      bitmap.Set[int]

	age int
}

// New creates a free region over mr.
func New(index int, mem *object.Memory, array *bot.SharedArray, mr memregion.MemRegion, geo remset.Geometry, state *GCState) *HeapRegion {
	offsets := bot.NewContigView(array, mem, mr)
	r := &HeapRegion{
		index:      index,
		mem:        mem,
		offsets:    offsets,
		rs:         remset.New(index, geo),
		state:      state,
		origEnd:    mr.End(),
		prevBitmap: bitmap.NewSet(int(mr.WordSize())),
		nextBitmap: bitmap.NewSet(int(mr.WordSize())),
	}
	r.Space = space.New(mem, mr, offsets)
	r.Space.Clear(false)
	r.prevTAMS, r.nextTAMS = mr.Start(), mr.Start()
	r.scanTop.Store(mr.Start())
	return r
}

func (r *HeapRegion) Index() int             { return r.index }
func (r *HeapRegion) RemSet() *remset.RemSet { return r.rs }
func (r *HeapRegion) OrigEnd() uintptr       { return r.origEnd }

// Type returns the region's current role.
func (r *HeapRegion) Type() Type { return Type(r.typ.Load()) }

func (r *HeapRegion) setType(t Type) { r.typ.Store(uint32(t)) }

func (r *HeapRegion) IsFree() bool                { return r.Type() == Free }
func (r *HeapRegion) IsEden() bool                { return r.Type() == Eden }
func (r *HeapRegion) IsSurvivor() bool            { return r.Type() == Survivor }
func (r *HeapRegion) IsYoung() bool               { return r.IsEden() || r.IsSurvivor() }
func (r *HeapRegion) IsOld() bool                 { return r.Type() == Old }
func (r *HeapRegion) IsStartsHumongous() bool     { return r.Type() == StartsHumongous }
func (r *HeapRegion) IsContinuesHumongous() bool  { return r.Type() == ContinuesHumongous }
func (r *HeapRegion) IsHumongous() bool           { return r.IsStartsHumongous() || r.IsContinuesHumongous() }
func (r *HeapRegion) HumongousStart() *HeapRegion { return r.humongousStart }
func (r *HeapRegion) InCollectionSet() bool       { return r.inCSet.Load() }
func (r *HeapRegion) SetInCollectionSet(on bool)  { r.inCSet.Store(on) }

// SetFree, SetEden, SetSurvivor and SetOld change the role of a
// non-humongous region.
func (r *HeapRegion) SetFree()     { r.setType(Free) }
func (r *HeapRegion) SetEden()     { r.setType(Eden) }
func (r *HeapRegion) SetSurvivor() { r.setType(Survivor) }
func (r *HeapRegion) SetOld()      { r.setType(Old) }

// Age returns the number of young collections the region survived as a
// survivor.
func (r *HeapRegion) Age() int { return r.age }

// SetAge sets the survivor age.
func (r *HeapRegion) SetAge(age int) { r.age = age }

// SetStartsHumongous makes r the first region of a humongous object
// occupying [bottom, newTop). newEnd is the end of the last region the
// object touches; the region's end and table view grow to cover it.
func (r *HeapRegion) SetStartsHumongous(newTop, newEnd uintptr) {
	gclog.Guarantee(!r.IsHumongous(), "region %d is already humongous", r.index)
	gclog.Guarantee(r.IsEmpty(), "region %d is not empty", r.index)
	gclog.Guarantee(newTop > r.Bottom() && newTop <= newEnd, "bad humongous extent [%#x, %#x, %#x)", r.Bottom(), newTop, newEnd)
	r.setType(StartsHumongous)
	r.humongousStart = r
	r.SetEnd(newEnd)
	if err := r.SetTop(newTop); err != nil {
		gclog.Fatalf("starts humongous: %v", err)
	}
	r.offsets.SetForStartsHumongous(newTop)
}

// SetContinuesHumongous makes r a follower of the humongous object that
// starts in first. The object's words in r are accounted to first; r's
// own top stays at bottom.
func (r *HeapRegion) SetContinuesHumongous(first *HeapRegion) {
	gclog.Guarantee(first.IsStartsHumongous(), "region %d does not start a humongous object", first.index)
	gclog.Guarantee(r.IsEmpty(), "region %d is not empty", r.index)
	r.setType(ContinuesHumongous)
	r.humongousStart = first
}

// ClearHumongous returns a humongous region to its original extent.
func (r *HeapRegion) ClearHumongous() {
	if r.Top() > r.origEnd {
		if err := r.SetTop(r.origEnd); err != nil {
			gclog.Fatalf("clear humongous: %v", err)
		}
	}
	r.SetEnd(r.origEnd)
	r.humongousStart = nil
}

// HRClear resets the region to a free, empty state.
func (r *HeapRegion) HRClear(mangle bool) {
	if r.IsHumongous() {
		r.ClearHumongous()
	}
	r.setType(Free)
	r.SetInCollectionSet(false)
	r.ResetClaim()
	r.rs.Clear()
	r.rs.ClearStrongCodeRoots()
	r.age = 0
	r.Space.Clear(mangle)
	r.scanTop.Store(r.Bottom())
	r.gcTimeStamp.Store(0)
	r.zeroMarkedBytes()
	r.initTopAtMarkStart()
	r.prevBitmap.Clear()
	r.nextBitmap.Clear()
}

// ResetAfterCompaction moves top to the compaction top. Marking data is
// stale after a compaction, so every object counts as allocated since
// the last marking.
func (r *HeapRegion) ResetAfterCompaction() {
	r.Space.ResetAfterCompaction()
	r.zeroMarkedBytes()
	r.initTopAtMarkStart()
}

// Claim takes the region for value. It fails if the region already holds
// value or another worker changed it first.
func (r *HeapRegion) Claim(value ClaimValue) bool {
	cur := r.claim.v.Load()
	if cur == uint64(value) {
		return false
	}
	return r.claim.v.CompareAndSwap(cur, uint64(value))
}

// ClaimValue returns the current claim.
func (r *HeapRegion) ClaimValue() ClaimValue { return ClaimValue(r.claim.v.Load()) }

// SetClaimValue overwrites the claim.
func (r *HeapRegion) SetClaimValue(v ClaimValue) { r.claim.v.Store(uint64(v)) }

// ResetClaim returns the claim to InitialClaimValue.
func (r *HeapRegion) ResetClaim() { r.SetClaimValue(InitialClaimValue) }

// RecordTopAndTimestamp is called when r becomes an allocation target
// during a pause. The current top becomes the scan top for the rest of
// the pause; scanners ignore anything copied in above it.
func (r *HeapRegion) RecordTopAndTimestamp() {
	stamp := r.state.GCTimeStamp()
	if r.gcTimeStamp.Load() < stamp {
		r.scanTop.Store(r.Top())
		orderaccess.Release()
		r.gcTimeStamp.Store(stamp)
	}
}

// ScanTop returns the limit of what a scan of r may look at during a
// pause: the recorded top if r was an allocation target in this pause,
// else the current top.
func (r *HeapRegion) ScanTop() uintptr {
	gclog.Guarantee(r.gcTimeStamp.Load() <= r.state.GCTimeStamp(), "region %d time stamp from the future", r.index)
	top := r.Top()
	orderaccess.LoadLoad()
	if r.gcTimeStamp.Load() < r.state.GCTimeStamp() {
		return top
	}
	return r.scanTop.Load()
}

// GCTimeStamp returns the time stamp of the pause r was last an
// allocation target in.
func (r *HeapRegion) GCTimeStamp() uint64 { return r.gcTimeStamp.Load() }

// BlockStart returns the start of the block containing addr. Every
// address of a humongous object maps to the object.
func (r *HeapRegion) BlockStart(addr uintptr) uintptr {
	if r.IsContinuesHumongous() {
		return r.humongousStart.Bottom()
	}
	return r.Space.BlockStart(addr)
}

// BlockSize returns the size in words of the block at addr.
func (r *HeapRegion) BlockSize(addr uintptr) uintptr {
	if r.IsContinuesHumongous() {
		return r.humongousStart.BlockSize(addr)
	}
	return r.Space.BlockSize(addr)
}

// BlockIsObj reports whether the block at addr is an object.
func (r *HeapRegion) BlockIsObj(addr uintptr) bool {
	if r.IsContinuesHumongous() {
		return r.humongousStart.BlockIsObj(addr)
	}
	return r.Space.BlockIsObj(addr)
}

// OopsOnCardSeqIterateCareful applies fn to every reference field of the
// live objects overlapping mr, the range of one card. If card is not
// negative, the card is cleaned before the walk. It returns false if it
// ran into an object whose klass is not yet published; the card was
// cleaned anyway, so the caller must dirty it again.
func (r *HeapRegion) OopsOnCardSeqIterateCareful(mr memregion.MemRegion, fn func(field uintptr), ct *cardtable.Table, card int) bool {
	if r.IsContinuesHumongous() {
		return r.humongousStart.OopsOnCardSeqIterateCareful(mr, fn, ct, card)
	}
	gcActive := r.state.IsGCActive()
	if gcActive {
		mr = mr.Intersection(memregion.New(r.Bottom(), r.ScanTop()))
	} else {
		mr = mr.Intersection(r.UsedRegion())
	}
	if mr.IsEmpty() {
		return true
	}
	// Young regions are scanned whole by the collector.
	if r.IsYoung() {
		return true
	}
	if card >= 0 {
		ct.ReleaseSetValue(card, cardtable.Clean)
		orderaccess.StoreLoad()
	}
	if r.IsStartsHumongous() {
		return r.oopsOnCardInHumongous(mr, fn, gcActive)
	}

	start, end := mr.Start(), mr.End()
	cur := r.BlockStart(start)
	for {
		if r.mem.KlassOrNull(cur) == nil {
			// Not parsable from here. The caller dirties the card again.
			return false
		}
		next := cur + r.mem.Size(cur)*memregion.WordSize
		if next > start {
			break
		}
		cur = next
	}
	for cur < end {
		obj := cur
		if r.mem.KlassOrNull(obj) == nil {
			return false
		}
		cur += r.mem.Size(obj) * memregion.WordSize
		if r.IsObjDead(obj) {
			continue
		}
		// Instances may be marked at the head only, so they are scanned
		// whole. Arrays are marked precisely.
		if !r.mem.IsObjArray(obj) || (obj >= start && cur <= end) {
			r.mem.OopIterate(obj, fn)
		} else {
			r.mem.OopIterateBounded(obj, mr, fn)
		}
	}
	return true
}

func (r *HeapRegion) oopsOnCardInHumongous(mr memregion.MemRegion, fn func(field uintptr), gcActive bool) bool {
	obj := r.Bottom()
	// Space has been taken but the object is not published yet. The card
	// must be stale, but it was cleaned, so report failure.
	if !gcActive && r.mem.KlassOrNull(obj) == nil {
		return false
	}
	if r.mem.KlassOrNull(obj) == nil || r.IsObjDead(obj) {
		return true
	}
	if r.mem.IsObjArray(obj) || r.Bottom() < mr.Start() {
		r.mem.OopIterateBounded(obj, mr, fn)
	} else {
		r.mem.OopIterate(obj, fn)
	}
	return true
}

// Verify checks that the region parses, that the block-offset table
// agrees with every object, and that humongous bookkeeping is consistent.
func (r *HeapRegion) Verify() error {
	switch r.Type() {
	case ContinuesHumongous:
		if r.humongousStart == nil || !r.humongousStart.IsStartsHumongous() {
			return fmt.Errorf("region %d: continues humongous without a start region", r.index)
		}
		if r.Top() != r.Bottom() {
			return fmt.Errorf("region %d: continues humongous with top %#x above bottom", r.index, r.Top())
		}
		return nil
	case StartsHumongous:
		if r.humongousStart != r {
			return fmt.Errorf("region %d: starts humongous not its own start", r.index)
		}
	case Free:
		if !r.IsEmpty() {
			return fmt.Errorf("region %d: free but top %#x above bottom", r.index, r.Top())
		}
		return nil
	}
	if r.End() != r.origEnd && !r.IsStartsHumongous() {
		return fmt.Errorf("region %d: end %#x differs from %#x", r.index, r.End(), r.origEnd)
	}
	var err error
	p := r.Bottom()
	for p < r.Top() && err == nil {
		k := r.mem.KlassOrNull(p)
		if k == nil {
			return fmt.Errorf("region %d: unparsable block at %#x", r.index, p)
		}
		size := r.mem.Size(p)
		// Eden is bump-allocated without table updates.
		if !r.IsEden() && !r.offsets.VerifyForObject(p, size) {
			err = fmt.Errorf("region %d: block-offset table wrong for %s at %#x", r.index, k.Name, p)
		}
		p += size * memregion.WordSize
	}
	if err == nil && p != r.Top() {
		err = fmt.Errorf("region %d: last object ends at %#x, top is %#x", r.index, p, r.Top())
	}
	return err
}

func (r *HeapRegion) String() string {
	return fmt.Sprintf("%4d %-2s [%#x, %#x, %#x)", r.index, r.Type(), r.Bottom(), r.Top(), r.End())
}
