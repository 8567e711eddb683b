package policy

import (
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/metaspace"
	"github.com/LimeChain/regiongc/internal/task"
	"github.com/LimeChain/regiongc/internal/vmop"
)

// Generation is what the allocation paths need of a generation.
type Generation interface {
	Name() string
	// ShouldAllocate reports whether the generation takes requests of
	// this size at all.
	ShouldAllocate(words uintptr, isTLAB bool) bool
	// Allocate is called with the heap lock held.
	Allocate(words uintptr, isTLAB bool) uintptr
	// ParAllocate needs no lock.
	ParAllocate(words uintptr, isTLAB bool) uintptr
	ExpandAndAllocate(words uintptr, isTLAB bool) uintptr
	CapacityBeforeGC() uintptr
}

// Locker is the GC locker as the allocation paths use it.
type Locker interface {
	vmop.Locker
	StallUntilClear(t *task.Thread)
}

// Heap is the collected heap as the policy sees it.
type Heap interface {
	vmop.CollectedHeap
	// Generations returns the generations youngest first.
	Generations() []Generation
	IncrementalCollectionFailed() bool
	IncrementalCollectionWillFail() bool
	// DoCollection collects at a safepoint. It does nothing if the GC
	// locker is active.
	DoCollection(full, clearAllSoftRefs bool, words uintptr, isTLAB bool, cause vmop.Cause)
	FillWithObject(addr, words uintptr)
	Execute(t *task.Thread, op vmop.Operation)
}

// Bind connects the policy to the heap it sizes and the GC locker that
// guards it.
func (p *CollectorPolicy) Bind(h Heap, l Locker) {
	p.heap = h
	p.locker = l
}

// AttemptAllocation tries the generations youngest first, with the heap
// lock held. firstOnly stops after the young generation.
func (p *CollectorPolicy) AttemptAllocation(words uintptr, isTLAB, firstOnly bool) uintptr {
	for i, g := range p.heap.Generations() {
		if i > 0 && firstOnly {
			break
		}
		if !g.ShouldAllocate(words, isTLAB) {
			continue
		}
		if res := g.Allocate(words, isTLAB); res != 0 {
			return res
		}
	}
	return 0
}

// ShouldTryOlderGenerationAllocation reports whether an allocation that
// failed in the young generation should go to the old one rather than
// wait for a collection. Requests the young generation never takes go
// straight to the old one.
func (p *CollectorPolicy) ShouldTryOlderGenerationAllocation(words uintptr) bool {
	young := p.heap.Generations()[0]
	return !young.ShouldAllocate(words, false) ||
		words >= young.CapacityBeforeGC()>>memregion.LogWordSize ||
		p.locker.IsActiveAndNeedsGC() ||
		p.heap.IncrementalCollectionFailed()
}

// ExpandHeapAndAllocate grows the generations, oldest first, until one
// satisfies the request.
func (p *CollectorPolicy) ExpandHeapAndAllocate(words uintptr, isTLAB bool) uintptr {
	gens := p.heap.Generations()
	for i := len(gens) - 1; i >= 0; i-- {
		if !gens[i].ShouldAllocate(words, isTLAB) {
			continue
		}
		if res := gens[i].ExpandAndAllocate(words, isTLAB); res != 0 {
			return res
		}
	}
	return 0
}

// MemAllocateWork allocates words for t, collecting as often as it takes.
// t is in the VM. It returns 0 when the GC locker keeps the collector out
// for too long, and 0 with overheadExceeded set when the collector spends
// nearly all the time collecting without freeing space.
func (p *CollectorPolicy) MemAllocateWork(t *task.Thread, words uintptr, isTLAB bool) (res uintptr, overheadExceeded bool) {
	gens := p.heap.Generations()
	young := gens[0]
	lock := p.heap.HeapLock()
	stalls := uint(0)
	for tries := uint(1); ; tries++ {
		if young.ShouldAllocate(words, isTLAB) {
			if res := young.ParAllocate(words, isTLAB); res != 0 {
				return res, false
			}
		}

		lock.Lock(t)
		firstOnly := !p.ShouldTryOlderGenerationAllocation(words)
		if res := p.AttemptAllocation(words, isTLAB, firstOnly); res != 0 {
			lock.Unlock(t)
			return res, false
		}

		if p.locker.IsActiveAndNeedsGC() {
			if isTLAB {
				lock.Unlock(t)
				return 0, false
			}
			if !p.heap.IsMaximalNoGC() {
				if res := p.ExpandHeapAndAllocate(words, isTLAB); res != 0 {
					lock.Unlock(t)
					return res, false
				}
			}
			lock.Unlock(t)
			// A thread in a critical region would wait on itself.
			if stalls >= p.cfg.GCLockerRetryAllocationCount || t.InCritical() {
				p.log.Debug("allocation gave up on the GC locker", "words", words, "stalls", stalls)
				return 0, false
			}
			p.locker.StallUntilClear(t)
			stalls++
			continue
		}

		gcCountBefore := p.heap.TotalCollections()
		lock.Unlock(t)

		op := vmop.NewGenCollectForAllocation(p.heap, words, isTLAB, gcCountBefore)
		p.heap.Execute(t, op)
		if op.PrologueSucceeded() {
			if op.GCLocked() {
				continue
			}
			res := op.Result()
			if p.size.GCOverheadLimitExceeded() && p.soft.AllSoftRefsClear() {
				p.size.SetGCOverheadLimitExceeded(false)
				if res != 0 {
					// Leave a parsable heap behind.
					p.heap.FillWithObject(res, words)
				}
				return 0, true
			}
			return res, false
		}

		if n := p.cfg.QueuedAllocationWarningCount; n > 0 && tries%n == 0 {
			p.log.Warn("allocation retried repeatedly", "tries", tries, "words", words)
		}
	}
}

// SatisfyFailedAllocation runs on the VM thread at a safepoint after an
// allocation failed: it collects, grows the heap, and as a last resort
// collects everything clearing soft references.
func (p *CollectorPolicy) SatisfyFailedAllocation(words uintptr, isTLAB bool) uintptr {
	if p.locker.IsActiveAndNeedsGC() {
		// A collection cannot run now, so try to grow instead.
		if !p.heap.IsMaximalNoGC() {
			return p.ExpandHeapAndAllocate(words, isTLAB)
		}
		return 0
	}

	clearAll := p.soft.ShouldClearAll()
	if p.heap.IncrementalCollectionWillFail() {
		p.heap.DoCollection(true, clearAll, words, isTLAB, vmop.CauseAllocationFailure)
	} else {
		p.heap.DoCollection(false, clearAll, words, isTLAB, vmop.CauseAllocationFailure)
	}
	if res := p.AttemptAllocation(words, isTLAB, false); res != 0 {
		return res
	}
	if res := p.ExpandHeapAndAllocate(words, isTLAB); res != 0 {
		return res
	}

	p.heap.DoCollection(true, true, words, isTLAB, vmop.CauseAllocationFailure)
	if res := p.AttemptAllocation(words, isTLAB, false); res != 0 {
		return res
	}
	p.log.Debug("allocation failed after a full collection", "words", words, "softRefsClear", p.soft.AllSoftRefsClear())
	return 0
}

// SatisfyFailedMetadataAllocation obtains bytes of class metadata for
// loader, collecting as often as it takes. t is in the VM.
func (p *CollectorPolicy) SatisfyFailedMetadataAllocation(t *task.Thread, loader metaspace.LoaderID, bytes uintptr) bool {
	ms := p.heap.Metaspace()
	lock := p.heap.HeapLock()
	for loops := uint(1); ; loops++ {
		if ms.Allocate(loader, bytes) {
			return true
		}
		if p.locker.IsActiveAndNeedsGC() {
			if ms.ExpandAndAllocate(loader, bytes) {
				return true
			}
			if t.InCritical() {
				return false
			}
			p.locker.StallUntilClear(t)
			continue
		}

		lock.Lock(t)
		gcCountBefore, fullGCCountBefore := p.heap.TotalCollections(), p.heap.TotalFullCollections()
		lock.Unlock(t)

		op := vmop.NewCollectForMetadataAllocation(p.heap, loader, bytes, gcCountBefore, fullGCCountBefore)
		p.heap.Execute(t, op)
		if op.GCLocked() {
			continue
		}
		if op.PrologueSucceeded() {
			return op.Result()
		}

		if n := p.cfg.QueuedAllocationWarningCount; n > 0 && loops%n == 0 {
			p.log.Warn("metadata allocation retried repeatedly", "loops", loops, "bytes", bytes)
		}
	}
}
