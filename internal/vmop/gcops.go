package vmop

import (
	"fmt"
	"io"

	"github.com/LimeChain/regiongc/internal/metaspace"
	"github.com/LimeChain/regiongc/internal/task"
)

// Cause says why a collection was requested.
type Cause uint8

const (
	CauseAllocationFailure Cause = iota
	CauseSystemGC
	CauseGCLocker
	CauseMetadataThreshold
	CauseLastDitch
	CauseHeapInspection
	CauseMarkLive
	CauseAdmin
)

func (c Cause) String() string {
	switch c {
	case CauseAllocationFailure:
		return "Allocation Failure"
	case CauseSystemGC:
		return "System.gc()"
	case CauseGCLocker:
		return "GCLocker Initiated GC"
	case CauseMetadataThreshold:
		return "Metadata GC Threshold"
	case CauseLastDitch:
		return "Last ditch collection"
	case CauseHeapInspection:
		return "Heap Inspection Initiated GC"
	case CauseMarkLive:
		return "Liveness Marking"
	case CauseAdmin:
		return "Admin Request"
	}
	return fmt.Sprintf("Cause(%d)", uint8(c))
}

// IsUserRequested reports whether the collection was asked for
// explicitly rather than forced by allocation.
func (c Cause) IsUserRequested() bool { return c == CauseSystemGC || c == CauseAdmin }

// Locker is the view of the GC locker that collection operations need.
type Locker interface {
	IsActive() bool
	IsActiveAndNeedsGC() bool
}

// CollectedHeap is the heap as seen by collection operations.
type CollectedHeap interface {
	HeapLock() *task.Mutex
	PendingList() *PendingList
	GCLocker() Locker
	Metaspace() *metaspace.Space

	// TotalCollections and TotalFullCollections never decrease.
	TotalCollections() uint64
	TotalFullCollections() uint64
	// IsMaximalNoGC reports whether the heap is at its maximum size.
	IsMaximalNoGC() bool
	MustClearAllSoftRefs() bool

	// These run on the VM thread at a safepoint. Collections that find
	// the GC locker active do nothing and leave it needing a collection.
	SatisfyFailedAllocation(words uintptr, isTLAB bool) uintptr
	AttemptAllocationAtSafepoint(words uintptr, isTLAB bool) uintptr
	CollectAsVMThread(cause Cause)
	DoFullCollection(clearAllSoftRefs bool, cause Cause)
	CollectYoung(cause Cause) bool
	Inspect(w io.Writer)
}

// PendingList is the list of references cleared by collections. A
// collection operation holds its lock from prologue to epilogue, and the
// epilogue wakes consumers if references were added.
type PendingList struct {
	*task.Monitor
	refs []uint64
}

// NewPendingList returns an empty list.
func NewPendingList() *PendingList {
	return &PendingList{Monitor: task.NewMonitor("pending list")}
}

// Add appends a cleared reference. The caller holds the lock, or acts at
// a safepoint on behalf of the thread that does.
func (p *PendingList) Add(ref uint64) { p.refs = append(p.refs, ref) }

// Len returns the number of pending references.
func (p *PendingList) Len() int { return len(p.refs) }

// Take removes and returns every pending reference. If wait is set it
// waits for at least one. The caller holds the lock.
func (p *PendingList) Take(t *task.Thread, wait bool) []uint64 {
	for wait && len(p.refs) == 0 {
		p.Wait(t)
	}
	refs := p.refs
	p.refs = nil
	return refs
}

// GCOperation is the part every collection operation shares: the skip
// check against the collection counts and the locking protocol.
type GCOperation struct {
	heap  CollectedHeap
	cause Cause
	full  bool

	gcCountBefore     uint64
	fullGCCountBefore uint64
	noSkip            bool

	prologueSucceeded bool
	gcLocked          bool
}

func newGCOperation(heap CollectedHeap, cause Cause, gcCountBefore, fullGCCountBefore uint64, full bool) GCOperation {
	return GCOperation{
		heap:              heap,
		cause:             cause,
		full:              full,
		gcCountBefore:     gcCountBefore,
		fullGCCountBefore: fullGCCountBefore,
	}
}

func (op *GCOperation) EvaluateAtSafepoint() bool { return true }
func (op *GCOperation) Cause() Cause              { return op.cause }

// PrologueSucceeded reports whether the operation ran.
func (op *GCOperation) PrologueSucceeded() bool { return op.prologueSucceeded }

// GCLocked reports whether the collection was held off by the GC locker.
func (op *GCOperation) GCLocked() bool { return op.gcLocked }

// skipOperation reports whether another thread collected since the
// request was made, which makes this request redundant. A request that
// would only be deferred by the GC locker is skipped when the heap cannot
// grow either.
func (op *GCOperation) skipOperation() bool {
	if op.noSkip {
		return false
	}
	skip := op.gcCountBefore != op.heap.TotalCollections()
	if op.full && skip {
		skip = op.fullGCCountBefore != op.heap.TotalFullCollections()
	}
	if !skip && op.heap.GCLocker().IsActiveAndNeedsGC() {
		skip = op.heap.IsMaximalNoGC()
	}
	return skip
}

// DoitPrologue takes the pending-list lock, then the heap lock, and
// checks whether the operation is still needed.
func (op *GCOperation) DoitPrologue(t *task.Thread) bool {
	pl := op.heap.PendingList()
	pl.Lock(t)
	op.heap.HeapLock().Lock(t)
	if op.skipOperation() {
		op.heap.HeapLock().Unlock(t)
		pl.Unlock(t)
		op.prologueSucceeded = false
	} else {
		op.prologueSucceeded = true
	}
	return op.prologueSucceeded
}

// DoitEpilogue releases the heap lock, then the pending-list lock,
// waking reference consumers if the collection cleared any.
func (op *GCOperation) DoitEpilogue(t *task.Thread) {
	op.heap.HeapLock().Unlock(t)
	pl := op.heap.PendingList()
	if pl.Len() > 0 {
		pl.NotifyAll()
	}
	pl.Unlock(t)
}

// GenCollectForAllocation collects because an allocation failed and then
// retries the allocation.
type GenCollectForAllocation struct {
	GCOperation
	words  uintptr
	isTLAB bool
	result uintptr
}

// NewGenCollectForAllocation requests a collection for an allocation of
// words words. gcCountBefore is the collection count the requester saw.
func NewGenCollectForAllocation(heap CollectedHeap, words uintptr, isTLAB bool, gcCountBefore uint64) *GenCollectForAllocation {
	return &GenCollectForAllocation{
		GCOperation: newGCOperation(heap, CauseAllocationFailure, gcCountBefore, 0, false),
		words:       words,
		isTLAB:      isTLAB,
	}
}

func (op *GenCollectForAllocation) Name() string { return "GenCollectForAllocation" }

func (op *GenCollectForAllocation) Doit() {
	op.result = op.heap.SatisfyFailedAllocation(op.words, op.isTLAB)
	if op.result == 0 && op.heap.GCLocker().IsActiveAndNeedsGC() {
		op.gcLocked = true
	}
}

// Result returns the allocated address, or 0.
func (op *GenCollectForAllocation) Result() uintptr { return op.result }

// GenCollectFull collects the whole heap.
type GenCollectFull struct {
	GCOperation
}

// NewGenCollectFull requests a full collection.
func NewGenCollectFull(heap CollectedHeap, cause Cause, gcCountBefore, fullGCCountBefore uint64) *GenCollectFull {
	return &GenCollectFull{GCOperation: newGCOperation(heap, cause, gcCountBefore, fullGCCountBefore, true)}
}

func (op *GenCollectFull) Name() string { return "GenCollectFull" }

func (op *GenCollectFull) Doit() {
	op.heap.DoFullCollection(op.heap.MustClearAllSoftRefs(), op.cause)
	op.gcLocked = op.heap.GCLocker().IsActiveAndNeedsGC()
}

// CollectForMetadataAllocation collects because class metadata could
// not be allocated, then retries the allocation, growing the metaspace
// and finally clearing soft references if it has to.
type CollectForMetadataAllocation struct {
	GCOperation
	loader metaspace.LoaderID
	bytes  uintptr
	result bool
}

// NewCollectForMetadataAllocation requests a collection for bytes of
// metadata for loader.
func NewCollectForMetadataAllocation(heap CollectedHeap, loader metaspace.LoaderID, bytes uintptr, gcCountBefore, fullGCCountBefore uint64) *CollectForMetadataAllocation {
	return &CollectForMetadataAllocation{
		GCOperation: newGCOperation(heap, CauseMetadataThreshold, gcCountBefore, fullGCCountBefore, true),
		loader:      loader,
		bytes:       bytes,
	}
}

func (op *CollectForMetadataAllocation) Name() string { return "CollectForMetadataAllocation" }

func (op *CollectForMetadataAllocation) Doit() {
	ms := op.heap.Metaspace()
	op.heap.CollectAsVMThread(CauseMetadataThreshold)
	if op.result = ms.Allocate(op.loader, op.bytes); op.result {
		return
	}
	if op.result = ms.ExpandAndAllocate(op.loader, op.bytes); op.result {
		return
	}
	op.heap.CollectAsVMThread(CauseLastDitch)
	if op.result = ms.Allocate(op.loader, op.bytes); op.result {
		return
	}
	if op.result = ms.ExpandAndAllocate(op.loader, op.bytes); op.result {
		return
	}
	if op.heap.GCLocker().IsActiveAndNeedsGC() {
		op.gcLocked = true
	}
}

// Result reports whether the metadata was allocated.
func (op *CollectForMetadataAllocation) Result() bool { return op.result }

// YoungPause evacuates the young regions and, if words is not zero,
// allocates afterwards.
type YoungPause struct {
	GCOperation
	words     uintptr
	result    uintptr
	succeeded bool
}

// NewYoungPause requests a young collection.
func NewYoungPause(heap CollectedHeap, cause Cause, words uintptr, gcCountBefore uint64) *YoungPause {
	return &YoungPause{
		GCOperation: newGCOperation(heap, cause, gcCountBefore, 0, false),
		words:       words,
	}
}

func (op *YoungPause) Name() string { return "YoungPause" }

func (op *YoungPause) Doit() {
	if op.words > 0 {
		if op.result = op.heap.AttemptAllocationAtSafepoint(op.words, false); op.result != 0 {
			// Another thread's pause made room already.
			op.succeeded = true
			return
		}
	}
	op.succeeded = op.heap.CollectYoung(op.cause)
	if !op.succeeded {
		op.gcLocked = op.heap.GCLocker().IsActiveAndNeedsGC()
		return
	}
	if op.words > 0 {
		op.result = op.heap.AttemptAllocationAtSafepoint(op.words, false)
	}
}

// Result returns the allocated address, or 0.
func (op *YoungPause) Result() uintptr { return op.result }

// PauseSucceeded reports whether the pause ran.
func (op *YoungPause) PauseSucceeded() bool { return op.succeeded }

// MarkLive runs a liveness marking cycle and frees whatever it proves
// dead. It always runs.
type MarkLive struct {
	GCOperation
}

// NewMarkLive requests a marking cycle.
func NewMarkLive(heap CollectedHeap) *MarkLive {
	op := &MarkLive{GCOperation: newGCOperation(heap, CauseMarkLive, 0, 0, false)}
	op.noSkip = true
	return op
}

func (op *MarkLive) Name() string { return "MarkLive" }

func (op *MarkLive) Doit() {
	op.heap.CollectAsVMThread(CauseMarkLive)
	op.gcLocked = op.heap.GCLocker().IsActive()
}

// HeapInspection writes a class histogram of the heap, optionally after
// a full collection.
type HeapInspection struct {
	GCOperation
	w       io.Writer
	fullGC  bool
	skipped bool
}

// NewHeapInspection requests a histogram written to w.
func NewHeapInspection(heap CollectedHeap, w io.Writer, fullGC bool) *HeapInspection {
	op := &HeapInspection{
		GCOperation: newGCOperation(heap, CauseHeapInspection, 0, 0, true),
		w:           w,
		fullGC:      fullGC,
	}
	op.noSkip = true
	return op
}

func (op *HeapInspection) Name() string { return "HeapInspection" }

func (op *HeapInspection) Doit() {
	if op.fullGC {
		op.heap.CollectAsVMThread(CauseHeapInspection)
		// With the GC locker active the histogram includes garbage.
		op.skipped = op.heap.GCLocker().IsActive()
	}
	op.heap.Inspect(op.w)
}

// CollectionSkipped reports whether the requested collection was left
// out because the GC locker was active.
func (op *HeapInspection) CollectionSkipped() bool { return op.skipped }
