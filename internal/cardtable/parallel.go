package cardtable

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/LimeChain/regiongc/internal/memregion"
)

// Space is the block structure card scanners walk.
type Space interface {
	BlockStart(addr uintptr) uintptr
	BlockSize(addr uintptr) uintptr
	BlockIsObj(addr uintptr) bool
}

// BoundedClosure receives runs of non-clean cards. Before each chunk the
// parallel iterator calls SetMinDone with the highest address the closure
// may scan while extending an object past the chunk's end.
type BoundedClosure interface {
	DoMemRegion(run memregion.MemRegion)
	SetMinDone(limit uintptr)
}

// lncSlot holds the lowest non-clean card of one chunk that lies within an
// object starting in an earlier chunk, or -1.
type lncSlot struct {
	card atomic.Int64
	_    cpu.CacheLinePad
}

// chunks describes how a range is cut into chunks and strides for one
// parallel iteration.
type chunks struct {
	mr       memregion.MemRegion
	first    int
	last     int
	nStrides int
	lnc      []lncSlot
}

func (t *Table) chunkAddr(c int) uintptr {
	return t.wholeHeap.Start() + uintptr(c*t.cardsPerStrideChunk)<<CardShift
}

func (ch *chunks) region(t *Table, c int) memregion.MemRegion {
	return memregion.New(t.chunkAddr(c), t.chunkAddr(c+1)).Intersection(ch.mr)
}

// NonCleanCardIterateParallel cleans the non-clean cards of mr and hands
// each run of them to a closure created by newClosure for the worker.
//
// Cards are grouped into chunks of CardsPerStrideChunk. Chunk c belongs
// to stride c mod (nWorkers * StridesPerThread) and workers claim whole
// strides. An object straddling into a chunk from an earlier one is split
// at the lowest non-clean card it covers in that chunk: the worker owning
// its head scans up to that card and the chunk's own worker scans from
// there on. Every chunk's lowest non-clean card is computed before any
// card is cleaned.
//
// With nWorkers <= 1 the iteration is serial.
func (t *Table) NonCleanCardIterateParallel(sp Space, mr memregion.MemRegion, nWorkers int, newClosure func(worker int) BoundedClosure) {
	if mr.IsEmpty() {
		return
	}
	if nWorkers <= 1 {
		cl := newClosure(0)
		t.NonCleanCardIterateSerial(mr, cl.DoMemRegion)
		return
	}
	for _, c := range t.CoveredRegions() {
		mri := mr.Intersection(c)
		if mri.IsEmpty() {
			continue
		}
		t.parallelWork(sp, mri, nWorkers, newClosure)
	}
}

func (t *Table) parallelWork(sp Space, mr memregion.MemRegion, nWorkers int, newClosure func(worker int) BoundedClosure) {
	ch := &chunks{
		mr:       mr,
		first:    t.IndexFor(mr.Start()) / t.cardsPerStrideChunk,
		last:     t.IndexFor(mr.Last()) / t.cardsPerStrideChunk,
		nStrides: nWorkers * t.stridesPerThread,
	}
	ch.lnc = make([]lncSlot, ch.last-ch.first+1)

	closures := make([]BoundedClosure, nWorkers)
	for w := range closures {
		closures[w] = newClosure(w)
	}

	var claimed atomic.Int64
	forEachStride(nWorkers, ch.nStrides, &claimed, func(_, stride int) {
		for c := ch.first + stride; c <= ch.last; c += ch.nStrides {
			ch.lnc[c-ch.first].card.Store(int64(t.lowestNonClean(sp, ch.region(t, c))))
		}
	})

	claimed.Store(0)
	forEachStride(nWorkers, ch.nStrides, &claimed, func(worker, stride int) {
		cl := closures[worker]
		for c := ch.first + stride; c <= ch.last; c += ch.nStrides {
			chunk := ch.region(t, c)
			cl.SetMinDone(t.maxToDo(sp, ch, c, chunk))
			t.clearNonclean(chunk, cl.DoMemRegion)
		}
	})
}

// forEachStride runs nWorkers goroutines that claim strides from claimed
// until all nStrides are taken, and waits for them.
func forEachStride(nWorkers, nStrides int, claimed *atomic.Int64, fn func(worker, stride int)) {
	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				s := int(claimed.Add(1) - 1)
				if s >= nStrides {
					return
				}
				fn(w, s)
			}
		}(w)
	}
	wg.Wait()
}

// lowestNonClean returns the first non-clean card of chunk that lies
// within an object starting before the chunk, or -1.
func (t *Table) lowestNonClean(sp Space, chunk memregion.MemRegion) int {
	if chunk.IsEmpty() {
		return -1
	}
	first := sp.BlockStart(chunk.Start())
	if first >= chunk.Start() || !sp.BlockIsObj(first) {
		return -1
	}
	tailEnd := min(first+sp.BlockSize(first)*memregion.WordSize, chunk.End())
	end := t.IndexFor(tailEnd - memregion.WordSize)
	for i := t.IndexFor(chunk.Start()); i <= end; i++ {
		if t.cards.LoadAcquire(i) != Clean {
			return i
		}
	}
	return -1
}

// maxToDo returns how far the worker of chunk c may scan an object that
// starts in the chunk and extends past it: to the object's end, or to the
// lowest non-clean card of the first later chunk that has one.
func (t *Table) maxToDo(sp Space, ch *chunks, c int, chunk memregion.MemRegion) uintptr {
	end := chunk.End()
	if chunk.IsEmpty() || end >= ch.mr.End() {
		return end
	}
	lastBlock := sp.BlockStart(end)
	if lastBlock >= end || !sp.BlockIsObj(lastBlock) {
		return end
	}
	objEnd := min(lastBlock+sp.BlockSize(lastBlock)*memregion.WordSize, ch.mr.End())
	for j := c + 1; j <= ch.last && t.chunkAddr(j) < objEnd; j++ {
		if card := ch.lnc[j-ch.first].card.Load(); card >= 0 {
			return t.AddrFor(int(card))
		}
	}
	return objEnd
}

// ParDirtyCardIterate hands every dirty card of mr to fn, claiming each
// card with a compare-and-swap from Dirty to Claimed first so that no two
// workers process the same card. fn owns the card afterwards and is
// expected to clean or re-dirty it.
func (t *Table) ParDirtyCardIterate(mr memregion.MemRegion, nWorkers int, fn func(worker, card int)) {
	if mr.IsEmpty() {
		return
	}
	nWorkers = max(nWorkers, 1)
	first, last := t.IndexFor(mr.Start()), t.IndexFor(mr.Last())
	cpc := t.cardsPerStrideChunk
	nChunks := (last-first)/cpc + 1

	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				c := int(next.Add(1) - 1)
				if c >= nChunks {
					return
				}
				from := first + c*cpc
				to := min(from+cpc-1, last)
				for i := from; i <= to; i++ {
					if t.RowIsClean(i) && i&7 == 0 && i+7 <= to {
						i += 7
						continue
					}
					if t.cards.Load(i) == Dirty && t.cards.CompareAndSwap(i, Dirty, Claimed) {
						fn(w, i)
					}
				}
			}
		}(w)
	}
	wg.Wait()
}
