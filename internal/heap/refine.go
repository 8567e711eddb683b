package heap

import (
	"time"

	"github.com/LimeChain/regiongc/internal/cardtable"
)

// Refinement turns dirty cards into remembered-set entries: each dirty
// card of an old or humongous region is scanned, and every reference
// found is recorded in the remembered set of the region it points into.
// It runs on its own thread between collections and at the start of every
// young pause.

// refinePass refines every dirty card of the committed heap and returns
// the number of cards handed out.
func (h *Heap) refinePass() int {
	var n int64
	counts := make([]int64, max(h.workers(), 1))
	h.ct.ParDirtyCardIterate(h.mgr.Committed(), h.workers(), func(worker, card int) {
		h.refineCard(card)
		counts[worker]++
	})
	for _, c := range counts {
		n += c
	}
	h.refined.Add(uint64(n))
	return int(n)
}

// refineCard processes a card the iterator claimed. The card ends clean,
// or dirty again if part of it could not be parsed yet.
func (h *Heap) refineCard(card int) {
	mr := h.ct.CardRegion(card)
	r := h.mgr.AddrToRegion(mr.Start())
	if r == nil || r.IsFree() || r.IsYoung() || r.InCollectionSet() {
		h.ct.CompareAndSwap(card, cardtable.Claimed, cardtable.Clean)
		return
	}
	if !r.OopsOnCardSeqIterateCareful(mr, h.recordRef, h.ct, card) {
		h.ct.SetValue(card, cardtable.Dirty)
		return
	}
	// An early return leaves the card claimed. A store since the walk
	// has dirtied it again.
	h.ct.CompareAndSwap(card, cardtable.Claimed, cardtable.Clean)
}

// recordRef records the reference in field in the remembered set of the
// region it points into.
func (h *Heap) recordRef(field uintptr) {
	ref := h.mem.LoadRef(field)
	if ref == 0 || !h.mem.IsInReserved(ref) {
		return
	}
	to := h.mgr.AddrToRegion(ref)
	if to == nil || to.IsFree() {
		return
	}
	to.RemSet().AddReference(h.ct.IndexFor(field))
}

func (h *Heap) startRefiner(interval time.Duration) {
	if interval <= 0 {
		return
	}
	h.refineStop = make(chan struct{})
	h.refineDone = make(chan struct{})
	t := h.sync.Attach("refine")
	go func() {
		defer close(h.refineDone)
		defer h.sync.Detach(t)
		for {
			stop := false
			t.BlockInVM(func() {
				select {
				case <-h.refineStop:
					stop = true
				case <-time.After(interval):
				}
			})
			if stop {
				return
			}
			if n := h.refinePass(); n > 0 {
				h.log.Debug("refined cards", "cards", n)
			}
		}
	}()
}

func (h *Heap) stopRefiner() {
	if h.refineStop == nil {
		return
	}
	close(h.refineStop)
	<-h.refineDone
	h.refineStop = nil
}
