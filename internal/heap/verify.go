package heap

import (
	"errors"
	"fmt"

	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/region"
)

// Verify checks the heap's structure: every region parses, every
// reference of a live object points into a region in use, and every
// reference across regions out of a non-young region is either in the
// remembered set of its target or on a card still waiting for
// refinement. It must run at a safepoint or with the mutators stopped.
func (h *Heap) Verify() error {
	h.ct.VerifyGuard()
	var errs []error
	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		if r.IsFree() {
			return true
		}
		if err := r.Verify(); err != nil {
			errs = append(errs, err)
			return true
		}
		if r.IsContinuesHumongous() {
			return true
		}
		r.ObjectIterate(func(obj uintptr) {
			if r.IsObjDead(obj) {
				return
			}
			h.mem.OopIterate(obj, func(field uintptr) {
				if err := h.verifyField(r, obj, field); err != nil {
					errs = append(errs, err)
				}
			})
		})
		return len(errs) < 16
	})
	return errors.Join(errs...)
}

func (h *Heap) verifyField(from *region.HeapRegion, obj, field uintptr) error {
	ref := h.mem.LoadRef(field)
	if ref == 0 {
		return nil
	}
	to := h.mgr.AddrToRegion(ref)
	if to == nil || to.IsFree() {
		return fmt.Errorf("field %#x of %s at %#x in region %d points to %#x outside the regions in use",
			field, h.mem.Klass(obj).Name, obj, from.Index(), ref)
	}
	if to.IsContinuesHumongous() || ref >= to.Top() {
		return fmt.Errorf("field %#x of %s at %#x points to %#x, not an object of region %d",
			field, h.mem.Klass(obj).Name, obj, ref, to.Index())
	}
	if from.IsYoung() || from == to {
		return nil
	}
	card := h.ct.IndexFor(field)
	if to.RemSet().ContainsReference(card) || !h.ct.IsCardClean(card) {
		return nil
	}
	return fmt.Errorf("card %d holding field %#x of region %d is clean and missing from the remembered set of region %d",
		card, field, from.Index(), to.Index())
}

// verifyCardsClean fails for every run of dirty cards in the committed
// heap. Rebuilding the remembered sets after a full collection leaves
// none.
func (h *Heap) verifyCardsClean() error {
	var errs []error
	h.ct.DirtyCardIterate(h.mgr.Committed(), func(run memregion.MemRegion) {
		errs = append(errs, fmt.Errorf("cards %d to %d are dirty", h.ct.IndexFor(run.Start()), h.ct.IndexFor(run.Last())))
	})
	return errors.Join(errs...)
}
