package heap

import (
	"github.com/LimeChain/regiongc/internal/generation"
	"github.com/LimeChain/regiongc/internal/region"
	"github.com/LimeChain/regiongc/internal/task"
)

// Stats is a snapshot of the heap.
type Stats struct {
	Regions     int     `json:"regions"`
	FreeRegions int     `json:"freeRegions"`
	MaxRegions  int     `json:"maxRegions"`
	RegionBytes uintptr `json:"regionBytes"`
	Used        uintptr `json:"used"`
	Committed   uintptr `json:"committed"`

	Young generation.Stats `json:"young"`
	Old   generation.Stats `json:"old"`

	Collections       uint64 `json:"collections"`
	FullCollections   uint64 `json:"fullCollections"`
	Safepoints        uint64 `json:"safepoints"`
	VMOperations      uint64 `json:"vmOperations"`
	VMOperationsSkip  uint64 `json:"vmOperationsSkipped"`
	LockerStalls      uint64 `json:"gcLockerStalls"`
	LockerDeferred    uint64 `json:"gcLockerDeferred"`
	TenuringThreshold uint   `json:"tenuringThreshold"`
	IncrementalFailed bool   `json:"incrementalCollectionFailed"`
	OverheadExceeded  bool   `json:"gcOverheadLimitExceeded"`
	RefinedCards      uint64 `json:"refinedCards"`
	CardChecksum      uint16 `json:"cardChecksum"`

	MetaspaceUsed     uintptr `json:"metaspaceUsed"`
	MetaspaceCapacity uintptr `json:"metaspaceCapacity"`
	Loaders           int     `json:"loaders"`
}

// Stats takes a snapshot under the heap lock. t is in the VM.
func (h *Heap) Stats(t *task.Thread) Stats {
	h.lock.Lock(t)
	defer h.lock.Unlock(t)

	executed, skipped := h.vm.Stats()
	stalls, deferred := h.locker.Stats()
	h.roots.mu.Lock()
	loaders := len(h.roots.loaders)
	h.roots.mu.Unlock()
	return Stats{
		Regions:           h.mgr.Length(),
		FreeRegions:       h.mgr.NumFree(),
		MaxRegions:        h.mgr.MaxLength(),
		RegionBytes:       h.mgr.RegionBytes(),
		Used:              h.usedBytes(),
		Committed:         h.committedBytes(),
		Young:             h.young.Stats(),
		Old:               h.old.Stats(),
		Collections:       h.TotalCollections(),
		FullCollections:   h.TotalFullCollections(),
		Safepoints:        h.sync.Count(),
		VMOperations:      executed,
		VMOperationsSkip:  skipped,
		LockerStalls:      stalls,
		LockerDeferred:    deferred,
		TenuringThreshold: h.tenuringThreshold(),
		IncrementalFailed: h.IncrementalCollectionFailed(),
		OverheadExceeded:  h.pol.SizePolicy().GCOverheadLimitExceeded(),
		RefinedCards:      h.refined.Load(),
		CardChecksum:      h.ct.Checksum(h.mgr.Committed()),
		MetaspaceUsed:     h.meta.Used(),
		MetaspaceCapacity: h.meta.CapacityUntilGC(),
		Loaders:           loaders,
	}
}

// RegionInfo describes one committed region.
type RegionInfo struct {
	Index     int     `json:"index"`
	Type      string  `json:"type"`
	Bottom    uintptr `json:"bottom"`
	Top       uintptr `json:"top"`
	Used      uintptr `json:"used"`
	Live      uintptr `json:"live"`
	RemSet    int     `json:"remSetCards"`
	CodeRoots int     `json:"codeRoots"`
}

// RegionInfos describes every committed region, in address order. t is
// in the VM.
func (h *Heap) RegionInfos(t *task.Thread) []RegionInfo {
	h.lock.Lock(t)
	defer h.lock.Unlock(t)
	out := make([]RegionInfo, 0, h.mgr.Length())
	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		out = append(out, RegionInfo{
			Index:     r.Index(),
			Type:      r.Type().String(),
			Bottom:    r.Bottom(),
			Top:       r.Top(),
			Used:      r.Used(),
			Live:      r.LiveBytes(),
			RemSet:    r.RemSet().Occupied(),
			CodeRoots: r.RemSet().StrongCodeRootsLen(),
		})
		return true
	})
	return out
}
