package region

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/LimeChain/regiongc/internal/bitmap"
	"github.com/LimeChain/regiongc/internal/bot"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/remset"
)

// ErrReservationExhausted is returned when an expansion would commit
// regions beyond the reserved range.
var ErrReservationExhausted = errors.New("region: reserved heap exhausted")

// StorageListener is told when heap storage is committed or given back.
// The block-offset table and the card table both listen.
type StorageListener interface {
	OnCommit(mr memregion.MemRegion)
	OnUncommit(mr memregion.MemRegion)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// RegionBytes is the region size, a power of two.
	RegionBytes uintptr
	// SparseLimit is the remembered-set coarsening threshold.
	SparseLimit int
}

// Manager owns the regions of the heap. Regions are committed from the
// bottom of the reserved range up; committed regions not in use sit in
// the free set.
type Manager struct {
	mem       *object.Memory
	offsets   *bot.SharedArray
	reserved  memregion.MemRegion
	state     GCState
	listeners []StorageListener

	regionBytes    uintptr
	logRegionBytes uint
	geo            remset.Geometry

	mu      sync.Mutex
	regions []*HeapRegion
	length  int // committed regions
	free    bitmap.Set[int]
	nFree   int
}

// NewManager creates a manager over the reserved range of mem. Nothing is
// committed. offsets is committed along with the heap, before listeners.
func NewManager(mem *object.Memory, offsets *bot.SharedArray, opts ManagerOptions, listeners ...StorageListener) *Manager {
	reserved := mem.Reserved()
	rb := opts.RegionBytes
	gclog.Guarantee(rb >= MinRegionSize && rb&(rb-1) == 0, "region size %d is not a power of two of at least %d", rb, MinRegionSize)
	gclog.Guarantee(memregion.IsAligned(reserved.ByteSize(), rb), "reserved %v is not a whole number of regions", reserved)
	gclog.Guarantee(offsets.Reserved() == reserved, "BOT covers %v, heap is %v", offsets.Reserved(), reserved)

	n := int(reserved.ByteSize() / rb)
	m := &Manager{
		mem:         mem,
		offsets:     offsets,
		reserved:    reserved,
		listeners:   listeners,
		regionBytes: rb,
		geo: remset.Geometry{
			CardsPerRegion: int(rb / bot.NBytes),
			MaxRegions:     n,
			SparseLimit:    opts.SparseLimit,
		},
		regions: make([]*HeapRegion, n),
		free:    bitmap.NewSet(n),
	}
	for rb > 1 {
		rb >>= 1
		m.logRegionBytes++
	}
	return m
}

// GCState returns the heap-wide state shared by every region.
func (m *Manager) GCState() *GCState { return &m.state }

func (m *Manager) Reserved() memregion.MemRegion { return m.reserved }
func (m *Manager) RegionBytes() uintptr          { return m.regionBytes }
func (m *Manager) RegionWords() uintptr          { return m.regionBytes / memregion.WordSize }
func (m *Manager) MaxLength() int                { return len(m.regions) }

// HumongousThresholdWords returns the largest size in words that is not
// humongous.
func (m *Manager) HumongousThresholdWords() uintptr { return m.RegionWords() / 2 }

// IsHumongous reports whether an object of words words must be allocated
// in humongous regions.
func (m *Manager) IsHumongous(words uintptr) bool { return words > m.HumongousThresholdWords() }

// Length returns the number of committed regions.
func (m *Manager) Length() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.length
}

// NumFree returns the number of committed free regions.
func (m *Manager) NumFree() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nFree
}

// Committed returns the committed part of the reserved range.
func (m *Manager) Committed() memregion.MemRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memregion.New(m.reserved.Start(), m.regionBase(m.length))
}

func (m *Manager) regionBase(i int) uintptr {
	return m.reserved.Start() + uintptr(i)<<m.logRegionBytes
}

// At returns region i, or nil if it is not committed.
func (m *Manager) At(i int) *HeapRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= m.length {
		return nil
	}
	return m.regions[i]
}

// IndexFor returns the index of the region holding addr.
func (m *Manager) IndexFor(addr uintptr) int {
	gclog.Guarantee(m.reserved.Contains(addr), "address %#x outside heap %v", addr, m.reserved)
	return int((addr - m.reserved.Start()) >> m.logRegionBytes)
}

// AddrToRegion returns the region holding addr, or nil if addr is outside
// the committed heap.
func (m *Manager) AddrToRegion(addr uintptr) *HeapRegion {
	if !m.reserved.Contains(addr) {
		return nil
	}
	return m.At(m.IndexFor(addr))
}

// Expand commits up to n more regions and returns how many it committed.
// Listeners learn of the new range before any region is created over it.
func (m *Manager) Expand(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := len(m.regions) - m.length
	if avail == 0 {
		return 0, fmt.Errorf("%w: %d regions committed", ErrReservationExhausted, m.length)
	}
	n = min(n, avail)
	mr := memregion.New(m.regionBase(m.length), m.regionBase(m.length+n))
	m.offsets.OnCommit(mr)
	for _, l := range m.listeners {
		l.OnCommit(mr)
	}
	for i := m.length; i < m.length+n; i++ {
		r := New(i, m.mem, m.offsets, memregion.New(m.regionBase(i), m.regionBase(i+1)), m.geo, &m.state)
		m.regions[i] = r
		m.free.Add(i)
	}
	m.length += n
	m.nFree += n
	return n, nil
}

// Shrink gives back up to n free regions from the top of the committed
// heap and returns how many it gave back. It stops at the first region in
// use.
func (m *Manager) Shrink(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := 0
	for k < n && m.length-k > 1 && m.free.Has(m.length-k-1) {
		k++
	}
	if k == 0 {
		return 0
	}
	mr := memregion.New(m.regionBase(m.length-k), m.regionBase(m.length))
	for i := m.length - k; i < m.length; i++ {
		m.free.Remove(i)
		m.regions[i] = nil
	}
	m.length -= k
	m.nFree -= k
	for i := len(m.listeners) - 1; i >= 0; i-- {
		m.listeners[i].OnUncommit(mr)
	}
	m.offsets.OnUncommit(mr)
	return k
}

// AllocateFreeRegion takes a region from the free set. Young regions come
// from the bottom of the heap and old ones from the top, which keeps long
// lived data together. It returns nil if no region is free.
func (m *Manager) AllocateFreeRegion(young bool) *HeapRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nFree == 0 {
		return nil
	}
	i := -1
	if young {
		i = int(m.free.NextSet(0, m.length))
	} else {
		for j := m.length - 1; j >= 0; j-- {
			if m.free.Has(j) {
				i = j
				break
			}
		}
	}
	gclog.Guarantee(i >= 0 && i < m.length, "free count %d but no free region", m.nFree)
	m.free.Remove(i)
	m.nFree--
	return m.regions[i]
}

// FindContiguousFree returns the index of the first run of n free regions,
// or -1.
func (m *Manager) FindContiguousFree(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findContiguousFreeLocked(n)
}

func (m *Manager) findContiguousFreeLocked(n int) int {
	run := 0
	for i := 0; i < m.length; i++ {
		if !m.free.Has(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1
		}
	}
	return -1
}

// AllocateHumongous takes enough contiguous free regions for an object of
// words words and makes them a humongous series. It returns the starts
// region, whose bottom is the object's address, or nil. The object itself
// is not initialised.
func (m *Manager) AllocateHumongous(words uintptr) *HeapRegion {
	n := int(memregion.AlignUp(words*memregion.WordSize, m.regionBytes) >> m.logRegionBytes)
	m.mu.Lock()
	first := m.findContiguousFreeLocked(n)
	if first < 0 {
		m.mu.Unlock()
		return nil
	}
	for i := first; i < first+n; i++ {
		m.free.Remove(i)
	}
	m.nFree -= n
	series := append([]*HeapRegion(nil), m.regions[first:first+n]...)
	m.mu.Unlock()

	starts := series[0]
	newTop := starts.Bottom() + words*memregion.WordSize
	starts.SetStartsHumongous(newTop, series[n-1].OrigEnd())
	for _, r := range series[1:] {
		r.SetContinuesHumongous(starts)
	}
	return starts
}

// Free returns r to the free set. A starts-humongous region frees its
// whole series.
func (m *Manager) Free(r *HeapRegion, mangle bool) {
	gclog.Guarantee(!r.IsContinuesHumongous(), "region %d freed apart from its humongous start", r.index)
	series := []*HeapRegion{r}
	if r.IsStartsHumongous() {
		for i := r.index + 1; i < m.Length(); i++ {
			next := m.At(i)
			if !next.IsContinuesHumongous() || next.humongousStart != r {
				break
			}
			series = append(series, next)
		}
	}
	for _, hr := range series {
		hr.HRClear(mangle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hr := range series {
		gclog.Guarantee(!m.free.Has(hr.index), "region %d freed twice", hr.index)
		m.free.Add(hr.index)
		m.nFree++
	}
}

// IsFreeListed reports whether region i is in the free set.
func (m *Manager) IsFreeListed(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.Has(i)
}

func (m *Manager) snapshot() []*HeapRegion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*HeapRegion(nil), m.regions[:m.length]...)
}

// Iterate calls fn on every committed region in address order until fn
// returns false.
func (m *Manager) Iterate(fn func(r *HeapRegion) bool) {
	for _, r := range m.snapshot() {
		if !fn(r) {
			return
		}
	}
}

// ParIterate is run by each of nWorkers workers with its own worker
// number. Every committed region is passed to fn exactly once across the
// workers: a worker starts at its own share of the heap, wraps around, and
// processes the regions it wins with claim. The continues regions of a
// humongous series go to the worker that claimed its start, after it.
func (m *Manager) ParIterate(claim ClaimValue, worker, nWorkers int, fn func(r *HeapRegion)) {
	regions := m.snapshot()
	n := len(regions)
	if n == 0 {
		return
	}
	start := worker * n / max(nWorkers, 1)
	for k := 0; k < n; k++ {
		r := regions[(start+k)%n]
		if r.ClaimValue() == claim || r.IsContinuesHumongous() {
			continue
		}
		if !r.Claim(claim) {
			continue
		}
		fn(r)
		if !r.IsStartsHumongous() {
			continue
		}
		for i := r.index + 1; i < n; i++ {
			cont := regions[i]
			if !cont.IsContinuesHumongous() || cont.humongousStart != r {
				break
			}
			gclog.Guarantee(cont.Claim(claim), "continues region %d already claimed", i)
			fn(cont)
		}
	}
}

// CheckClaimValues reports the first committed region whose claim is not
// want, or nil.
func (m *Manager) CheckClaimValues(want ClaimValue) *HeapRegion {
	for _, r := range m.snapshot() {
		if r.ClaimValue() != want {
			return r
		}
	}
	return nil
}

// ResetClaims returns every region's claim to InitialClaimValue.
func (m *Manager) ResetClaims() {
	for _, r := range m.snapshot() {
		r.ResetClaim()
	}
}

// Print writes one line per committed region to w.
func (m *Manager) Print(w io.Writer) {
	for _, r := range m.snapshot() {
		fmt.Fprintf(w, "%v used=%d rs=%d\n", r, r.Used(), r.rs.Occupied())
	}
}
