package generation

import (
	"sync"
	"testing"
	"time"

	"github.com/LimeChain/regiongc/internal/bot"
	"github.com/LimeChain/regiongc/internal/cardtable"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/region"
)

const (
	testBase    = uintptr(0x4000_0000)
	regionBytes = 1 << 20
	// Two blocks of this size fit a region; neither is humongous.
	bigWords    = 60000
)

type fixture struct {
	mem  *object.Memory
	mgr  *region.Manager
	node *object.Klass
}

func newFixture(t *testing.T, nRegions int) *fixture {
	t.Helper()
	reserved := memregion.New(testBase, testBase+regionBytes*uintptr(nRegions))
	u := object.NewUniverse()
	f := &fixture{mem: object.NewMemory(reserved, u)}
	f.node = u.DefineInstance("Node", 2, 1)
	ct := cardtable.New(reserved, cardtable.Options{})
	f.mgr = region.NewManager(f.mem, bot.NewSharedArray(reserved), region.ManagerOptions{RegionBytes: regionBytes, SparseLimit: 16}, ct)
	if n, err := f.mgr.Expand(nRegions); err != nil || n != nRegions {
		t.Fatalf("Expand(%d) = %d, %v", nRegions, n, err)
	}
	return f
}

// edenNodes allocates n initialised nodes in eden.
func (f *fixture) edenNodes(t *testing.T, young *Young, n int) []uintptr {
	t.Helper()
	words := f.node.InstanceWords()
	objs := make([]uintptr, n)
	for i := range objs {
		obj := young.Allocate(words, false)
		if obj == 0 {
			t.Fatalf("eden full after %d nodes", i)
		}
		f.mem.InitObject(obj, f.node, 0)
		f.mem.Store(obj+(object.HeaderWords+2)*memregion.WordSize, uint64(i))
		objs[i] = obj
	}
	return objs
}

func TestYoungAllocatesUpToTargetEden(t *testing.T) {
	f := newFixture(t, 8)
	g := NewYoung(f.mgr, f.mem, 2, 1, nil, nil)

	for i := 0; i < 4; i++ {
		if g.Allocate(bigWords, false) == 0 {
			t.Fatalf("allocation %d failed", i)
		}
	}
	if n := len(g.Eden()); n != 2 {
		t.Fatalf("%d eden regions, want 2", n)
	}
	for _, r := range g.Eden() {
		if !r.IsEden() {
			t.Errorf("region %v is not eden", r)
		}
	}
	if g.Allocate(bigWords, false) != 0 {
		t.Fatal("allocation beyond the eden target succeeded")
	}

	if g.ExpandAndAllocate(bigWords, false) == 0 {
		t.Fatal("ExpandAndAllocate failed with free regions")
	}
	if g.TargetEden() != 3 || len(g.Eden()) != 3 {
		t.Errorf("target %d, eden %d; want 3 and 3", g.TargetEden(), len(g.Eden()))
	}
	if want := uintptr(5 * bigWords * memregion.WordSize); g.Used() != want {
		t.Errorf("used %d, want %d", g.Used(), want)
	}
	if g.CapacityBeforeGC() != 3*regionBytes {
		t.Errorf("capacity before GC %d", g.CapacityBeforeGC())
	}
}

func TestYoungLeavesHumongousToOld(t *testing.T) {
	f := newFixture(t, 4)
	young := NewYoung(f.mgr, f.mem, 2, 1, nil, nil)
	old := NewOld(f.mgr, f.mem, nil, nil)

	words := f.mgr.HumongousThresholdWords() + 1
	if young.ShouldAllocate(words, false) {
		t.Error("young generation takes a humongous object")
	}
	if !old.ShouldAllocate(words, false) {
		t.Error("old generation refuses a humongous object")
	}
	if old.ShouldAllocate(words, true) {
		t.Error("old generation takes a humongous TLAB")
	}
	if !young.SupportsInlineContigAlloc() || old.SupportsInlineContigAlloc() {
		t.Error("only the young generation supports inline allocation")
	}
}

func TestOldHumongousAllocation(t *testing.T) {
	f := newFixture(t, 4)
	g := NewOld(f.mgr, f.mem, nil, nil)

	words := f.mgr.RegionWords() + 10
	addr := g.Allocate(words, false)
	if addr == 0 {
		t.Fatal("humongous allocation failed")
	}
	r := f.mgr.AddrToRegion(addr)
	if !r.IsStartsHumongous() || r.Bottom() != addr {
		t.Fatalf("object at %#x in %v", addr, r)
	}
	if !f.mgr.AddrToRegion(addr + regionBytes).IsContinuesHumongous() {
		t.Error("second region does not continue the object")
	}
	if g.Capacity() != 2*regionBytes {
		t.Errorf("capacity %d, want two regions", g.Capacity())
	}
	if g.Used() != words*memregion.WordSize {
		t.Errorf("used %d, want %d", g.Used(), words*memregion.WordSize)
	}
	if g.CapacityBeforeGC() != 4*regionBytes {
		t.Errorf("capacity before GC %d, want the whole heap", g.CapacityBeforeGC())
	}
	if s := g.Stats(); s.Regions != 2 || s.Name != "old" {
		t.Errorf("stats %v", s)
	}
}

func TestOldExpandsForHumongous(t *testing.T) {
	reserved := memregion.New(testBase, testBase+4*regionBytes)
	mem := object.NewMemory(reserved, object.NewUniverse())
	mgr := region.NewManager(mem, bot.NewSharedArray(reserved), region.ManagerOptions{RegionBytes: regionBytes, SparseLimit: 16})
	if _, err := mgr.Expand(1); err != nil {
		t.Fatal(err)
	}
	g := NewOld(mgr, mem, nil, nil)

	words := 2*mgr.RegionWords() + 1
	if g.Allocate(words, false) != 0 {
		t.Fatal("three regions found in a heap of one")
	}
	if g.ExpandAndAllocate(words, false) == 0 {
		t.Fatal("ExpandAndAllocate failed")
	}
	if mgr.Length() != 4 {
		t.Errorf("%d regions committed, want 4", mgr.Length())
	}
}

func TestOldExpansionStopsAtMaxRegions(t *testing.T) {
	reserved := memregion.New(testBase, testBase+4*regionBytes)
	mem := object.NewMemory(reserved, object.NewUniverse())
	mgr := region.NewManager(mem, bot.NewSharedArray(reserved), region.ManagerOptions{RegionBytes: regionBytes, SparseLimit: 16})
	if _, err := mgr.Expand(1); err != nil {
		t.Fatal(err)
	}
	g := NewOld(mgr, mem, nil, nil)
	g.SetMaxRegions(2)

	words := 2*mgr.RegionWords() + 1
	if g.ExpandAndAllocate(words, false) != 0 {
		t.Fatal("old generation grew to three regions past a maximum of two")
	}
	if mgr.Length() != 1 {
		t.Errorf("%d regions committed for a refused request", mgr.Length())
	}

	g.SetMaxRegions(3)
	if g.ExpandAndAllocate(words, false) == 0 {
		t.Fatal("ExpandAndAllocate failed within the maximum")
	}
	if got := g.Stats(); mgr.Length() != 4 || g.Capacity() != 3*regionBytes {
		t.Errorf("%d regions committed, stats %v", mgr.Length(), got)
	}
}

func TestSurvivorOverflow(t *testing.T) {
	f := newFixture(t, 8)
	g := NewYoung(f.mgr, f.mem, 1, 1, nil, nil)

	if cset := g.StartPause(); len(cset) != 0 {
		t.Fatalf("collection set of an empty generation has %d regions", len(cset))
	}
	for i := 0; i < 2; i++ {
		if g.AllocateSurvivor(bigWords) == 0 {
			t.Fatalf("survivor allocation %d failed", i)
		}
	}
	if g.SurvivorOverflowed() {
		t.Fatal("overflow reported with room left")
	}
	if g.AllocateSurvivor(bigWords) != 0 {
		t.Fatal("allocated beyond the survivor limit")
	}
	if !g.SurvivorOverflowed() {
		t.Error("overflow not reported")
	}
	g.EndPause()
	if n := len(g.Survivors()); n != 1 || !g.Survivors()[0].IsSurvivor() {
		t.Errorf("survivors %v", g.Survivors())
	}
}

func TestStartPauseTakesEdenAndSurvivors(t *testing.T) {
	f := newFixture(t, 8)
	g := NewYoung(f.mgr, f.mem, 2, 2, nil, nil)
	f.edenNodes(t, g, 3)
	g.StartPause()
	g.AllocateSurvivor(bigWords)
	g.EndPause()

	f.edenNodes(t, g, 1)
	cset := g.StartPause()
	if len(cset) != 2 {
		t.Fatalf("collection set %v, want eden and survivor", cset)
	}
	for _, r := range cset {
		if !r.InCollectionSet() {
			t.Errorf("%v not marked in the collection set", r)
		}
	}
	if len(g.Eden()) != 0 || len(g.Survivors()) != 0 {
		t.Error("pause did not hand over the young regions")
	}
	if g.ParAllocate(f.node.InstanceWords(), false) != 0 {
		t.Error("eden allocation region survived the start of the pause")
	}
}

func TestPromoteAndIterateSinceSaveMarks(t *testing.T) {
	f := newFixture(t, 8)
	young := NewYoung(f.mgr, f.mem, 1, 1, nil, nil)
	old := NewOld(f.mgr, f.mem, nil, nil)
	objs := f.edenNodes(t, young, 3)

	f.mgr.GCState().IncrementGCTimeStamp()
	old.StartPause()
	if !old.NoAllocsSinceSaveMarks() {
		t.Fatal("fresh pause reports promotions")
	}
	words := f.node.InstanceWords()
	dst := old.Promote(objs[1], words)
	if dst == 0 {
		t.Fatal("promotion failed")
	}
	r := f.mgr.AddrToRegion(dst)
	if !r.IsOld() || r.ScanTop() != r.Bottom() {
		t.Errorf("promoted into %v with scan top %#x", r, r.ScanTop())
	}
	if f.mem.Klass(dst) != f.node || f.mem.Load(dst+4*memregion.WordSize) != 1 {
		t.Error("copy differs from the original")
	}
	if old.NoAllocsSinceSaveMarks() {
		t.Fatal("promotion not seen")
	}

	var seen []uintptr
	old.OopSinceSaveMarksIterate(func(obj uintptr) {
		seen = append(seen, obj)
		if len(seen) == 1 {
			// Promotions made while scanning are scanned too.
			old.Promote(objs[2], words)
		}
	})
	if len(seen) != 2 || seen[0] != dst {
		t.Errorf("iterated %#x", seen)
	}
	if !old.NoAllocsSinceSaveMarks() {
		t.Error("iteration left objects unscanned")
	}
	if len(old.PauseRegions()) != 1 {
		t.Errorf("pause regions %v", old.PauseRegions())
	}

	// The next pause keeps promoting into the same region, above a new
	// scan top.
	f.mgr.GCState().IncrementGCTimeStamp()
	old.StartPause()
	if r.ScanTop() != r.Top() {
		t.Errorf("scan top %#x, top %#x", r.ScanTop(), r.Top())
	}
}

func TestParPromoteFromManyWorkers(t *testing.T) {
	f := newFixture(t, 8)
	young := NewYoung(f.mgr, f.mem, 1, 1, nil, nil)
	old := NewOld(f.mgr, f.mem, nil, nil)
	const workers, each = 4, 250
	objs := f.edenNodes(t, young, workers*each)
	old.StartPause()

	words := f.node.InstanceWords()
	copies := make([]uintptr, len(objs))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w * each; i < (w+1)*each; i++ {
				copies[i] = old.ParPromote(objs[i], words)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uintptr]bool)
	for i, c := range copies {
		if c == 0 || seen[c] {
			t.Fatalf("copy %d at %#x", i, c)
		}
		seen[c] = true
		if f.mem.Load(c+4*memregion.WordSize) != uint64(i) {
			t.Errorf("copy %d holds the wrong payload", i)
		}
	}
}

func TestTimeOfLastGCIsMonotonic(t *testing.T) {
	f := newFixture(t, 2)
	g := NewOld(f.mgr, f.mem, nil, nil)
	later := time.Now()
	earlier := later.Add(-time.Second)
	g.UpdateTimeOfLastGC(later)
	g.UpdateTimeOfLastGC(earlier)
	if !g.TimeOfLastGC().Equal(later) {
		t.Errorf("time of last GC went back to %v", g.TimeOfLastGC())
	}
}

func TestCollectAndStats(t *testing.T) {
	f := newFixture(t, 4)
	type call struct {
		full, clearAll bool
		words          uintptr
	}
	var calls []call
	g := NewYoung(f.mgr, f.mem, 1, 1, func(full, clearAll bool, words uintptr, isTLAB bool) {
		calls = append(calls, call{full, clearAll, words})
	}, nil)

	g.Collect(false, true, 42, false)
	if len(calls) != 1 || calls[0] != (call{false, true, 42}) {
		t.Errorf("collect calls %v", calls)
	}

	g.RecordCollection(10 * time.Millisecond)
	g.RecordCollection(20 * time.Millisecond)
	s := g.Stats()
	if s.Collections != 2 || s.AvgPause <= 0 {
		t.Errorf("stats %+v", s)
	}
}
