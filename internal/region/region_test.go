package region

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/LimeChain/regiongc/internal/bot"
	"github.com/LimeChain/regiongc/internal/cardtable"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
)

const testBase = uintptr(0x4000_0000)

type fixture struct {
	mem  *object.Memory
	ct   *cardtable.Table
	m    *Manager
	node *object.Klass
}

func newFixture(t *testing.T, regionBytes uintptr, nRegions int) *fixture {
	t.Helper()
	reserved := memregion.New(testBase, testBase+regionBytes*uintptr(nRegions))
	u := object.NewUniverse()
	f := &fixture{mem: object.NewMemory(reserved, u)}
	f.node = u.DefineInstance("Node", 2, 1)
	f.ct = cardtable.New(reserved, cardtable.Options{})
	f.m = NewManager(f.mem, bot.NewSharedArray(reserved), ManagerOptions{RegionBytes: regionBytes, SparseLimit: 16}, f.ct)
	if n, err := f.m.Expand(nRegions); err != nil || n != nRegions {
		t.Fatalf("Expand(%d) = %d, %v", nRegions, n, err)
	}
	return f
}

func (f *fixture) allocNode(t *testing.T, r *HeapRegion) uintptr {
	t.Helper()
	words := f.node.InstanceWords()
	obj := r.Allocate(words)
	if obj == 0 {
		t.Fatalf("region %d is full", r.Index())
	}
	f.mem.InitObject(obj, f.node, 0)
	return obj
}

func TestHumongousStraddle(t *testing.T) {
	const regionBytes = 2 << 20
	f := newFixture(t, regionBytes, 4)

	// An int array of 3MiB.
	filler := f.mem.Universe().FillerArray()
	length := 786426
	words := object.SizeFor(filler, length)
	if words*memregion.WordSize != 3<<20 {
		t.Fatalf("object is %d bytes", words*memregion.WordSize)
	}
	if !f.m.IsHumongous(words) {
		t.Fatal("1.5 regions is not humongous")
	}
	starts := f.m.AllocateHumongous(words)
	if starts == nil {
		t.Fatal("humongous allocation failed")
	}
	obj := starts.Bottom()
	f.mem.InitObject(obj, filler, length)

	if f.m.NumFree() != 2 {
		t.Errorf("%d regions free, want 2", f.m.NumFree())
	}
	if !starts.IsStartsHumongous() || starts.Index() != 0 {
		t.Fatalf("first region is %v", starts)
	}
	if starts.Top() != obj+3<<20 {
		t.Errorf("starts top %#x, want %#x", starts.Top(), obj+3<<20)
	}
	if starts.End() != obj+4<<20 {
		t.Errorf("starts end %#x, want %#x", starts.End(), obj+4<<20)
	}
	cont := f.m.At(1)
	if !cont.IsContinuesHumongous() || cont.HumongousStart() != starts {
		t.Fatalf("second region is %v", cont)
	}
	if cont.Top() != cont.Bottom() {
		t.Errorf("continues top %#x, want bottom %#x", cont.Top(), cont.Bottom())
	}
	if starts.HumongousStart() != starts {
		t.Error("starts region is not its own humongous start")
	}

	for addr := obj; addr < cont.End(); addr += 4096 + memregion.WordSize {
		r := f.m.AddrToRegion(addr)
		if got := r.BlockStart(addr); got != obj {
			t.Fatalf("BlockStart(%#x) in region %d = %#x, want %#x", addr, r.Index(), got, obj)
		}
	}
	for _, r := range []*HeapRegion{starts, cont} {
		if err := r.Verify(); err != nil {
			t.Error(err)
		}
	}

	f.m.Free(starts, false)
	if f.m.NumFree() != 4 {
		t.Errorf("%d regions free after freeing the series", f.m.NumFree())
	}
	if starts.End() != starts.OrigEnd() || starts.Top() > starts.OrigEnd() {
		t.Errorf("cleared starts region is %v", starts)
	}
	if !cont.IsFree() || cont.HumongousStart() != nil {
		t.Errorf("cleared continues region is %v", cont)
	}
}

func TestClearHumongousRestoresEnd(t *testing.T) {
	f := newFixture(t, MinRegionSize, 4)
	starts := f.m.AllocateHumongous(f.m.RegionWords() * 3)
	if starts == nil {
		t.Fatal("humongous allocation failed")
	}
	if starts.Top() != starts.End() {
		t.Fatalf("exactly three regions should be full: %v", starts)
	}
	starts.ClearHumongous()
	if starts.End() != starts.OrigEnd() {
		t.Errorf("end %#x, want %#x", starts.End(), starts.OrigEnd())
	}
	if starts.Top() > starts.OrigEnd() {
		t.Errorf("top %#x above original end", starts.Top())
	}
}

func TestHumongousNeedsContiguousRegions(t *testing.T) {
	f := newFixture(t, MinRegionSize, 3)
	young := f.m.AllocateFreeRegion(true)
	old := f.m.AllocateFreeRegion(false)
	if young.Index() != 0 || old.Index() != 2 {
		t.Fatalf("young from %d, old from %d", young.Index(), old.Index())
	}
	if f.m.FindContiguousFree(2) != -1 {
		t.Error("found two contiguous free regions")
	}
	if f.m.AllocateHumongous(f.m.RegionWords()+1) != nil {
		t.Error("humongous allocation succeeded without room")
	}
	f.m.Free(old, false)
	if got := f.m.FindContiguousFree(2); got != 1 {
		t.Errorf("FindContiguousFree(2) = %d, want 1", got)
	}
}

func TestClaimIsPhaseTagged(t *testing.T) {
	f := newFixture(t, MinRegionSize, 1)
	r := f.m.At(0)
	scan := Claim(1, PhaseScanRS)
	if !r.Claim(scan) {
		t.Fatal("first claim failed")
	}
	if r.Claim(scan) {
		t.Error("same claim succeeded twice")
	}
	if !r.Claim(Claim(1, PhaseEvacuate)) {
		t.Error("claim for the next phase failed")
	}
	if !r.Claim(Claim(2, PhaseScanRS)) {
		t.Error("claim for the next cycle failed")
	}
	r.ResetClaim()
	if r.ClaimValue() != InitialClaimValue {
		t.Errorf("claim %d after reset", r.ClaimValue())
	}
}

func TestParIterateVisitsEachRegionOnce(t *testing.T) {
	f := newFixture(t, MinRegionSize, 8)
	f.m.AllocateFreeRegion(true).SetEden()
	if f.m.AllocateHumongous(f.m.RegionWords()*5/2) == nil {
		t.Fatal("humongous allocation failed")
	}

	const workers = 4
	visits := make([]atomic.Int32, f.m.Length())
	claim := Claim(7, PhaseVerify)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			f.m.ParIterate(claim, w, workers, func(r *HeapRegion) {
				visits[r.Index()].Add(1)
			})
		}(w)
	}
	wg.Wait()
	for i := range visits {
		if n := visits[i].Load(); n != 1 {
			t.Errorf("region %d visited %d times", i, n)
		}
	}
	if r := f.m.CheckClaimValues(claim); r != nil {
		t.Errorf("region %v not claimed", r)
	}
	f.m.ResetClaims()
	if r := f.m.CheckClaimValues(InitialClaimValue); r != nil {
		t.Errorf("region %v still claimed", r)
	}
}

func TestScanTopHidesCopiesMadeInPause(t *testing.T) {
	f := newFixture(t, MinRegionSize, 1)
	r := f.m.AllocateFreeRegion(false)
	r.SetOld()
	state := f.m.GCState()
	f.allocNode(t, r)

	state.IncrementGCTimeStamp()
	state.SetGCActive(true)
	if r.ScanTop() != r.Top() {
		t.Error("scan top of a region not allocated into in this pause is not top")
	}
	r.RecordTopAndTimestamp()
	recorded := r.Top()
	f.allocNode(t, r)
	if r.ScanTop() != recorded {
		t.Errorf("scan top %#x, want %#x", r.ScanTop(), recorded)
	}
	r.RecordTopAndTimestamp()
	if r.ScanTop() != recorded {
		t.Error("second record in the same pause moved scan top")
	}
	state.SetGCActive(false)

	state.IncrementGCTimeStamp()
	if r.ScanTop() != r.Top() {
		t.Error("scan top from an earlier pause still in effect")
	}
}

func TestCarefulIterationSkipsDeadObjects(t *testing.T) {
	f := newFixture(t, MinRegionSize, 2)
	r := f.m.AllocateFreeRegion(false)
	r.SetOld()
	a, b, c := f.allocNode(t, r), f.allocNode(t, r), f.allocNode(t, r)

	words := f.node.InstanceWords()
	r.NoteStartOfMarking()
	r.MarkNext(a, words)
	r.MarkNext(c, words)
	r.NoteEndOfMarking()
	if !r.IsObjDead(b) || r.IsObjDead(a) {
		t.Fatal("marking result is wrong")
	}
	if r.MarkedBytes() != 2*words*memregion.WordSize {
		t.Errorf("marked bytes %d", r.MarkedBytes())
	}
	if r.GarbageBytes() != words*memregion.WordSize {
		t.Errorf("garbage bytes %d", r.GarbageBytes())
	}

	card := f.ct.IndexFor(a)
	f.ct.MarkCardDirty(card)
	var got []uintptr
	ok := r.OopsOnCardSeqIterateCareful(f.ct.CardRegion(card), func(field uintptr) { got = append(got, field) }, f.ct, card)
	if !ok {
		t.Fatal("careful iteration failed")
	}
	want := []uintptr{f.mem.RefField(a, 0), f.mem.RefField(a, 1), f.mem.RefField(c, 0), f.mem.RefField(c, 1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fields (-want +got):\n%s", diff)
	}
	if !f.ct.IsCardClean(card) {
		t.Error("card not cleaned")
	}
}

func TestCarefulIterationOfYoungRegionDoesNothing(t *testing.T) {
	f := newFixture(t, MinRegionSize, 1)
	r := f.m.AllocateFreeRegion(true)
	r.SetEden()
	obj := f.allocNode(t, r)
	card := f.ct.IndexFor(obj)
	f.ct.MarkCardDirty(card)
	n := 0
	if !r.OopsOnCardSeqIterateCareful(f.ct.CardRegion(card), func(uintptr) { n++ }, f.ct, card) {
		t.Fatal("careful iteration failed")
	}
	if n != 0 {
		t.Errorf("scanned %d fields of a young region", n)
	}
}

func TestCarefulIterationOfUnpublishedHumongous(t *testing.T) {
	f := newFixture(t, MinRegionSize, 3)
	arr := f.mem.Universe().ObjArray()
	length := int(f.m.RegionWords())
	starts := f.m.AllocateHumongous(object.SizeFor(arr, length))
	if starts == nil {
		t.Fatal("humongous allocation failed")
	}
	obj := starts.Bottom()
	cont := f.m.At(1)

	// The space is taken but the klass is not written yet.
	field := obj + (object.ArrayHeaderWords+uintptr(length)-1)*memregion.WordSize
	card := f.ct.IndexFor(field)
	f.ct.MarkCardDirty(card)
	mr := f.ct.CardRegion(card)
	n := 0
	if cont.OopsOnCardSeqIterateCareful(mr, func(uintptr) { n++ }, f.ct, card) {
		t.Fatal("careful iteration of an unpublished object succeeded")
	}
	if !f.ct.IsCardClean(card) || n != 0 {
		t.Fatalf("card %d value %#x, %d fields", card, f.ct.Value(card), n)
	}

	f.ct.MarkCardDirty(card)
	f.mem.InitObject(obj, arr, length)
	var got []uintptr
	if !cont.OopsOnCardSeqIterateCareful(mr, func(p uintptr) { got = append(got, p) }, f.ct, card) {
		t.Fatal("careful iteration of a published object failed")
	}
	// Only the elements on the card are scanned.
	if len(got) == 0 {
		t.Fatal("no fields scanned")
	}
	if got[len(got)-1] != field || got[0] < mr.Start() {
		t.Errorf("scanned %d fields, first %#x, last %#x", len(got), got[0], got[len(got)-1])
	}
	if uintptr(len(got)) > cardtable.CardSizeInWords {
		t.Errorf("scanned %d fields on one card", len(got))
	}
}

func TestExpandAndShrinkNotifyListeners(t *testing.T) {
	reserved := memregion.New(testBase, testBase+2*MinRegionSize)
	mem := object.NewMemory(reserved, object.NewUniverse())
	ct := cardtable.New(reserved, cardtable.Options{})
	m := NewManager(mem, bot.NewSharedArray(reserved), ManagerOptions{RegionBytes: MinRegionSize}, ct)
	if m.AddrToRegion(reserved.Start()) != nil {
		t.Fatal("region mapped before commit")
	}
	if _, err := m.Expand(1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Expand(5); err != nil {
		t.Fatal(err)
	}
	if m.Length() != 2 {
		t.Fatalf("length %d, want 2", m.Length())
	}
	if _, err := m.Expand(1); err == nil {
		t.Error("expansion past the reservation succeeded")
	}
	want := []memregion.MemRegion{reserved}
	if diff := cmp.Diff(want, ct.CoveredRegions(), cmp.AllowUnexported(memregion.MemRegion{})); diff != "" {
		t.Errorf("covered (-want +got):\n%s", diff)
	}

	if n := m.Shrink(5); n != 1 {
		t.Errorf("Shrink gave back %d regions, want 1", n)
	}
	if m.AddrToRegion(reserved.End()-memregion.WordSize) != nil {
		t.Error("uncommitted region still mapped")
	}
	want = []memregion.MemRegion{memregion.New(reserved.Start(), reserved.Start()+MinRegionSize)}
	if diff := cmp.Diff(want, ct.CoveredRegions(), cmp.AllowUnexported(memregion.MemRegion{})); diff != "" {
		t.Errorf("covered after shrink (-want +got):\n%s", diff)
	}
	if _, err := m.Expand(1); err != nil {
		t.Fatalf("re-expansion: %v", err)
	}
	if r := m.At(1); r == nil || !r.IsFree() || !r.IsEmpty() {
		t.Errorf("re-committed region is %v", r)
	}
}

func TestSetupHeapRegionSize(t *testing.T) {
	const m = 1 << 20
	tests := []struct {
		name                    string
		initial, max, requested uintptr
		want                    uintptr
	}{
		{"small heap", 16 * m, 64 * m, 0, 1 * m},
		{"large heap", 8192 * m, 8192 * m, 0, 4 * m},
		{"huge heap", 1 << 40, 1 << 40, 0, 32 * m},
		{"requested", 16 * m, 64 * m, 8 * m, 8 * m},
		{"rounded down", 16 * m, 64 * m, 3 * m, 2 * m},
		{"too small", 16 * m, 64 * m, 4096, 1 * m},
		{"too large", 16 * m, 64 * m, 64 * m, 32 * m},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SetupHeapRegionSize(tt.initial, tt.max, tt.requested); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
