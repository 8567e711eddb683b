package space

import (
	"errors"
	"sync"
	"testing"

	"github.com/LimeChain/regiongc/internal/bot"
	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
)

const (
	heapBase = 0x100000
	heapEnd  = 0x180000
	half     = 0x140000
)

type fixture struct {
	mem   *object.Memory
	array *bot.SharedArray
	node  *object.Klass
}

func newFixture() *fixture {
	reserved := memregion.New(heapBase, heapEnd)
	f := &fixture{
		mem:   object.NewMemory(reserved, object.NewUniverse()),
		array: bot.NewSharedArray(reserved),
	}
	f.array.OnCommit(reserved)
	// Node: one reference, one id word.
	f.node = f.mem.Universe().DefineInstance("Node", 1, 1)
	return f
}

func (f *fixture) newSpace(mr memregion.MemRegion, withBOT bool) *Space {
	var offsets *bot.ContigView
	if withBOT {
		offsets = bot.NewContigView(f.array, f.mem, mr)
	}
	s := New(f.mem, mr, offsets)
	s.Clear(false)
	return s
}

func (f *fixture) allocNode(t *testing.T, s *Space, id uint64) uintptr {
	t.Helper()
	obj := s.Allocate(f.node.InstanceWords())
	if obj == 0 {
		t.Fatalf("space %v is full", s)
	}
	f.mem.InitObject(obj, f.node, 0)
	f.mem.Store(obj+3*memregion.WordSize, id)
	return obj
}

func (f *fixture) id(obj uintptr) uint64 { return f.mem.Load(obj + 3*memregion.WordSize) }

func TestAllocateExactFit(t *testing.T) {
	f := newFixture()
	s := f.newSpace(memregion.New(heapBase, heapBase+0x1000), true)
	if s.Allocate(0x100) == 0 {
		t.Fatal("first allocation failed")
	}
	if s.Allocate(0x101) != 0 {
		t.Fatal("allocation past end succeeded")
	}
	if s.Allocate(0x100) == 0 || s.Top() != s.End() {
		t.Fatalf("exact fit failed, top %#x end %#x", s.Top(), s.End())
	}
	if s.ParAllocateNoBOTUpdates(1) != 0 {
		t.Fatal("allocation in a full space succeeded")
	}
}

func TestSetTopOutOfSpace(t *testing.T) {
	f := newFixture()
	s := f.newSpace(memregion.New(heapBase, heapBase+0x1000), false)
	if err := s.SetTop(heapBase + 0x1008); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("SetTop past end: %v", err)
	}
	if err := s.SetTop(heapBase + 0x1000); err != nil {
		t.Fatal(err)
	}
}

func TestParAllocateDisjoint(t *testing.T) {
	f := newFixture()
	s := f.newSpace(memregion.New(heapBase, half), true)

	const workers, perWorker = 8, 200
	results := make([][]uintptr, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				words := uintptr(2 + (w+i)%20)
				obj := s.ParAllocateBelowThreshold(words)
				if obj == 0 {
					obj = s.ParAllocate(words)
				}
				if obj == 0 {
					t.Errorf("space exhausted")
					return
				}
				f.mem.FillWithObject(obj, words)
				results[w] = append(results[w], obj)
			}
		}(w)
	}
	wg.Wait()

	seen := map[uintptr]bool{}
	for _, objs := range results {
		for _, obj := range objs {
			if seen[obj] {
				t.Fatalf("block %#x handed out twice", obj)
			}
			seen[obj] = true
		}
	}
	var n int
	s.ObjectIterate(func(obj uintptr) {
		if !seen[obj] {
			t.Errorf("unexpected block %#x", obj)
		}
		if !s.Offsets().VerifyForObject(obj, f.mem.Size(obj)) {
			t.Errorf("BOT wrong for %#x", obj)
		}
		n++
	})
	if n != workers*perWorker {
		t.Errorf("iterated %d blocks, want %d", n, workers*perWorker)
	}
}

func TestBlockStartWithoutTable(t *testing.T) {
	f := newFixture()
	s := f.newSpace(memregion.New(heapBase, heapBase+0x1000), false)
	a := f.allocNode(t, s, 1)
	b := f.allocNode(t, s, 2)
	if s.BlockStart(b+8) != b || s.BlockStart(a+31) != a || s.BlockStart(s.Top()+8) != s.Top() {
		t.Error("linear BlockStart is wrong")
	}
}

func TestOopSinceSaveMarksIterate(t *testing.T) {
	f := newFixture()
	s := f.newSpace(memregion.New(heapBase, half), true)
	f.allocNode(t, s, 0)
	s.SaveMarks()
	mark := s.SavedMarkWatermark()
	if mark != (Watermark{Space: s, Point: s.Top()}) {
		t.Fatalf("saved watermark %v does not match top", mark)
	}
	f.allocNode(t, s, 1)

	// Each visited object allocates a successor until id 10, the way a
	// copying collection scans what it has just copied.
	var visited []uint64
	s.OopSinceSaveMarksIterate(func(obj uintptr) {
		id := f.id(obj)
		visited = append(visited, id)
		if id < 10 {
			f.allocNode(t, s, id+1)
		}
	})
	if len(visited) != 10 || visited[0] != 1 || visited[9] != 10 {
		t.Fatalf("visited %v", visited)
	}
	if !s.NoAllocsSinceSaveMarks() {
		t.Error("saved mark should have caught up with top")
	}

	var fromMark int
	s.ObjectIterateFrom(mark, func(uintptr) { fromMark++ })
	if fromMark != 10 {
		t.Errorf("ObjectIterateFrom visited %d objects", fromMark)
	}
}

func TestClearMangles(t *testing.T) {
	f := newFixture()
	s := f.newSpace(memregion.New(heapBase, heapBase+0x1000), true)
	f.allocNode(t, s, 1)
	s.Clear(true)
	if !s.IsEmpty() || !f.mem.IsMangled(s.Region()) {
		t.Error("space not cleared and mangled")
	}
	if s.BottomMark() != s.TopMark() {
		t.Error("empty space should have bottom == top")
	}
}
