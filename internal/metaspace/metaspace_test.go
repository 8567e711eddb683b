package metaspace

import "testing"

func newSpace() *Space {
	return New(Options{
		InitialSize:  1 << 20,
		MaxSize:      4 << 20,
		MinExpansion: 256 << 10,
		MinFreeRatio: 40,
		MaxFreeRatio: 70,
	})
}

func TestAllocateRespectsThreshold(t *testing.T) {
	s := newSpace()
	if !s.Allocate(1, 600<<10) {
		t.Fatal("first allocation failed")
	}
	if s.Allocate(2, 600<<10) {
		t.Fatal("allocation crossed the threshold")
	}
	if s.Used() != 600<<10 {
		t.Errorf("used %d after a failed allocation", s.Used())
	}

	if !s.ExpandAndAllocate(2, 600<<10) {
		t.Fatal("expansion failed below the maximum")
	}
	if got, want := s.CapacityUntilGC(), uintptr(1<<20+256<<10); got != want {
		t.Errorf("threshold %d, want %d", got, want)
	}
	if s.ExpandAndAllocate(3, 4<<20) {
		t.Error("allocated beyond the maximum size")
	}
}

func TestPurgeAndResize(t *testing.T) {
	s := newSpace()
	s.Allocate(1, 600<<10)
	s.ExpandAndAllocate(2, 600<<10)

	freed := s.Purge(func(id LoaderID) bool { return id != 1 })
	if freed != 600<<10 || s.Loaders() != 1 {
		t.Errorf("freed %d, %d loaders left", freed, s.Loaders())
	}
	s.ComputeNewSize()
	if got := s.CapacityUntilGC(); got != 1<<20+256<<10 {
		t.Errorf("threshold moved to %d within the free ratios", got)
	}

	s.Purge(func(LoaderID) bool { return false })
	s.ComputeNewSize()
	if s.Used() != 0 || s.CapacityUntilGC() != 1<<20 {
		t.Errorf("after purging everything: used %d threshold %d", s.Used(), s.CapacityUntilGC())
	}
}

func TestAllocationIsWordAligned(t *testing.T) {
	s := newSpace()
	s.Allocate(1, 3)
	if s.Used() != 8 {
		t.Errorf("used %d", s.Used())
	}
}
