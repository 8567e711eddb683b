package memregion

import "testing"

func TestIntersectionOfUnion(t *testing.T) {
	tests := []struct {
		a, b MemRegion
	}{
		{New(0x1000, 0x2000), New(0x1800, 0x3000)},
		{New(0x1000, 0x2000), New(0x2000, 0x3000)},
		{New(0x1000, 0x2000), New(0x1000, 0x1000)},
		{New(0x1000, 0x1000), New(0x0800, 0x1000)},
		{New(0x1000, 0x4000), New(0x2000, 0x3000)},
	}
	for _, tc := range tests {
		if got := tc.a.Intersection(tc.a.Union(tc.b)); got != tc.a && !(got.IsEmpty() && tc.a.IsEmpty()) {
			t.Errorf("%v ∩ (%v ∪ %v) = %v", tc.a, tc.a, tc.b, got)
		}
	}
}

func TestContains(t *testing.T) {
	mr := New(0x1000, 0x2000)
	if !mr.Contains(0x1000) || mr.Contains(0x2000) || mr.Contains(0xfff) {
		t.Errorf("Contains is not half-open")
	}
	if !mr.ContainsRegion(New(0x1200, 0x2000)) {
		t.Errorf("suffix should be contained")
	}
	if mr.ContainsRegion(New(0x1200, 0x2008)) {
		t.Errorf("overhanging region should not be contained")
	}
	if !mr.ContainsRegion(MemRegion{}) {
		t.Errorf("empty region is contained in every region")
	}
	if mr.Last() != 0x1ff8 {
		t.Errorf("Last() = %#x", mr.Last())
	}
	if mr.WordSize() != 0x200 {
		t.Errorf("WordSize() = %d", mr.WordSize())
	}
}

func TestIntersectionDisjoint(t *testing.T) {
	got := New(0x1000, 0x2000).Intersection(New(0x3000, 0x4000))
	if !got.IsEmpty() {
		t.Errorf("disjoint intersection should be empty, got %v", got)
	}
}

func TestMinus(t *testing.T) {
	mr := New(0x1000, 0x3000)
	if got := mr.Minus(New(0x0, 0x2000)); got != New(0x2000, 0x3000) {
		t.Errorf("prefix: got %v", got)
	}
	if got := mr.Minus(New(0x2000, 0x4000)); got != New(0x1000, 0x2000) {
		t.Errorf("suffix: got %v", got)
	}
	if got := mr.Minus(New(0x4000, 0x5000)); got != mr {
		t.Errorf("disjoint: got %v", got)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("interior subtraction should panic")
		}
	}()
	mr.Minus(New(0x1800, 0x2000))
}

func TestAlign(t *testing.T) {
	if AlignUp(0x1001, 0x1000) != 0x2000 || AlignDown(0x1fff, 0x1000) != 0x1000 {
		t.Errorf("bad alignment")
	}
	if !IsAligned(0x4000, 0x1000) || IsAligned(0x4008, 0x1000) {
		t.Errorf("bad IsAligned")
	}
	if PointerDelta(0x1080, 0x1000) != 16 {
		t.Errorf("bad PointerDelta")
	}
}
