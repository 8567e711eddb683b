package orderaccess

import (
	"sync"
	"testing"
)

func TestBytesNeighboursSurviveConcurrentStores(t *testing.T) {
	b := NewBytes(64, 0xff)

	var wg sync.WaitGroup
	for i := 0; i < b.Len(); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				b.Store(i, byte(i))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < b.Len(); i++ {
		if got := b.Load(i); got != byte(i) {
			t.Fatalf("entry %d = %#x, want %#x", i, got, i)
		}
	}
}

func TestCompareAndSwap(t *testing.T) {
	b := NewBytes(10, 0)
	if !b.CompareAndSwap(9, 0, 2) {
		t.Fatal("swap from the current value failed")
	}
	if b.CompareAndSwap(9, 0, 3) {
		t.Fatal("swap from a stale value succeeded")
	}
	if b.Load(9) != 2 || b.Load(8) != 0 {
		t.Fatalf("unexpected table contents %v", b.Snapshot(0, 10))
	}
}

func TestFillAndRow(t *testing.T) {
	b := NewBytes(32, 0)
	b.Fill(3, 29, 0xff)
	for i := 0; i < 32; i++ {
		want := byte(0)
		if i >= 3 && i < 29 {
			want = 0xff
		}
		if b.Load(i) != want {
			t.Fatalf("entry %d = %#x, want %#x", i, b.Load(i), want)
		}
	}
	if b.RowAt(8) != Row(0xff) {
		t.Errorf("row 1 should be all 0xff")
	}
	if b.RowAt(0) == Row(0xff) {
		t.Errorf("row 0 should not be all 0xff")
	}
}
