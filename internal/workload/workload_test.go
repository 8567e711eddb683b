package workload

import (
	"context"
	"testing"
	"time"

	"github.com/LimeChain/regiongc/internal/config"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/heap"
)

func newHeap(t *testing.T) *heap.Heap {
	t.Helper()
	cfg := config.New()
	cfg.MaxHeapSize = 32 * config.M
	cfg.InitialHeapSize = 8 * config.M
	cfg.MinHeapSize = 8 * config.M
	cfg.HeapRegionSize = 1 * config.M
	cfg.VerifyAfterGC = true
	h, err := heap.New(cfg, heap.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestRunKeepsLiveObjects(t *testing.T) {
	h := newHeap(t)
	cfg := Config{
		Mutators:      3,
		Allocations:   60_000,
		Live:          500,
		Seed:          7,
		ArrayEvery:    2_000,
		ArrayLen:      300,
		SoftEvery:     500,
		CriticalEvery: 3_000,
		LoaderEvery:   20_000,
		CheckEvery:    5_000,
	}
	res, err := Run(context.Background(), h, cfg, gclog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	// The tables count as allocations too.
	if want := uint64(cfg.Mutators * (cfg.Allocations + cfg.Allocations/cfg.ArrayEvery + 1)); res.Allocations < want {
		t.Errorf("%d allocations, want at least %d", res.Allocations, want)
	}
	if res.Arrays != uint64(cfg.Mutators*cfg.Allocations/cfg.ArrayEvery) {
		t.Errorf("%d arrays", res.Arrays)
	}
	if res.Critical != uint64(cfg.Mutators*cfg.Allocations/cfg.CriticalEvery) {
		t.Errorf("%d critical regions", res.Critical)
	}
	if res.Checks < uint64(cfg.Mutators*cfg.Allocations/cfg.CheckEvery) {
		t.Errorf("%d checks", res.Checks)
	}
	if res.Loaders == 0 || res.SoftRefs == 0 {
		t.Errorf("%d loaders, %d soft references", res.Loaders, res.SoftRefs)
	}
	if h.TotalCollections() == 0 {
		t.Error("the workload never collected")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHeap(t)
	cfg := Defaults()
	cfg.Mutators = 2
	cfg.Allocations = 0
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, h, cfg, gclog.Discard())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Run kept going after its context was done")
	}
}

func TestRunRejectsEmptyConfig(t *testing.T) {
	h := newHeap(t)
	if _, err := Run(context.Background(), h, Config{Live: 10}, gclog.Discard()); err == nil {
		t.Error("no mutators accepted")
	}
	if _, err := Run(context.Background(), h, Config{Mutators: 1}, gclog.Discard()); err == nil {
		t.Error("no live objects accepted")
	}
}
