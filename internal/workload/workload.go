// Package workload drives a heap with mutator goroutines that allocate,
// keep a random subset of what they allocate alive and check that the
// collector preserved it.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/LimeChain/regiongc/internal/heap"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/task"
)

// ErrCorrupt is returned when a mutator finds a live object that does not
// hold what it stored.
var ErrCorrupt = errors.New("workload: live object corrupted")

// Config shapes a run. Zero values turn the optional behaviours off.
type Config struct {
	// Mutators is the number of mutator goroutines.
	Mutators int
	// Allocations is the allocation count per mutator. Zero runs until
	// the context is done.
	Allocations int
	// Live is the number of objects each mutator keeps alive at a time.
	Live int
	// Seed seeds every mutator's generator.
	Seed uint64

	ArrayEvery    int
	ArrayLen      int
	SoftEvery     int
	CriticalEvery int
	LoaderEvery   int
	CheckEvery    int
}

// Defaults returns a small mixed workload.
func Defaults() Config {
	return Config{
		Mutators:      4,
		Allocations:   200_000,
		Live:          2_000,
		Seed:          1,
		ArrayEvery:    5_000,
		ArrayLen:      1_024,
		SoftEvery:     1_000,
		CriticalEvery: 10_000,
		LoaderEvery:   50_000,
		CheckEvery:    20_000,
	}
}

// Result sums what the mutators did.
type Result struct {
	Allocations   uint64 `json:"allocations"`
	Arrays        uint64 `json:"arrays"`
	SoftRefs      uint64 `json:"softRefs"`
	SoftCleared   uint64 `json:"softRefsCleared"`
	Critical      uint64 `json:"criticalRegions"`
	Loaders       uint64 `json:"loaders"`
	Checks        uint64 `json:"checks"`
	LockedRetries uint64 `json:"gcLockedRetries"`
}

type counters struct {
	allocations, arrays, softRefs, softCleared atomic.Uint64
	critical, loaders, checks, lockedRetries   atomic.Uint64
}

func (c *counters) result() Result {
	return Result{
		Allocations:   c.allocations.Load(),
		Arrays:        c.arrays.Load(),
		SoftRefs:      c.softRefs.Load(),
		SoftCleared:   c.softCleared.Load(),
		Critical:      c.critical.Load(),
		Loaders:       c.loaders.Load(),
		Checks:        c.checks.Load(),
		LockedRetries: c.lockedRetries.Load(),
	}
}

// Run runs cfg's mutators against h until each made its allocations or
// ctx is done. The error joins every mutator's failure.
func Run(ctx context.Context, h *heap.Heap, cfg Config, log *slog.Logger) (Result, error) {
	if cfg.Mutators <= 0 || cfg.Live <= 0 {
		return Result{}, fmt.Errorf("workload: need at least one mutator and one live object")
	}
	node := h.Universe().DefineInstance("workload.Node", 2, 2)
	var (
		c    counters
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < cfg.Mutators; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w := &mutator{
				id:   id,
				cfg:  &cfg,
				m:    h.Attach(fmt.Sprintf("mutator-%d", id)),
				node: node,
				rnd:  rand.New(rand.NewPCG(cfg.Seed, uint64(id))),
				c:    &c,
				log:  log.With("mutator", id),
			}
			defer w.m.Detach()
			if err := w.run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mutator %d: %w", id, err))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	res := c.result()
	log.Info("workload finished",
		"allocations", res.Allocations, "arrays", res.Arrays, "loaders", res.Loaders,
		"softRefs", res.SoftRefs, "softCleared", res.SoftCleared, "checks", res.Checks)
	return res, errors.Join(errs...)
}

type mutator struct {
	id   int
	cfg  *Config
	m    *heap.Mutator
	node *object.Klass
	rnd  *rand.Rand
	c    *counters
	log  *slog.Logger

	// want[i] is the stamp the object in slot i of the table carries, or
	// 0 for an empty slot.
	want  []uint64
	stamp uint64
}

// Frame slots.
const (
	slotTable = iota
	slotTmp
	numSlots
)

func (w *mutator) run(ctx context.Context) error {
	m := w.m
	f := m.PushFrame(numSlots)
	defer m.PopFrame(f)

	table, err := w.allocate(w.m.Heap().Universe().ObjArray(), w.cfg.Live)
	if err != nil {
		return err
	}
	f.Set(slotTable, table)
	w.want = make([]uint64, w.cfg.Live)

	for n := 1; w.cfg.Allocations == 0 || n <= w.cfg.Allocations; n++ {
		if n%256 == 0 && ctx.Err() != nil {
			return nil
		}
		m.Poll()
		if err := w.step(f, n); err != nil {
			return err
		}
	}
	return w.check(f)
}

func every(n, k int) bool { return k > 0 && n%k == 0 }

// step allocates one node and keeps it with some probability, plus
// whatever extra work falls on allocation n.
func (w *mutator) step(f *task.Frame, n int) error {
	m := w.m
	obj, err := w.allocate(w.node, 0)
	if err != nil {
		return err
	}
	w.stamp++
	stamp := uint64(w.id)<<48 | w.stamp
	m.SetData(obj, 0, stamp)
	m.SetData(obj, 1, uint64(n))
	if w.rnd.IntN(4) == 0 {
		i := w.rnd.IntN(w.cfg.Live)
		m.StoreElement(f.Get(slotTable), i, obj)
		w.want[i] = stamp
	}

	if every(n, w.cfg.ArrayEvery) {
		f.Set(slotTmp, obj)
		arr, err := w.allocate(w.m.Heap().Universe().ObjArray(), w.cfg.ArrayLen)
		if err != nil {
			return err
		}
		obj = f.Get(slotTmp)
		f.Set(slotTmp, 0)
		if w.cfg.ArrayLen > 0 {
			m.StoreElement(arr, w.rnd.IntN(w.cfg.ArrayLen), obj)
		}
		m.Store(obj, 1, arr)
		w.c.arrays.Add(1)
	}
	if every(n, w.cfg.SoftEvery) {
		m.NewSoftRef(obj)
		w.c.softRefs.Add(1)
		w.c.softCleared.Add(uint64(len(m.TakeCleared(false))))
	}
	if every(n, w.cfg.CriticalEvery) {
		w.critical(f)
	}
	if every(n, w.cfg.LoaderEvery) {
		if err := w.loadPlugin(f, n); err != nil {
			return err
		}
	}
	if every(n, w.cfg.CheckEvery) {
		return w.check(f)
	}
	return nil
}

// allocate allocates, retrying while a critical region holds off the
// collection it needs.
func (w *mutator) allocate(k *object.Klass, length int) (uintptr, error) {
	for {
		obj, err := w.m.Allocate(k, length)
		if err == nil {
			w.c.allocations.Add(1)
			return obj, nil
		}
		if !errors.Is(err, heap.ErrGCLocked) {
			return 0, err
		}
		w.c.lockedRetries.Add(1)
		w.m.Poll()
	}
}

// critical reads a few kept objects inside a critical region.
func (w *mutator) critical(f *task.Frame) {
	m := w.m
	m.Critical(func() {
		table := f.Get(slotTable)
		for j := 0; j < 8; j++ {
			i := w.rnd.IntN(w.cfg.Live)
			if obj := m.Load(table, i); obj != 0 {
				_ = m.Data(obj, 0)
			}
		}
	})
	w.c.critical.Add(1)
}

// loadPlugin defines a class through a fresh loader and keeps one
// instance of it in the table, so the loader unloads once the instance
// is replaced.
func (w *mutator) loadPlugin(f *task.Frame, n int) error {
	m := w.m
	l, err := m.NewLoader(fmt.Sprintf("plugin-%d-%d", w.id, n))
	if err != nil {
		return err
	}
	k, err := m.DefineClass(l, fmt.Sprintf("plugin-%d-%d.Main", w.id, n), 1, 1)
	if err != nil {
		if errors.Is(err, heap.ErrLoaderUnloaded) {
			return nil
		}
		return err
	}
	obj, err := w.allocate(k, 0)
	if err != nil {
		return err
	}
	i := w.rnd.IntN(w.cfg.Live)
	m.StoreElement(f.Get(slotTable), i, obj)
	w.want[i] = 0
	w.c.loaders.Add(1)
	return nil
}

// check compares every kept object with the stamp it was given.
func (w *mutator) check(f *task.Frame) error {
	m := w.m
	table := f.Get(slotTable)
	for i, want := range w.want {
		if want == 0 {
			continue
		}
		obj := m.Load(table, i)
		if obj == 0 {
			return fmt.Errorf("%w: slot %d is empty, want stamp %#x", ErrCorrupt, i, want)
		}
		if got := m.Data(obj, 0); got != want {
			return fmt.Errorf("%w: slot %d holds stamp %#x, want %#x", ErrCorrupt, i, got, want)
		}
	}
	w.c.checks.Add(1)
	w.log.Debug("kept objects checked", "stamp", w.stamp)
	return nil
}
