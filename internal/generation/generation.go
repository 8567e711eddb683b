// Package generation groups heap regions by age. The young generation
// holds eden, where mutators allocate, and the survivor regions objects
// are copied to by young collections; the old generation holds tenured
// and humongous objects.
package generation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/object"
	"github.com/LimeChain/regiongc/internal/policy"
	"github.com/LimeChain/regiongc/internal/region"
)

// CollectFunc runs a collection on behalf of a generation.
type CollectFunc func(full, clearAllSoftRefs bool, words uintptr, isTLAB bool)

// Stats is a snapshot of a generation.
type Stats struct {
	Name        string
	Regions     int
	Used        uintptr
	Capacity    uintptr
	Collections uint64
	AvgPause    time.Duration
	LastGC      time.Time
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: %d regions, %d/%d bytes, %d collections, avg pause %v",
		s.Name, s.Regions, s.Used, s.Capacity, s.Collections, s.AvgPause)
}

// base is the bookkeeping both generations share.
type base struct {
	name    string
	mgr     *region.Manager
	mem     *object.Memory
	log     *slog.Logger
	collect CollectFunc

	statsMu     sync.Mutex
	lastGC      time.Time
	collections uint64
	pause       *policy.WeightedAverage
}

func newBase(name string, mgr *region.Manager, mem *object.Memory, collect CollectFunc, log *slog.Logger) base {
	if log == nil {
		log = gclog.Discard()
	}
	return base{
		name:    name,
		mgr:     mgr,
		mem:     mem,
		log:     log.With("gen", name),
		collect: collect,
		pause:   policy.NewWeightedAverage(25),
	}
}

func (g *base) Name() string { return g.name }

// Collect asks the heap for a collection.
func (g *base) Collect(full, clearAllSoftRefs bool, words uintptr, isTLAB bool) {
	gclog.Guarantee(g.collect != nil, "%s generation cannot collect", g.name)
	g.collect(full, clearAllSoftRefs, words, isTLAB)
}

// UpdateTimeOfLastGC records now as the end of the last collection. The
// time never goes backwards.
func (g *base) UpdateTimeOfLastGC(now time.Time) {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	if now.After(g.lastGC) {
		g.lastGC = now
	}
}

// TimeOfLastGC returns the end of the last collection.
func (g *base) TimeOfLastGC() time.Time {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.lastGC
}

// RecordCollection counts a collection of this generation that paused
// mutators for pause.
func (g *base) RecordCollection(pause time.Duration) {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	g.collections++
	g.pause.Sample(pause.Seconds())
}

func (g *base) stats(regions int, used, capacity uintptr) Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return Stats{
		Name:        g.name,
		Regions:     regions,
		Used:        used,
		Capacity:    capacity,
		Collections: g.collections,
		AvgPause:    time.Duration(g.pause.Average() * float64(time.Second)),
		LastGC:      g.lastGC,
	}
}
