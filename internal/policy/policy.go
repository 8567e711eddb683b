// Package policy decides how big the generations are, what an allocation
// does when it fails, and when the collector has stopped paying for
// itself.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LimeChain/regiongc/internal/config"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
)

// Alignments are the granules sizes are rounded to. Each divides the
// next: Space | Generation | Heap.
type Alignments struct {
	Space      uintptr
	Generation uintptr
	Heap       uintptr
}

func (a Alignments) check() error {
	switch {
	case a.Space == 0 || a.Generation == 0 || a.Heap == 0:
		return errors.New("zero alignment")
	case a.Generation%a.Space != 0:
		return fmt.Errorf("generation alignment %#x is not a multiple of space alignment %#x", a.Generation, a.Space)
	case a.Heap%a.Generation != 0:
		return fmt.Errorf("heap alignment %#x is not a multiple of generation alignment %#x", a.Heap, a.Generation)
	}
	return nil
}

// SizeInfo holds the generation sizes derived from the flags, in bytes.
type SizeInfo struct {
	MinHeap, InitialHeap, MaxHeap uintptr
	MinGen0, InitialGen0, MaxGen0 uintptr
	MinGen1, InitialGen1, MaxGen1 uintptr
}

// CollectorPolicy owns the heap geometry and the allocation slow paths.
type CollectorPolicy struct {
	cfg   *config.Config
	align Alignments
	sizes SizeInfo
	log   *slog.Logger

	size *AdaptiveSizePolicy
	soft *SoftRefPolicy

	heap   Heap
	locker Locker
}

// New checks and adjusts the flags in cfg and derives the generation
// sizes from them.
func New(cfg *config.Config, align Alignments, log *slog.Logger) (*CollectorPolicy, error) {
	if err := align.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidFlags, err)
	}
	if log == nil {
		log = gclog.Discard()
	}
	p := &CollectorPolicy{cfg: cfg, align: align, log: log}
	if err := p.InitializeFlags(); err != nil {
		return nil, err
	}
	p.InitializeSizeInfo()
	f := &cfg.Flags
	p.size = NewAdaptiveSizePolicy(SizePolicyOptions{
		Weight:               f.AdaptiveSizePolicyWeight,
		MaxPause:             time.Duration(f.MaxGCPauseMillis) * time.Millisecond,
		GCTimeRatio:          f.GCTimeRatio,
		GCTimeLimit:          f.GCTimeLimit,
		GCHeapFreeLimit:      f.GCHeapFreeLimit,
		LimitThreshold:       f.AdaptiveSizePolicyGCTimeLimitThreshold,
		UseOverheadLimit:     f.UseGCOverheadLimit,
		SpaceAlignment:       align.Space,
		MaxTenuringThreshold: f.MaxTenuringThreshold,
	})
	p.soft = NewSoftRefPolicy(f.SoftRefLRUPolicyMSPerMB)
	return p, nil
}

// YoungGenSizeLowerBound is the smallest young generation: room for eden
// and two survivor spaces.
func (p *CollectorPolicy) YoungGenSizeLowerBound() uintptr {
	return max(memregion.AlignUp(3*p.align.Space, p.align.Generation), p.align.Generation)
}

// ScaleByNewRatioAligned returns the young share of base under NewRatio,
// aligned down to the generation alignment.
func (p *CollectorPolicy) ScaleByNewRatioAligned(base uintptr) uintptr {
	v := memregion.AlignDown(base/uintptr(p.cfg.NewRatio+1), p.align.Generation)
	return max(v, p.align.Generation)
}

func (p *CollectorPolicy) alignFlag(v *config.Size) {
	*v = config.Size(memregion.AlignUp(v.Bytes(), p.align.Heap))
}

// InitializeFlags reconciles the heap and generation size flags with each
// other, honouring values the user gave on the command line and adjusting
// the rest.
func (p *CollectorPolicy) InitializeFlags() error {
	c := p.cfg
	f := &c.Flags
	if f.InitialHeapSize > f.MaxHeapSize {
		if c.IsCommandLine("MaxHeapSize") {
			return fmt.Errorf("%w: initial heap size %v is larger than the maximum heap size %v",
				config.ErrInvalidFlags, f.InitialHeapSize, f.MaxHeapSize)
		}
		c.SetErgo("MaxHeapSize", f.InitialHeapSize)
	}
	if f.MinHeapSize > f.InitialHeapSize {
		if c.IsCommandLine("InitialHeapSize") {
			return fmt.Errorf("%w: minimum heap size %v is larger than the initial heap size %v",
				config.ErrInvalidFlags, f.MinHeapSize, f.InitialHeapSize)
		}
		c.SetErgo("InitialHeapSize", f.MinHeapSize)
	}
	p.alignFlag(&f.MinHeapSize)
	p.alignFlag(&f.InitialHeapSize)
	p.alignFlag(&f.MaxHeapSize)

	gen := p.align.Generation
	smallest := config.Size(p.YoungGenSizeLowerBound())
	if f.MaxHeapSize.Bytes() < smallest.Bytes()+gen {
		return fmt.Errorf("%w: maximum heap size %v is too small for the young and old generations",
			config.ErrInvalidFlags, f.MaxHeapSize)
	}
	if f.NewSize != 0 {
		if f.NewSize.Bytes() > f.MaxHeapSize.Bytes()-gen {
			c.SetErgo("NewSize", f.MaxHeapSize.Bytes()-gen)
		}
		if f.NewSize < smallest {
			c.SetErgo("NewSize", smallest)
		}
		c.SetErgo("NewSize", memregion.AlignDown(f.NewSize.Bytes(), gen))
	}
	if f.MaxNewSize != 0 {
		if f.MaxNewSize.Bytes() > f.MaxHeapSize.Bytes()-gen {
			c.SetErgo("MaxNewSize", f.MaxHeapSize.Bytes()-gen)
		}
		if f.MaxNewSize < smallest {
			c.SetErgo("MaxNewSize", smallest)
		}
		c.SetErgo("MaxNewSize", memregion.AlignDown(f.MaxNewSize.Bytes(), gen))
		if f.NewSize > f.MaxNewSize {
			if c.IsCommandLine("MaxNewSize") {
				c.SetErgo("NewSize", f.MaxNewSize)
			} else {
				c.SetErgo("MaxNewSize", f.NewSize)
			}
		}
	}
	if f.OldSize != 0 {
		if f.OldSize.Bytes() < gen {
			c.SetErgo("OldSize", gen)
		}
		if a := memregion.AlignUp(f.OldSize.Bytes(), gen); a != f.OldSize.Bytes() {
			c.SetErgo("OldSize", a)
		}
		if f.NewSize+f.OldSize > f.MaxHeapSize && !c.IsUserSet("MaxHeapSize") {
			// Nobody asked for this maximum; make room for both
			// generations instead.
			c.SetErgo("MaxHeapSize", memregion.AlignUp((f.NewSize + f.OldSize).Bytes(), p.align.Heap))
		}
	}
	return c.Validate()
}

// InitializeSizeInfo derives the minimum, initial and maximum sizes of
// both generations.
func (p *CollectorPolicy) InitializeSizeInfo() {
	c := p.cfg
	f := &c.Flags
	gen := p.align.Generation
	s := SizeInfo{
		MinHeap:     f.MinHeapSize.Bytes(),
		InitialHeap: f.InitialHeapSize.Bytes(),
		MaxHeap:     f.MaxHeapSize.Bytes(),
	}
	clamp := func(v, lo, hi uintptr) uintptr { return min(max(v, lo), hi) }

	s.MinGen0 = p.YoungGenSizeLowerBound()
	if f.MaxNewSize != 0 {
		s.MaxGen0 = f.MaxNewSize.Bytes()
	} else {
		s.MaxGen0 = p.ScaleByNewRatioAligned(s.MaxHeap)
	}
	s.MaxGen0 = clamp(s.MaxGen0, s.MinGen0, s.MaxHeap-gen)

	if f.NewSize != 0 {
		s.InitialGen0 = f.NewSize.Bytes()
	} else {
		s.InitialGen0 = p.ScaleByNewRatioAligned(s.InitialHeap)
	}
	s.InitialGen0 = clamp(memregion.AlignDown(s.InitialGen0, gen), s.MinGen0, s.MaxGen0)

	if f.OldSize != 0 && f.NewSize+f.OldSize > f.MaxHeapSize && c.IsUserSet("MaxHeapSize") {
		// Both generations do not fit the maximum the user chose; give
		// the young one its proportional share.
		total := f.NewSize.Bytes() + f.OldSize.Bytes()
		share := uintptr(float64(s.MaxHeap) * float64(f.NewSize.Bytes()) / float64(total))
		newSize := clamp(memregion.AlignDown(share, gen), s.MinGen0, s.MaxGen0)
		c.SetErgo("NewSize", newSize)
		s.InitialGen0 = min(newSize, s.InitialGen0)
		p.log.Warn("NewSize and OldSize exceed MaxHeapSize; NewSize shrunk",
			gclog.Bytes("NewSize", newSize), gclog.Bytes("OldSize", f.OldSize.Bytes()))
	}

	// No flag bounds the old generation; it gets what the largest young
	// generation leaves.
	s.MaxGen1 = max(sub(s.MaxHeap, s.MaxGen0), gen)
	if !c.IsUserSet("OldSize") {
		s.MinGen1 = max(sub(s.MinHeap, s.MinGen0), gen)
		s.InitialGen1 = max(sub(s.InitialHeap, s.InitialGen0), gen)
		c.SetErgo("OldSize", s.InitialGen1)
	} else {
		old := f.OldSize.Bytes()
		s.MinGen1 = min(old, sub(s.MinHeap, s.MinGen0))
		s.InitialGen1 = old
		if s.MinGen1+s.MinGen0+gen < s.MinHeap {
			p.log.Warn("minimum generation sizes do not add up to the minimum heap",
				gclog.Bytes("minHeap", s.MinHeap))
		}
		if old > s.MaxGen1 {
			p.log.Warn("OldSize exceeds what the maximum heap leaves the old generation; ignored",
				gclog.Bytes("OldSize", old), gclog.Bytes("maxGen1", s.MaxGen1))
		}
		// OldSize was asked for, so the young sizes give way.
		p.adjustGen0(&s.MinGen0, &s.MinGen1, s.MinGen1, s.MinHeap)
		p.adjustGen0(&s.InitialGen0, &s.InitialGen1, s.MinGen1, s.InitialHeap)
	}
	s.MinGen1 = min(s.MinGen1, s.MaxGen1)
	s.InitialGen1 = clamp(s.InitialGen1, s.MinGen1, s.MaxGen1)

	p.sizes = s
	p.log.Debug("generation sizes",
		gclog.Bytes("minGen0", s.MinGen0), gclog.Bytes("initialGen0", s.InitialGen0), gclog.Bytes("maxGen0", s.MaxGen0),
		gclog.Bytes("minGen1", s.MinGen1), gclog.Bytes("initialGen1", s.InitialGen1), gclog.Bytes("maxGen1", s.MaxGen1))
}

// adjustGen0 makes gen0 and gen1 fit heap. Gen0 shrinks if that keeps
// gen1 at minGen1 and gen0 at its lower bound; otherwise gen1 takes what
// gen0 leaves. It reports whether gen0 changed.
func (p *CollectorPolicy) adjustGen0(gen0, gen1 *uintptr, minGen1, heap uintptr) bool {
	if *gen0+*gen1 <= heap {
		return false
	}
	gen := p.align.Generation
	if heap < *gen0+minGen1 && heap >= minGen1+p.YoungGenSizeLowerBound() {
		*gen0 = alignDownBounded(heap-minGen1, gen)
		return true
	}
	*gen1 = alignDownBounded(sub(heap, *gen0), gen)
	return false
}

func alignDownBounded(v, align uintptr) uintptr {
	return max(memregion.AlignDown(v, align), align)
}

// sub is a-b, or 0 when b is larger.
func sub(a, b uintptr) uintptr {
	if b > a {
		return 0
	}
	return a - b
}

// DesiredCapacity returns the heap capacity that keeps the free share of
// the heap between MinHeapFreeRatio and MaxHeapFreeRatio after a full
// collection left used bytes live. The result is aligned and lies within
// the minimum and maximum heap sizes.
func (p *CollectorPolicy) DesiredCapacity(used, capacity uintptr) uintptr {
	f := &p.cfg.Flags
	desired := capacity
	if f.MinHeapFreeRatio < 100 {
		minDesired := uintptr(float64(used) / (1 - float64(f.MinHeapFreeRatio)/100))
		desired = max(desired, minDesired)
	}
	if f.MaxHeapFreeRatio < 100 {
		maxDesired := uintptr(float64(used) / (1 - float64(f.MaxHeapFreeRatio)/100))
		desired = min(desired, maxDesired)
	}
	desired = memregion.AlignUp(desired, p.align.Heap)
	return min(max(desired, p.sizes.MinHeap), p.sizes.MaxHeap)
}

// Sizes returns the generation sizes.
func (p *CollectorPolicy) Sizes() SizeInfo { return p.sizes }

// Alignments returns the alignments the policy was built with.
func (p *CollectorPolicy) Alignments() Alignments { return p.align }

// Config returns the flags.
func (p *CollectorPolicy) Config() *config.Config { return p.cfg }

// SizePolicy returns the adaptive size policy.
func (p *CollectorPolicy) SizePolicy() *AdaptiveSizePolicy { return p.size }

// SoftRefs returns the soft reference clearing policy.
func (p *CollectorPolicy) SoftRefs() *SoftRefPolicy { return p.soft }
