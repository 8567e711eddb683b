package policy

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/LimeChain/regiongc/internal/memregion"
)

// oldThreshold is the sample count after which an average stops giving
// extra weight to new samples.
const oldThreshold = 100

// WeightedAverage is an exponentially decaying average. Early samples are
// weighted more heavily so the average settles quickly.
type WeightedAverage struct {
	weight  uint
	count   uint
	average float64
	last    float64
}

// NewWeightedAverage returns an average giving weight percent to each new
// sample.
func NewWeightedAverage(weight uint) *WeightedAverage {
	return &WeightedAverage{weight: weight}
}

func expAvg(avg, sample float64, weight uint) float64 {
	return (100-float64(weight))*avg/100 + float64(weight)*sample/100
}

func (a *WeightedAverage) adaptiveWeight() uint {
	if a.count >= oldThreshold {
		return a.weight
	}
	return max(a.weight, oldThreshold/a.count)
}

// Sample adds a value.
func (a *WeightedAverage) Sample(v float64) {
	a.count++
	a.last = v
	if a.count == 1 {
		a.average = v
		return
	}
	a.average = expAvg(a.average, v, a.adaptiveWeight())
}

// Average returns the current average.
func (a *WeightedAverage) Average() float64 { return a.average }

// Last returns the most recent sample.
func (a *WeightedAverage) Last() float64 { return a.last }

// Count returns the number of samples.
func (a *WeightedAverage) Count() uint { return a.count }

// PaddedAverage is a WeightedAverage that also tracks the deviation of
// the samples, so callers can provision for the average plus a margin.
type PaddedAverage struct {
	WeightedAverage
	padding   uint
	deviation float64
}

// NewPaddedAverage returns an average padded by padding deviations.
func NewPaddedAverage(weight, padding uint) *PaddedAverage {
	return &PaddedAverage{WeightedAverage: WeightedAverage{weight: weight}, padding: padding}
}

func (a *PaddedAverage) Sample(v float64) {
	a.WeightedAverage.Sample(v)
	if a.count == 1 {
		return
	}
	a.deviation = expAvg(a.deviation, math.Abs(v-a.average), a.adaptiveWeight())
}

// Padded returns the average plus the padding.
func (a *PaddedAverage) Padded() float64 {
	return a.average + float64(a.padding)*a.deviation
}

// Deviation returns the average deviation.
func (a *PaddedAverage) Deviation() float64 { return a.deviation }

// SizePolicyOptions configures NewAdaptiveSizePolicy.
type SizePolicyOptions struct {
	Weight               uint
	MaxPause             time.Duration
	GCTimeRatio          uint
	GCTimeLimit          uint
	GCHeapFreeLimit      uint
	LimitThreshold       uint
	UseOverheadLimit     bool
	SpaceAlignment       uintptr
	MaxTenuringThreshold uint
}

// AdaptiveSizePolicy sizes eden and the survivor space from the observed
// cost of collections, and detects when the program spends nearly all its
// time collecting.
type AdaptiveSizePolicy struct {
	opts SizePolicyOptions

	minorPause    *WeightedAverage
	majorPause    *WeightedAverage
	minorInterval *WeightedAverage
	majorInterval *WeightedAverage
	minorCost     *WeightedAverage
	majorCost     *WeightedAverage
	survived      *PaddedAverage
	promoted      *PaddedAverage

	tenuringThreshold uint

	overheadLimitCount    uint
	overheadLimitExceeded atomic.Bool
}

// NewAdaptiveSizePolicy returns a policy with no history.
func NewAdaptiveSizePolicy(opts SizePolicyOptions) *AdaptiveSizePolicy {
	w := opts.Weight
	return &AdaptiveSizePolicy{
		opts:              opts,
		minorPause:        NewWeightedAverage(w),
		majorPause:        NewWeightedAverage(w),
		minorInterval:     NewWeightedAverage(w),
		majorInterval:     NewWeightedAverage(w),
		minorCost:         NewWeightedAverage(w),
		majorCost:         NewWeightedAverage(w),
		survived:          NewPaddedAverage(w, 3),
		promoted:          NewPaddedAverage(w, 3),
		tenuringThreshold: opts.MaxTenuringThreshold,
	}
}

func cost(pause, interval time.Duration) float64 {
	if pause+interval <= 0 {
		return 0
	}
	return float64(pause) / float64(pause+interval)
}

// RecordMinor records a young collection that took pause after interval
// of mutator time, copying survived bytes to survivors and promoting
// promoted bytes.
func (p *AdaptiveSizePolicy) RecordMinor(pause, interval time.Duration, survived, promoted uintptr) {
	p.minorPause.Sample(pause.Seconds())
	p.minorInterval.Sample(interval.Seconds())
	p.minorCost.Sample(cost(pause, interval))
	p.survived.Sample(float64(survived))
	p.promoted.Sample(float64(promoted))
}

// RecordMajor records a full collection.
func (p *AdaptiveSizePolicy) RecordMajor(pause, interval time.Duration) {
	p.majorPause.Sample(pause.Seconds())
	p.majorInterval.Sample(interval.Seconds())
	p.majorCost.Sample(cost(pause, interval))
}

// GCCost returns the fraction of time spent collecting.
func (p *AdaptiveSizePolicy) GCCost() float64 {
	return min(p.minorCost.Average()+p.majorCost.Average(), 1)
}

// AvgMinorPause returns the average young pause.
func (p *AdaptiveSizePolicy) AvgMinorPause() time.Duration {
	return time.Duration(p.minorPause.Average() * float64(time.Second))
}

// AvgMajorPause returns the average full pause.
func (p *AdaptiveSizePolicy) AvgMajorPause() time.Duration {
	return time.Duration(p.majorPause.Average() * float64(time.Second))
}

// AvgPromoted returns the padded average of bytes promoted per young
// collection.
func (p *AdaptiveSizePolicy) AvgPromoted() uintptr { return uintptr(p.promoted.Padded()) }

func (p *AdaptiveSizePolicy) throughputGoal() float64 {
	return 1 / (1 + float64(p.opts.GCTimeRatio))
}

// ComputeEdenSpaceSize returns the eden size to use after a young
// collection. Eden shrinks when pauses are too long, grows when too much
// time goes to collection, and otherwise shrinks slowly to save space.
func (p *AdaptiveSizePolicy) ComputeEdenSpaceSize(cur, minSize, maxSize uintptr) uintptr {
	desired := cur
	switch {
	case p.minorPause.Count() == 0:
	case p.AvgMinorPause() > p.opts.MaxPause:
		desired = cur - cur/10
	case p.GCCost() > p.throughputGoal():
		desired = cur + cur/5
	default:
		desired = cur - cur/20
	}
	align := max(p.opts.SpaceAlignment, memregion.WordSize)
	desired = memregion.AlignUp(desired, align)
	return min(max(desired, minSize), maxSize)
}

// ComputeSurvivorSpaceSize returns the survivor size to use and adjusts
// the tenuring threshold. overflow says whether survivors did not fit in
// the last collection.
func (p *AdaptiveSizePolicy) ComputeSurvivorSpaceSize(overflow bool, minSize, maxSize uintptr) uintptr {
	switch {
	case overflow:
		// Survivors did not fit; promote sooner.
		p.tenuringThreshold = max(p.tenuringThreshold, 2) - 1
	case p.minorCost.Average() > p.majorCost.Average()*1.1:
		p.tenuringThreshold = max(p.tenuringThreshold, 2) - 1
	case p.majorCost.Average() > p.minorCost.Average()*1.1:
		p.tenuringThreshold = min(p.tenuringThreshold+1, p.opts.MaxTenuringThreshold)
	}
	align := max(p.opts.SpaceAlignment, memregion.WordSize)
	desired := memregion.AlignUp(uintptr(p.survived.Padded()), align)
	return min(max(desired, minSize), maxSize)
}

// TenuringThreshold returns the age at which objects are promoted.
func (p *AdaptiveSizePolicy) TenuringThreshold() uint { return p.tenuringThreshold }

// CheckGCOverheadLimit is called after a collection with the free space
// left in the old generation and in eden. When too much time has gone to
// collection and too little space was recovered for LimitThreshold full
// collections in a row, the limit is exceeded. One collection before
// that, soft references are cleared as a last chance.
func (p *AdaptiveSizePolicy) CheckGCOverheadLimit(freeOld, maxOld, freeEden, maxEden uintptr, isFull bool, userRequested bool, soft *SoftRefPolicy) {
	if !p.opts.UseOverheadLimit || userRequested {
		return
	}
	timeLimit := float64(p.opts.GCTimeLimit) / 100
	freeLimit := float64(p.opts.GCHeapFreeLimit) / 100
	if p.GCCost() > timeLimit &&
		float64(freeOld) < freeLimit*float64(maxOld) &&
		float64(freeEden) < freeLimit*float64(maxEden) {
		if !isFull {
			return
		}
		p.overheadLimitCount++
		if p.overheadLimitCount >= p.opts.LimitThreshold {
			p.overheadLimitExceeded.Store(true)
			p.overheadLimitCount = 0
		} else if p.GCOverheadLimitNear() && soft != nil {
			soft.SetShouldClearAll(true)
		}
		return
	}
	p.overheadLimitCount = 0
}

// GCOverheadLimitExceeded reports whether the limit was exceeded.
func (p *AdaptiveSizePolicy) GCOverheadLimitExceeded() bool { return p.overheadLimitExceeded.Load() }

// SetGCOverheadLimitExceeded sets or clears the exceeded state.
func (p *AdaptiveSizePolicy) SetGCOverheadLimitExceeded(v bool) { p.overheadLimitExceeded.Store(v) }

// GCOverheadLimitNear reports whether the next qualifying full
// collection will exceed the limit.
func (p *AdaptiveSizePolicy) GCOverheadLimitNear() bool {
	return p.overheadLimitCount+1 >= p.opts.LimitThreshold
}

// OverheadLimitCount returns the number of qualifying collections in a
// row.
func (p *AdaptiveSizePolicy) OverheadLimitCount() uint { return p.overheadLimitCount }
