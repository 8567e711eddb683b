// Package metaspace accounts for class metadata. Metadata lives outside
// the collected heap, but it is freed only when a full collection finds
// its class loader dead, so running out of it triggers a collection.
package metaspace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/memregion"
)

// ErrExhausted is returned when metadata cannot be allocated even after
// growing to the maximum size.
var ErrExhausted = errors.New("metaspace: out of metadata space")

// LoaderID names a class loader. Metadata is owned and freed per loader.
type LoaderID uint64

// Options configures New.
type Options struct {
	// InitialSize is the first collection threshold.
	InitialSize uintptr
	// MaxSize bounds the metadata that may be allocated.
	MaxSize uintptr
	// MinExpansion is the smallest step the threshold grows by.
	MinExpansion uintptr
	// MinFreeRatio and MaxFreeRatio bound the free share, in percent,
	// left below the threshold after a collection.
	MinFreeRatio uint
	MaxFreeRatio uint
}

// Space tracks the metadata of every loader against a collection
// threshold. Allocations beyond the threshold fail until a collection has
// run or the threshold has been raised.
type Space struct {
	opts Options

	mu              sync.Mutex
	used            uintptr
	capacityUntilGC uintptr
	loaders         map[LoaderID]uintptr
	purged          uint64
}

// New returns an empty metaspace.
func New(opts Options) *Space {
	gclog.Guarantee(opts.InitialSize <= opts.MaxSize, "metaspace initial size %d above max %d", opts.InitialSize, opts.MaxSize)
	if opts.MinExpansion == 0 {
		opts.MinExpansion = 256 << 10
	}
	return &Space{
		opts:            opts,
		capacityUntilGC: opts.InitialSize,
		loaders:         make(map[LoaderID]uintptr),
	}
}

func align(bytes uintptr) uintptr { return memregion.AlignUp(bytes, memregion.WordSize) }

// Allocate charges bytes of metadata to loader. It fails without side
// effects if that would cross the collection threshold.
func (s *Space) Allocate(loader LoaderID, bytes uintptr) bool {
	bytes = align(bytes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+bytes > s.capacityUntilGC {
		return false
	}
	s.charge(loader, bytes)
	return true
}

func (s *Space) charge(loader LoaderID, bytes uintptr) {
	s.used += bytes
	s.loaders[loader] += bytes
}

// ExpandAndAllocate raises the threshold as far as needed, up to the
// maximum size, and allocates.
func (s *Space) ExpandAndAllocate(loader LoaderID, bytes uintptr) bool {
	bytes = align(bytes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+bytes > s.opts.MaxSize {
		return false
	}
	if need := s.used + bytes; need > s.capacityUntilGC {
		delta := max(memregion.AlignUp(need-s.capacityUntilGC, s.opts.MinExpansion), s.opts.MinExpansion)
		s.capacityUntilGC = min(s.capacityUntilGC+delta, s.opts.MaxSize)
	}
	s.charge(loader, bytes)
	return true
}

// Purge frees the metadata of every loader for which alive returns
// false and returns the number of bytes freed.
func (s *Space) Purge(alive func(LoaderID) bool) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed uintptr
	for id, n := range s.loaders {
		if alive(id) {
			continue
		}
		freed += n
		delete(s.loaders, id)
		s.purged++
	}
	s.used -= freed
	return freed
}

// ComputeNewSize resets the threshold after a collection so that the
// free share below it lies between the configured ratios.
func (s *Space) ComputeNewSize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	minFree := float64(s.opts.MinFreeRatio) / 100
	maxFree := float64(s.opts.MaxFreeRatio) / 100

	minimum := max(uintptr(float64(s.used)/(1-minFree)), s.opts.InitialSize)
	if s.capacityUntilGC < minimum {
		s.capacityUntilGC = min(memregion.AlignUp(minimum, s.opts.MinExpansion), s.opts.MaxSize)
		return
	}
	if maxFree < 1 {
		maximum := max(uintptr(float64(s.used)/(1-maxFree)), s.opts.InitialSize)
		if s.capacityUntilGC > maximum {
			s.capacityUntilGC = min(memregion.AlignUp(maximum, s.opts.MinExpansion), s.opts.MaxSize)
		}
	}
}

// Used returns the bytes allocated.
func (s *Space) Used() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// CapacityUntilGC returns the current collection threshold.
func (s *Space) CapacityUntilGC() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacityUntilGC
}

// MaxSize returns the metadata limit.
func (s *Space) MaxSize() uintptr { return s.opts.MaxSize }

// Loaders returns the number of loaders holding metadata.
func (s *Space) Loaders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loaders)
}

func (s *Space) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("metaspace used %d, capacity %d, max %d, loaders %d, purged %d",
		s.used, s.capacityUntilGC, s.opts.MaxSize, len(s.loaders), s.purged)
}
