package region

const (
	// MinRegionSize is the smallest region size. Smaller regions would
	// make most large arrays humongous.
	MinRegionSize = 1 << 20
	// MaxRegionSize is the largest region size.
	MaxRegionSize = 32 << 20
	// TargetRegionNumber is the number of regions the default size aims
	// for.
	TargetRegionNumber = 2048
)

// SetupHeapRegionSize picks the region size. A requested size of zero
// means derive one from the average of the initial and maximum heap
// sizes. The result is a power of two in [MinRegionSize, MaxRegionSize].
func SetupHeapRegionSize(initialHeap, maxHeap, requested uintptr) uintptr {
	size := requested
	if size == 0 {
		avg := (initialHeap + maxHeap) / 2
		size = max(avg/TargetRegionNumber, MinRegionSize)
	}
	// Round down to a power of two.
	log := 0
	for size>>(log+1) != 0 {
		log++
	}
	size = 1 << log
	return min(max(size, MinRegionSize), MaxRegionSize)
}
