package heap

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/region"
)

// ClassStats is one line of a class histogram.
type ClassStats struct {
	Name      string  `json:"name"`
	Instances int     `json:"instances"`
	Bytes     uintptr `json:"bytes"`
}

// histogram counts the objects of every class, live or not, largest
// total first.
func (h *Heap) histogram() []ClassStats {
	byName := make(map[string]*ClassStats)
	h.mgr.Iterate(func(r *region.HeapRegion) bool {
		if r.IsFree() || r.IsContinuesHumongous() {
			return true
		}
		r.ObjectIterate(func(obj uintptr) {
			k := h.mem.Klass(obj)
			cs := byName[k.Name]
			if cs == nil {
				cs = &ClassStats{Name: k.Name}
				byName[k.Name] = cs
			}
			cs.Instances++
			cs.Bytes += h.mem.Size(obj) * memregion.WordSize
		})
		return true
	})
	out := make([]ClassStats, 0, len(byName))
	for _, cs := range byName {
		out = append(out, *cs)
	}
	slices.SortFunc(out, func(a, b ClassStats) int {
		if c := cmp.Compare(b.Bytes, a.Bytes); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

func writeHistogram(w io.Writer, classes []ClassStats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "num\tinstances\tbytes\tclass\t")
	var instances int
	var bytes uintptr
	for i, cs := range classes {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t\n", i+1, cs.Instances, cs.Bytes, cs.Name)
		instances += cs.Instances
		bytes += cs.Bytes
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t\t\n", instances, bytes)
	tw.Flush()
}
