package mark

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/LimeChain/regiongc/internal/memregion"
	"github.com/LimeChain/regiongc/internal/object"
)

type graph struct {
	mem   *object.Memory
	node  *object.Klass
	nodes []uintptr
}

// newGraph lays out n two-field nodes back to back and links them with
// edges, given as (from, field, to) triples.
func newGraph(n int, edges [][3]int) *graph {
	u := object.NewUniverse()
	mem := object.NewMemory(memregion.New(0x10000, 0x20000), u)
	g := &graph{mem: mem, node: u.DefineInstance("Node", 2, 1)}
	p := mem.Reserved().Start()
	for i := 0; i < n; i++ {
		mem.InitObject(p, g.node, 0)
		g.nodes = append(g.nodes, p)
		p += g.node.InstanceWords() * memregion.WordSize
	}
	for _, e := range edges {
		mem.StoreRef(mem.RefField(g.nodes[e[0]], e[1]), g.nodes[e[2]])
	}
	return g
}

func (g *graph) colours(m *Marker) []Colour {
	var cs []Colour
	for _, obj := range g.nodes {
		cs = append(cs, m.Colour(obj))
	}
	return cs
}

func TestMarkFollowsCycles(t *testing.T) {
	// 0 -> 1 -> 2 -> 0, 2 -> 3; 4 -> 0 is unreachable.
	g := newGraph(5, [][3]int{{0, 0, 1}, {1, 0, 2}, {2, 0, 0}, {2, 1, 3}, {4, 0, 0}})
	m := New(g.mem, HeaderMarks{Mem: g.mem}, nil)

	root := g.nodes[0]
	m.MarkRoots([]*uintptr{&root})
	if c := m.Colour(root); c != Grey {
		t.Fatalf("root is %v before draining", c)
	}
	m.Drain()

	want := []Colour{Black, Black, Black, Black, White}
	if diff := cmp.Diff(want, g.colours(m)); diff != "" {
		t.Errorf("colours (-want +got):\n%s", diff)
	}
	st := m.Stats()
	if st.Marked != 4 || st.Scanned != 4 {
		t.Errorf("stats %+v", st)
	}
	if st.MarkedWords != 4*g.node.InstanceWords() {
		t.Errorf("marked %d words", st.MarkedWords)
	}
}

func TestMarkRespectsFilter(t *testing.T) {
	g := newGraph(3, [][3]int{{0, 0, 1}, {1, 0, 2}})
	skip := g.nodes[1]
	var seen []uintptr
	m := New(g.mem, HeaderMarks{Mem: g.mem}, func(ref uintptr) bool { return ref != skip })
	m.OnMarked(func(obj, _ uintptr) { seen = append(seen, obj) })
	m.MarkRef(g.nodes[0])
	m.Drain()

	if diff := cmp.Diff([]uintptr{g.nodes[0]}, seen); diff != "" {
		t.Errorf("marked (-want +got):\n%s", diff)
	}
	if m.MarkRef(0) {
		t.Error("null reference marked")
	}
}

func TestWorklistIsLIFO(t *testing.T) {
	var w Worklist
	w.Push(1)
	w.Push(2)
	if v, _ := w.Pop(); v != 2 {
		t.Errorf("popped %d, want 2", v)
	}
	w.Reset()
	if _, ok := w.Pop(); ok || !w.IsEmpty() {
		t.Error("worklist not empty after reset")
	}
}
