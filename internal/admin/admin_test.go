package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/LimeChain/regiongc/internal/config"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/heap"
)

func newTestServer(t *testing.T) (*heap.Heap, *httptest.Server) {
	t.Helper()
	cfg := config.New()
	cfg.MaxHeapSize = 16 * config.M
	cfg.InitialHeapSize = 8 * config.M
	cfg.MinHeapSize = 8 * config.M
	cfg.HeapRegionSize = 1 * config.M
	h, err := heap.New(cfg, heap.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	ts := httptest.NewServer(New(h, gclog.Discard()).Handler())
	t.Cleanup(ts.Close)
	return h, ts
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
}

func postGC(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/gc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHeapAndRegions(t *testing.T) {
	_, ts := newTestServer(t)

	var st heap.Stats
	getJSON(t, ts.URL+"/heap", &st)
	if st.Regions != 8 || st.MaxRegions != 16 || st.RegionBytes != 1<<20 {
		t.Errorf("stats report %d of %d regions of %d bytes", st.Regions, st.MaxRegions, st.RegionBytes)
	}
	if st.FreeRegions != st.Regions {
		t.Errorf("%d of %d regions free in an empty heap", st.FreeRegions, st.Regions)
	}

	var regions []heap.RegionInfo
	getJSON(t, ts.URL+"/regions", &regions)
	if len(regions) != st.Regions {
		t.Fatalf("%d regions listed, %d committed", len(regions), st.Regions)
	}
	for i, r := range regions {
		if r.Index != i || r.Bottom != heap.Base+uintptr(i)<<20 {
			t.Errorf("region %d listed as %d at %#x", i, r.Index, r.Bottom)
		}
	}
}

func TestCollect(t *testing.T) {
	h, ts := newTestServer(t)

	resp := postGC(t, ts, `{"kind":"full"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /gc: %s", resp.Status)
	}
	var got gcResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	got.Took = ""
	want := gcResponse{Kind: "full", Collections: 1, FullCollections: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response (-want +got):\n%s", diff)
	}

	for _, body := range []string{`{"kind":"young"}`, `{"kind":"mark"}`} {
		if resp := postGC(t, ts, body); resp.StatusCode != http.StatusOK {
			t.Errorf("POST /gc %s: %s", body, resp.Status)
		}
	}
	if n := h.TotalCollections(); n != 2 {
		t.Errorf("%d collections, want 2", n)
	}

	for _, body := range []string{`{"kind":"minor"}`, `{}`, `not json`} {
		if resp := postGC(t, ts, body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST /gc %s: %s, want 400", body, resp.Status)
		}
	}
}

func TestFlagsAndHistogram(t *testing.T) {
	h, ts := newTestServer(t)
	node := h.Universe().DefineInstance("Node", 1, 1)
	m := h.Attach("main")
	var head uintptr
	for i := 0; i < 10; i++ {
		obj, err := m.Allocate(node, 0)
		if err != nil {
			t.Fatal(err)
		}
		m.Store(obj, 0, head)
		head = obj
	}
	// A detached mutator does not hold up the admin thread's safepoints.
	m.NewGlobal(head)
	m.Detach()

	resp, err := http.Get(ts.URL + "/flags")
	if err != nil {
		t.Fatal(err)
	}
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(text), "MaxHeapSize") {
		t.Errorf("flags lack MaxHeapSize:\n%s", text)
	}

	resp, err = http.Get(ts.URL + "/flags?format=yaml")
	if err != nil {
		t.Fatal(err)
	}
	doc, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	cfg := config.New()
	if err := cfg.LoadYAML(doc); err != nil {
		t.Fatalf("flags YAML does not load: %v\n%s", err, doc)
	}
	if cfg.MaxHeapSize != 16*config.M {
		t.Errorf("MaxHeapSize from YAML is %v", cfg.MaxHeapSize)
	}

	resp, err = http.Get(ts.URL + "/histogram?full=true")
	if err != nil {
		t.Fatal(err)
	}
	hist, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	lines := strings.Split(strings.TrimSpace(string(hist)), "\n")
	var nodeLine string
	for _, l := range lines {
		if strings.HasSuffix(strings.TrimSpace(l), "Node") {
			nodeLine = l
		}
	}
	if fields := strings.Fields(nodeLine); len(fields) != 4 || fields[1] != "10" {
		t.Errorf("Node line %q, want 10 instances, in:\n%s", nodeLine, hist)
	}
	if n := h.TotalFullCollections(); n != 1 {
		t.Errorf("%d full collections for a histogram after a full collection", n)
	}
}

func TestEventStream(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type %q", ct)
	}

	if resp := postGC(t, ts, `{"kind":"young"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /gc: %s", resp.Status)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	var event string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream ended")
			}
			switch {
			case strings.HasPrefix(l, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(l, "event:"))
			case strings.HasPrefix(l, "data:"):
				var ev heap.Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(l, "data:")), &ev); err != nil {
					t.Fatalf("event data %q: %v", l, err)
				}
				if event != "young" || ev.Kind != heap.KindYoung || ev.Seq != 1 {
					t.Errorf("event %q carrying %+v", event, ev)
				}
				return
			}
		case <-timeout:
			t.Fatal("no event")
		}
	}
}

func TestServeLimitsConnections(t *testing.T) {
	cfg := config.New()
	cfg.MaxHeapSize = 16 * config.M
	cfg.HeapRegionSize = 1 * config.M
	cfg.AdminMaxConns = 1
	h, err := heap.New(cfg, heap.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(h, gclog.Discard())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/heap"
	for i := 0; i < 3; i++ {
		var st heap.Stats
		getJSON(t, url, &st)
		if st.MaxRegions != 16 {
			t.Fatalf("MaxRegions = %d", st.MaxRegions)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve: %v", err)
	}
}
