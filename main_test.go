package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LimeChain/regiongc/internal/config"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/workload"
)

func testOptions(t *testing.T) *options {
	t.Helper()
	w := workload.Defaults()
	w.Mutators = 2
	w.Allocations = 20_000
	w.Live = 200
	return &options{
		vmOptions: "-Xmx16m -Xms8m -XX:HeapRegionSize=1m -XX:+VerifyAfterGC",
		report:    filepath.Join(t.TempDir(), "runs.jsonl"),
		workload:  w,
	}
}

func TestRunWritesSummaryAndReport(t *testing.T) {
	o := testOptions(t)
	cfg, err := loadConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxHeapSize != 16*config.M || !cfg.IsCommandLine("HeapRegionSize") {
		t.Fatalf("options not applied: MaxHeapSize %v", cfg.MaxHeapSize)
	}

	for run := 0; run < 2; run++ {
		var out bytes.Buffer
		if err := runWorkload(context.Background(), cfg, o, &out, gclog.Discard()); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out.String(), "collections:") {
			t.Errorf("summary:\n%s", out.String())
		}
		if cfg, err = loadConfig(o); err != nil {
			t.Fatal(err)
		}
	}

	f, err := os.Open(o.report)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var reports []report
	sc := bufio.NewScanner(f)
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		var rep report
		if err := json.Unmarshal(sc.Bytes(), &rep); err != nil {
			t.Fatalf("report line %q: %v", sc.Text(), err)
		}
		reports = append(reports, rep)
	}
	if len(reports) != 2 {
		t.Fatalf("%d reports, want one per run", len(reports))
	}
	for _, rep := range reports {
		if rep.Error != "" || rep.Workload.Allocations == 0 || rep.Heap.MaxRegions != 16 {
			t.Errorf("report %+v", rep)
		}
		if len(rep.Classes) < 2 || !strings.Contains(rep.Classes[0], "instances") {
			t.Errorf("histogram %q", rep.Classes)
		}
	}
}

func TestLoadConfigRejectsBadOptions(t *testing.T) {
	for _, opts := range []string{"-Xmx", "-XX:NoSuchFlag=1", "-Xms64m -Xmx16m", `-XX:MaxHeapSize="16m`} {
		if _, err := loadConfig(&options{vmOptions: opts}); err == nil {
			t.Errorf("%q accepted", opts)
		}
	}
}

func TestHistogramLines(t *testing.T) {
	hist := []byte("num  instances  bytes  class\n1  3  120  A\n2  1  40  B\ntotal  4  160\n")
	got := histogramLines(hist, 2)
	want := []string{"num  instances  bytes  class", "1  3  120  A", "2  1  40  B"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("histogramLines() = %q, want %q", got, want)
	}
	if got := histogramLines(hist, 10); len(got) != 4 {
		t.Errorf("%d lines of a four-line histogram", len(got))
	}
}
