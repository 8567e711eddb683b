package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/gofrs/flock"
	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/LimeChain/regiongc/internal/admin"
	"github.com/LimeChain/regiongc/internal/config"
	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/heap"
	"github.com/LimeChain/regiongc/internal/task"
	"github.com/LimeChain/regiongc/internal/workload"
)

const usageText = `regiongc runs a region-based generational heap under a synthetic workload.

usage:
  regiongc run   [flags]   run a workload and print a summary
  regiongc flags [flags]   print the final flag values
  regiongc help            show this help

flags:
`

func usage(w io.Writer) {
	fmt.Fprint(w, usageText)
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
}

// options are the command-line settings outside the heap's own flags.
type options struct {
	vmOptions  string
	configFile string
	jsonLog    bool
	adminAddr  string
	hold       bool
	report     string
	duration   time.Duration
	refine     time.Duration
	workload   workload.Config
}

// report is one run's record in the report file.
type report struct {
	Time     time.Time       `json:"time"`
	Options  string          `json:"options"`
	Took     string          `json:"took"`
	Workload workload.Result `json:"workload"`
	Heap     heap.Stats      `json:"heap"`
	Classes  []string        `json:"histogram"`
	Error    string          `json:"error,omitempty"`
}

// colors reports whether f is a terminal that understands escapes.
func colors(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func printError(w io.Writer, color bool, err error) {
	if color {
		fmt.Fprintf(w, "\x1b[1;31merror:\x1b[0m %v\n", err)
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

// loadConfig applies the config file, then the option string.
func loadConfig(o *options) (*config.Config, error) {
	cfg := config.New()
	if o.configFile != "" {
		if err := cfg.LoadFile(o.configFile); err != nil {
			return nil, err
		}
	}
	if o.vmOptions != "" {
		if err := cfg.ParseOptions(o.vmOptions); err != nil {
			return nil, err
		}
	}
	if o.adminAddr != "" {
		if err := cfg.Set("AdminAddr", o.adminAddr, config.CommandLine); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func runWorkload(ctx context.Context, cfg *config.Config, o *options, stdout io.Writer, log *slog.Logger) error {
	h, err := heap.New(cfg, heap.Options{Log: log, RefineInterval: o.refine})
	if err != nil {
		return err
	}
	defer h.Close()

	var srv *admin.Server
	if cfg.AdminAddr != "" {
		srv = admin.New(h, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error("admin API stopped", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	runCtx := ctx
	if o.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}
	start := time.Now()
	res, runErr := workload.Run(runCtx, h, o.workload, log)
	took := time.Since(start)

	var st heap.Stats
	var hist bytes.Buffer
	m := h.Attach("main")
	m.InVM(func(t *task.Thread) {
		st = h.Stats(t)
		h.InspectHeap(t, &hist, false)
	})
	m.Detach()

	summarize(stdout, res, st, took)
	if o.report != "" {
		rep := report{
			Time:     start,
			Options:  o.vmOptions,
			Took:     took.String(),
			Workload: res,
			Heap:     st,
			Classes:  histogramLines(hist.Bytes(), 10),
		}
		if runErr != nil {
			rep.Error = runErr.Error()
		}
		if err := appendReport(o.report, rep); err != nil {
			return errors.Join(runErr, err)
		}
	}
	if runErr == nil && srv != nil && o.hold {
		log.Info("workload done, admin API still serving; interrupt to stop")
		<-ctx.Done()
	}
	return runErr
}

func summarize(w io.Writer, res workload.Result, st heap.Stats, took time.Duration) {
	b := func(n uintptr) string { return bytesize.New(float64(n)).String() }
	fmt.Fprintf(w, "workload: %d allocations, %d arrays, %d loaders, %d checks in %v\n",
		res.Allocations, res.Arrays, res.Loaders, res.Checks, took.Round(time.Millisecond))
	fmt.Fprintf(w, "collections: %d (%d full), %d safepoints, %d GC locker deferrals\n",
		st.Collections, st.FullCollections, st.Safepoints, st.LockerDeferred)
	fmt.Fprintf(w, "heap: %s used of %s committed in %d/%d regions of %s\n",
		b(st.Used), b(st.Committed), st.Regions, st.MaxRegions, b(st.RegionBytes))
	fmt.Fprintf(w, "young: %s\nold:   %s\n", st.Young, st.Old)
	fmt.Fprintf(w, "metaspace: %s used, %d loaders; soft references cleared: %d\n",
		b(st.MetaspaceUsed), st.Loaders, res.SoftCleared)
	fmt.Fprintf(w, "card table checksum: %#04x\n", st.CardChecksum)
}

// histogramLines returns the header and the first n class lines of a
// histogram.
func histogramLines(hist []byte, n int) []string {
	lines := bytes.Split(bytes.TrimRight(hist, "\n"), []byte("\n"))
	if len(lines) > n+1 {
		lines = lines[:n+1]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

// appendReport appends rep as one JSON line to path. Concurrent runs
// sharing a report file take turns through a lock file next to it.
func appendReport(path string, rep report) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lock.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printFlags(o *options, w io.Writer, asYAML bool) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if asYAML {
		doc, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = w.Write(doc)
		return err
	}
	cfg.Print(w)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "No command-line arguments supplied.")
		usage(os.Stderr)
		os.Exit(1)
	}
	command := os.Args[1]

	var o options
	o.workload = workload.Defaults()
	flag.StringVar(&o.vmOptions, "opts", "", "heap options, e.g. \"-Xmx64m -XX:+PrintGCDetails\"")
	flag.StringVar(&o.configFile, "config", "", "YAML file of heap flags")
	flag.BoolVar(&o.jsonLog, "json", false, "log as JSON")
	flag.StringVar(&o.adminAddr, "admin", "", "serve the admin API on this address")
	flag.BoolVar(&o.hold, "hold", false, "keep serving the admin API after the workload")
	flag.StringVar(&o.report, "report", "", "append a JSON report of the run to this file")
	flag.DurationVar(&o.duration, "duration", 0, "stop the workload after this long")
	flag.DurationVar(&o.refine, "refine", 5*time.Millisecond, "concurrent card refinement interval, 0 to refine only in pauses")
	flag.IntVar(&o.workload.Mutators, "mutators", o.workload.Mutators, "mutator goroutines")
	flag.IntVar(&o.workload.Allocations, "allocations", o.workload.Allocations, "allocations per mutator, 0 to run until stopped")
	flag.IntVar(&o.workload.Live, "live", o.workload.Live, "objects each mutator keeps alive")
	flag.Uint64Var(&o.workload.Seed, "seed", o.workload.Seed, "random seed")
	flag.IntVar(&o.workload.ArrayLen, "array-len", o.workload.ArrayLen, "length of the reference arrays the workload allocates")
	asYAML := flag.Bool("yaml", false, "flags: print as YAML")
	if command == "help" || command == "-h" || command == "--help" {
		usage(os.Stdout)
		return
	}
	flag.CommandLine.Parse(os.Args[2:])

	stderr := colorable.NewColorableStderr()
	color := colors(os.Stderr)

	var err error
	switch command {
	case "run":
		cfg, cerr := loadConfig(&o)
		if cerr != nil {
			err = cerr
			break
		}
		log := gclog.New(stderr, gclog.Options{Details: cfg.PrintGCDetails, JSON: o.jsonLog})
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		err = runWorkload(ctx, cfg, &o, os.Stdout, log)
		stop()
	case "flags":
		err = printFlags(&o, os.Stdout, *asYAML)
	default:
		fmt.Fprintln(os.Stderr, "Unknown command:", command)
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		printError(stderr, color, err)
		os.Exit(1)
	}
}
