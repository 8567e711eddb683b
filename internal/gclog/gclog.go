// Package gclog carries the collector's diagnostic output and its fatal
// error surface.
//
// Regular output is structured logging through log/slog. Detailed GC
// output is gated behind the PrintGCDetails level so it costs nothing when
// switched off. Invariant violations are reported through a fatal hook
// supplied by the host; the collector never exits the process itself.
package gclog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/inhies/go-bytesize"
)

// LevelDetails is the level of per-phase collector output.
const LevelDetails = slog.LevelDebug

// FatalFunc is invoked on an unrecoverable invariant violation. Behaviour
// after it returns is undefined, so the default panics.
type FatalFunc func(msg string)

var fatalHook atomic.Pointer[FatalFunc]

func init() {
	SetFatalHook(nil)
}

// SetFatalHook installs fn as the fatal hook. A nil fn restores the default,
// which panics with the message.
func SetFatalHook(fn FatalFunc) {
	if fn == nil {
		fn = func(msg string) { panic("fatal error: " + msg) }
	}
	fatalHook.Store(&fn)
}

// Fatalf reports an invariant violation to the fatal hook.
func Fatalf(format string, args ...any) {
	(*fatalHook.Load())(fmt.Sprintf(format, args...))
}

// Guarantee calls Fatalf when cond does not hold.
func Guarantee(cond bool, format string, args ...any) {
	if !cond {
		Fatalf(format, args...)
	}
}

// Options configures New.
type Options struct {
	// Details enables LevelDetails output (PrintGCDetails).
	Details bool
	// JSON selects the JSON handler instead of the text handler.
	JSON bool
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Details {
		level = LevelDetails
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// Bytes returns a log attribute rendering n as a human-readable size.
func Bytes(key string, n uintptr) slog.Attr {
	return slog.String(key, bytesize.New(float64(n)).String())
}

// Details reports whether detailed collector output is enabled on l.
func Details(l *slog.Logger) bool {
	return l.Enabled(context.Background(), LevelDetails)
}
