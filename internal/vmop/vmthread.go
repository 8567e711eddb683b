// Package vmop runs operations on the VM thread, a dedicated worker that
// executes each operation while every other thread is stopped at a
// safepoint.
package vmop

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LimeChain/regiongc/internal/gclog"
	"github.com/LimeChain/regiongc/internal/task"
)

// Operation is a unit of work for the VM thread.
//
// DoitPrologue and DoitEpilogue run on the requesting thread before and
// after the operation; a false prologue cancels it. Doit runs on the VM
// thread, at a safepoint if EvaluateAtSafepoint says so.
type Operation interface {
	Name() string
	DoitPrologue(t *task.Thread) bool
	Doit()
	DoitEpilogue(t *task.Thread)
	EvaluateAtSafepoint() bool
}

type request struct {
	op   Operation
	done chan struct{}
}

// VMThread executes operations one at a time, in request order.
type VMThread struct {
	sync *task.Synchronizer
	log  *slog.Logger

	queue    chan request
	stopOnce sync.Once
	stopped  chan struct{}

	executed atomic.Uint64
	skipped  atomic.Uint64
	running  atomic.Bool
}

// Start starts a VM thread stopping the threads of s for its operations.
func Start(s *task.Synchronizer, log *slog.Logger) *VMThread {
	if log == nil {
		log = gclog.Discard()
	}
	v := &VMThread{
		sync:    s,
		log:     log,
		queue:   make(chan request),
		stopped: make(chan struct{}),
	}
	go v.loop()
	return v
}

func (v *VMThread) loop() {
	defer close(v.stopped)
	for req := range v.queue {
		v.evaluate(req.op)
		close(req.done)
	}
}

func (v *VMThread) evaluate(op Operation) {
	start := time.Now()
	v.running.Store(true)
	if op.EvaluateAtSafepoint() {
		v.sync.Begin()
		op.Doit()
		v.sync.End()
	} else {
		op.Doit()
	}
	v.running.Store(false)
	v.executed.Add(1)
	v.log.Debug("vm operation", "op", op.Name(), "took", time.Since(start))
}

// Execute runs op on behalf of t, which must be in the VM. t waits
// Blocked while the VM thread works.
func (v *VMThread) Execute(t *task.Thread, op Operation) {
	if !op.DoitPrologue(t) {
		v.skipped.Add(1)
		v.log.Debug("vm operation skipped", "op", op.Name(), "thread", t.Name())
		return
	}
	req := request{op: op, done: make(chan struct{})}
	t.BlockInVM(func() {
		v.queue <- req
		<-req.done
	})
	op.DoitEpilogue(t)
}

// IsRunning reports whether an operation is being evaluated.
func (v *VMThread) IsRunning() bool { return v.running.Load() }

// Stats returns the number of operations executed and skipped.
func (v *VMThread) Stats() (executed, skipped uint64) {
	return v.executed.Load(), v.skipped.Load()
}

// Stop shuts the VM thread down once queued operations are done. No
// operation may be requested afterwards.
func (v *VMThread) Stop() {
	v.stopOnce.Do(func() { close(v.queue) })
	<-v.stopped
}
