// Package pool wraps github.com/alitto/pond to bound the orchestrator's
// per-cycle fetch concurrency (spec.md §5: exchange I/O may run
// concurrently through an async runtime while mutation stays
// single-writer).
//
// Grounded on the teacher's pkg/concurrency/pool.go: same
// MinWorkers/IdleTimeout/Balanced-strategy/PanicHandler construction and
// the same SubmitAndWait done-channel pattern, generalized from a
// general-purpose named pool into one fetch-stage pool per Orchestrator.
package pool

import (
	"time"

	"github.com/alitto/pond"

	"spotguard/internal/core"
)

// WorkerPool bounds concurrent execution with a fixed worker ceiling.
type WorkerPool struct {
	pool *pond.WorkerPool
}

// New constructs a WorkerPool with maxWorkers running goroutines and a
// task queue capacity of maxCapacity.
func New(maxWorkers, maxCapacity int, logger core.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if maxCapacity <= 0 {
		maxCapacity = 32
	}

	p := pond.New(
		maxWorkers,
		maxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(60*time.Second),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(panicked interface{}) {
			logger.Error("pool: worker panic recovered", "panic", panicked)
		}),
	)

	return &WorkerPool{pool: p}
}

// SubmitAndWait runs task on a pool worker and blocks until it returns.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		task()
		close(done)
	})
	<-done
}

// StopAndWait drains queued tasks and waits for running workers to exit.
func (wp *WorkerPool) StopAndWait() {
	wp.pool.StopAndWait()
}
