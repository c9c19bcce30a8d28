package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fedutinova/fluxqc/internal/job"
)

// IdleName is the label a worker carries while it has no job.
const IdleName = "waiting"

// Worker runs one job at a time. Overflow workers are discarded after their
// job instead of returning to the idle set.
type Worker struct {
	id       int
	overflow bool

	mu   sync.Mutex
	name string
	job  *job.Job

	interrupted atomic.Bool

	// idle is guarded by the pool's mutex. An overflow worker stays marked
	// once released so a second Release cannot free another slot.
	idle bool
}

func newWorker(id int, overflow bool) *Worker {
	return &Worker{id: id, overflow: overflow, name: IdleName}
}

// ID is stable for the worker's lifetime.
func (w *Worker) ID() int { return w.id }

// Overflow reports whether the worker was created above the idle pool size.
func (w *Worker) Overflow() bool { return w.overflow }

// Name is "waiting" when idle and "JOB_<id>" while running a job.
func (w *Worker) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.name
}

// Job returns the assigned job, or nil.
func (w *Worker) Job() *job.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

// Interrupted reports whether an interruption was requested for the current
// job. Stages poll it.
func (w *Worker) Interrupted() bool {
	return w.interrupted.Load()
}

// Interrupt asks the current job to stop at its next check.
func (w *Worker) Interrupt() {
	w.interrupted.Store(true)
}

func (w *Worker) assign(j *job.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.job = j
	w.name = fmt.Sprintf("JOB_%s", j.ID)
	w.interrupted.Store(false)
}

func (w *Worker) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.job = nil
	w.name = IdleName
	w.interrupted.Store(false)
}
