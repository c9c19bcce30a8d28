// Package pool runs pipeline jobs on a bounded set of workers: a fixed idle
// set created up front plus overflow workers up to a hard ceiling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/google/uuid"
)

// Handler executes a job. w exposes the interruption signal.
type Handler func(ctx context.Context, j *job.Job, w *Worker) error

// Recorder persists job outcomes. job.Store satisfies it.
type Recorder interface {
	Finish(ctx context.Context, id uuid.UUID) error
	RecordError(ctx context.Context, id uuid.UUID, detail job.ErrorDetail) error
}

type Config struct {
	// Size is the number of workers created eagerly. Must be at least 1.
	Size int
	// MaxActive caps busy workers, overflow included. Must be >= Size.
	MaxActive int
	// Block makes Acquire wait for a release instead of failing with
	// common.ErrPoolExhausted.
	Block bool
}

func (c Config) Validate() error {
	if c.Size < 1 {
		return common.ValidationError{Field: "size", Message: "must be at least 1"}
	}
	if c.MaxActive < c.Size {
		return common.ValidationError{Field: "max_active", Message: fmt.Sprintf("must be >= size (%d)", c.Size)}
	}
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle     int `json:"idle"`
	Active   int `json:"active"`
	Overflow int `json:"overflow"`
}

type Pool struct {
	cfg      Config
	handler  Handler
	recorder Recorder
	log      *slog.Logger

	mu       sync.Mutex
	idle     []*Worker
	active   int
	overflow int
	nextID   int
	running  map[uuid.UUID]*Worker
	released chan struct{} // closed and replaced on every release
	closed   bool

	wg         sync.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(cfg Config, handler Handler, recorder Recorder, log *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		handler:    handler,
		recorder:   recorder,
		log:        log,
		running:    make(map[uuid.UUID]*Worker),
		released:   make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	for i := 0; i < cfg.Size; i++ {
		p.nextID++
		w := newWorker(p.nextID, false)
		w.idle = true
		p.idle = append(p.idle, w)
	}
	log.Info("worker pool started", "size", cfg.Size, "max_active", cfg.MaxActive, "block", cfg.Block)
	return p, nil
}

// Acquire returns an idle worker, or a new overflow worker while the active
// count is under MaxActive. Otherwise it waits for a release (Block) or fails
// with common.ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, common.ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			w.idle = false
			p.active++
			p.mu.Unlock()
			return w, nil
		}
		if p.active < p.cfg.MaxActive {
			p.nextID++
			w := newWorker(p.nextID, true)
			p.active++
			p.overflow++
			active := p.active
			p.mu.Unlock()
			p.log.Debug("created overflow worker", "worker", w.id, "active", active)
			return w, nil
		}
		if !p.cfg.Block {
			p.mu.Unlock()
			return nil, common.ErrPoolExhausted
		}
		wait := p.released
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Released returns a channel closed at the next release.
func (p *Pool) Released() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Submit assigns j to w and runs it on its own goroutine.
func (p *Pool) Submit(w *Worker, j *job.Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return common.ErrPoolClosed
	}
	w.assign(j)
	p.running[j.ID] = w
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(w, j)
	return nil
}

func (p *Pool) run(w *Worker, j *job.Job) {
	defer p.wg.Done()
	defer p.Release(w)

	start := time.Now()
	err := p.execute(w, j)

	// Outcome writes must survive a forced shutdown of baseCtx.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.baseCtx), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if ferr := p.recorder.Finish(ctx, j.ID); ferr != nil {
			p.log.Error("failed to mark job finished", "id", j.ID, "err", ferr)
		}
		p.log.Info("job done", "id", j.ID, "type", j.Type, "worker", w.Name(), "duration", time.Since(start))
	case errors.Is(err, common.ErrInterrupted):
		p.log.Info("job interrupted and requeued", "id", j.ID, "type", j.Type, "worker", w.Name())
	case errors.Is(err, context.Canceled) && p.baseCtx.Err() != nil:
		// Forced shutdown. Startup recovery puts the job back to WAITING.
		p.log.Warn("job abandoned at shutdown", "id", j.ID, "type", j.Type, "worker", w.Name())
	default:
		if rerr := p.recorder.RecordError(ctx, j.ID, job.DetailFromError(err)); rerr != nil {
			p.log.Error("failed to record job error", "id", j.ID, "err", rerr)
		}
		p.log.Error("job failed", "id", j.ID, "type", j.Type, "err", err, "worker", w.Name())
	}
}

func (p *Pool) execute(w *Worker, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return p.handler(p.baseCtx, j, w)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (e *panicError) StackTrace() string { return e.stack }

// Release returns w to the pool. Non-overflow workers are reset and become
// idle; overflow workers are dropped. Releasing a worker that is already back
// is a no-op. After shutdown it only does bookkeeping.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.idle {
		return
	}
	if j := w.Job(); j != nil && p.running[j.ID] == w {
		delete(p.running, j.ID)
	}
	if p.closed {
		return
	}

	p.active--
	w.reset()
	w.idle = true
	if w.overflow {
		p.overflow--
	} else {
		p.idle = append(p.idle, w)
	}
	close(p.released)
	p.released = make(chan struct{})
}

// Interrupt signals the worker running jobID. It reports whether such a
// worker was found.
func (p *Pool) Interrupt(jobID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.running[jobID]
	if ok {
		w.Interrupt()
	}
	return ok
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), Active: p.active, Overflow: p.overflow}
}

// Running returns the names of busy workers.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.running))
	for _, w := range p.running {
		out = append(out, w.Name())
	}
	return out
}

// Shutdown stops accepting work, interrupts running jobs and waits for them
// until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.running {
		w.Interrupt()
	}
	close(p.released)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.cancelBase()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn("worker pool shutdown timed out", "running", len(p.Running()))
		return ctx.Err()
	}
}
