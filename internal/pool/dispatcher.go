package pool

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/robfig/cron/v3"
)

// Claimer hands out the next WAITING job, already marked RUNNING. It returns
// nil, nil when there is nothing to do.
type Claimer interface {
	ClaimNext(ctx context.Context) (*job.Job, error)
}

// Dispatcher feeds the pool from the job table. It drains waiting jobs when
// notified and on a cron sweep, so a lost notification only delays a job.
type Dispatcher struct {
	pool    *Pool
	claimer Claimer
	sweep   string
	wake    chan struct{}
	log     *slog.Logger
}

// NewDispatcher builds a dispatcher. sweep is a cron spec such as "@every 30s".
func NewDispatcher(p *Pool, claimer Claimer, sweep string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		pool:    p,
		claimer: claimer,
		sweep:   sweep,
		wake:    make(chan struct{}, 1),
		log:     log,
	}
}

// Notify wakes the dispatcher. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled or the pool is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(d.sweep, d.Notify); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	d.Notify()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}
		if err := d.drain(ctx); err != nil {
			if errors.Is(err, common.ErrPoolClosed) || ctx.Err() != nil {
				return nil
			}
			d.log.Error("dispatch failed", "err", err)
		}
	}
}

// drain submits waiting jobs until none are left or the pool refuses work.
func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		released := d.pool.Released()
		w, err := d.pool.Acquire(ctx)
		if errors.Is(err, common.ErrPoolExhausted) {
			select {
			case <-released:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}

		j, err := d.claimer.ClaimNext(ctx)
		if err != nil {
			d.pool.Release(w)
			return err
		}
		if j == nil {
			d.pool.Release(w)
			return nil
		}

		if err := d.pool.Submit(w, j); err != nil {
			d.pool.Release(w)
			return err
		}
		d.log.Debug("job dispatched", "id", j.ID, "type", j.Type, "worker", w.Name(), "overflow", w.Overflow())
	}
}
