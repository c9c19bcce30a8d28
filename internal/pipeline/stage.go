// Package pipeline runs a dataset through its fixed sequence of stages. Each
// stage runs in one transaction that also advances the dataset status and
// creates the next stage's job, so a dataset is never left in an intermediate
// status without a job to move it on.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/dataset"
	"github.com/fedutinova/fluxqc/internal/job"
)

// Signal is the interruption flag of the worker running a job.
type Signal interface {
	Interrupted() bool
}

// Handler is the computation of one stage.
type Handler interface {
	// Execute performs the stage for run.Dataset inside run.Tx. It should poll
	// run.Interrupted between units of work and return common.ErrInterrupted
	// when set.
	Execute(ctx context.Context, run *Run) error
	// Reset removes everything Execute produced for the dataset.
	Reset(ctx context.Context, tx database.Tx, datasetID int64) error
}

// AfterCommitter is implemented by handlers with best-effort work to do once
// the stage has committed.
type AfterCommitter interface {
	AfterCommit(ctx context.Context, datasetID int64) error
}

// Stage binds a job type to its handler and the dataset statuses around it.
type Stage struct {
	Type job.Type
	// Queued is the dataset status while the stage's job waits.
	Queued dataset.Status
	// InProgress is written as the first step of the stage transaction.
	InProgress dataset.Status
	// Done is written on success. It equals the next stage's Queued status.
	Done    dataset.Status
	Handler Handler
}

// Run is the per-job context handed to a stage handler.
type Run struct {
	Job     *job.Job
	Dataset *dataset.Dataset
	Tx      database.Tx

	signal   Signal
	progress *job.Store
	log      *slog.Logger
	lastPct  int
}

// Interrupted reports whether the worker was asked to stop.
func (r *Run) Interrupted() bool {
	return r.signal != nil && r.signal.Interrupted()
}

// Progress records done/total on the job outside the stage transaction so
// readers see it while the stage runs. Writes happen once per whole percent.
func (r *Run) Progress(ctx context.Context, done, total int) {
	if r.progress == nil || total <= 0 {
		return
	}
	pct := int(math.Floor(float64(done) * 100 / float64(total)))
	if pct > 100 {
		pct = 100
	}
	if pct <= r.lastPct {
		return
	}
	r.lastPct = pct
	if err := r.progress.SetProgress(ctx, r.Job.ID, float64(pct)); err != nil {
		r.log.Warn("failed to record job progress", "id", r.Job.ID, "progress", pct, "err", err)
	}
}

// Checkpoint returns common.ErrInterrupted once the worker was interrupted.
func (r *Run) Checkpoint() error {
	if r.Interrupted() {
		return common.ErrInterrupted
	}
	return nil
}

func validateStages(stages []Stage) error {
	if len(stages) == 0 {
		return common.MissingParameter("stages")
	}
	seen := make(map[job.Type]struct{}, len(stages))
	for i, s := range stages {
		if s.Type == "" || s.Handler == nil {
			return common.ValidationError{Field: "stages", Message: fmt.Sprintf("stage %d needs a type and a handler", i)}
		}
		if _, dup := seen[s.Type]; dup {
			return common.ValidationError{Field: "stages", Message: fmt.Sprintf("duplicate stage %s", s.Type)}
		}
		seen[s.Type] = struct{}{}
		for _, st := range []dataset.Status{s.Queued, s.InProgress, s.Done} {
			if err := dataset.ValidateStatus(st); err != nil {
				return err
			}
		}
		if i > 0 && stages[i-1].Done != s.Queued {
			return common.ValidationError{Field: "stages", Message: fmt.Sprintf("%s is queued in %s but %s finishes in %s",
				s.Type, s.Queued, stages[i-1].Type, stages[i-1].Done)}
		}
	}
	return nil
}
