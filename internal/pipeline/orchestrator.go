package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/dataset"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/fedutinova/fluxqc/internal/pool"
	"github.com/fedutinova/fluxqc/internal/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// outcomeTimeout bounds the writes made after a stage gave up: requeue and
// marking the dataset ERROR.
const outcomeTimeout = 10 * time.Second

// errStaleJob marks a job whose dataset is not in the stage's queued status.
// Such a job fails without touching the dataset.
var errStaleJob = errors.New("dataset not queued for this stage")

// DefaultStages is the extraction, reduction, automatic QC sequence.
func DefaultStages(extraction, reduction, autoQC Handler) []Stage {
	return []Stage{
		{
			Type:       job.TypeDataExtraction,
			Queued:     dataset.StatusWaiting,
			InProgress: dataset.StatusDataExtraction,
			Done:       dataset.StatusWaitingForCalculation,
			Handler:    extraction,
		},
		{
			Type:       job.TypeDataReduction,
			Queued:     dataset.StatusWaitingForCalculation,
			InProgress: dataset.StatusDataReduction,
			Done:       dataset.StatusAutoQC,
			Handler:    reduction,
		},
		{
			Type:       job.TypeAutoQC,
			Queued:     dataset.StatusAutoQC,
			InProgress: dataset.StatusAutoQC,
			Done:       dataset.StatusUserQC,
			Handler:    autoQC,
		},
	}
}

type Orchestrator struct {
	db       *database.DB
	jobs     *job.Store
	datasets *dataset.Store
	notifier queue.Notifier
	stages   []Stage
	log      *slog.Logger
}

// New validates the stage list. notifier may be nil, in which case new jobs
// are only picked up by the dispatcher sweep.
func New(db *database.DB, notifier queue.Notifier, log *slog.Logger, stages ...Stage) (*Orchestrator, error) {
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		db:       db,
		jobs:     job.NewStore(db.Pool()),
		datasets: dataset.NewStore(db.Pool()),
		notifier: notifier,
		stages:   stages,
		log:      log.With("component", "pipeline"),
	}, nil
}

// Stages returns a copy of the configured sequence.
func (o *Orchestrator) Stages() []Stage {
	return append([]Stage(nil), o.stages...)
}

func (o *Orchestrator) index(t job.Type) int {
	for i, s := range o.stages {
		if s.Type == t {
			return i
		}
	}
	return -1
}

// PoolHandler adapts Handle to the worker pool.
func (o *Orchestrator) PoolHandler() pool.Handler {
	return func(ctx context.Context, j *job.Job, w *pool.Worker) error {
		return o.Handle(ctx, j, w)
	}
}

// Handle runs the stage matching j.Type. It returns nil when the stage
// committed, common.ErrInterrupted when the job was rolled back and requeued,
// and a *common.JobExecutionError otherwise.
func (o *Orchestrator) Handle(ctx context.Context, j *job.Job, sig Signal) error {
	idx := o.index(j.Type)
	if idx < 0 {
		return &common.JobExecutionError{
			JobID: j.ID.String(),
			Stage: string(j.Type),
			Cause: common.ValidationError{Field: "type", Message: fmt.Sprintf("no stage handles %q", j.Type)},
		}
	}
	st := o.stages[idx]

	datasetID, err := j.Params.Int64(job.ParamDatasetID)
	if err != nil {
		return o.fail(ctx, j, st, 0, err)
	}

	tx, err := o.db.BeginTx(ctx)
	if err != nil {
		if interrupted(ctx, sig, err) {
			return o.requeue(ctx, j)
		}
		return o.fail(ctx, j, st, datasetID, common.WrapStorage("begin stage", err))
	}
	run := &Run{Job: j, Tx: tx, signal: sig, progress: o.jobs, log: o.log}

	next, err := o.runStage(ctx, idx, datasetID, run)
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			o.log.Error("failed to rollback stage", "id", j.ID, "err", rbErr)
		}
		if interrupted(ctx, sig, err) {
			return o.requeue(ctx, j)
		}
		return o.fail(ctx, j, st, datasetID, err)
	}

	if next != nil {
		o.publish(ctx, next.ID)
	}
	if ac, ok := st.Handler.(AfterCommitter); ok {
		if err := ac.AfterCommit(ctx, datasetID); err != nil {
			o.log.Warn("post-commit maintenance failed", "stage", st.Type, "dataset", datasetID, "err", err)
		}
	}
	o.log.Info("stage committed", "stage", st.Type, "dataset", datasetID, "status", st.Done)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, idx int, datasetID int64, run *Run) (*job.Job, error) {
	st := o.stages[idx]
	datasets := o.datasets.WithTx(run.Tx)
	jobs := o.jobs.WithTx(run.Tx)

	ds, err := datasets.GetForUpdate(ctx, datasetID)
	if err != nil {
		return nil, StorageError("load dataset", err)
	}
	if ds.Status != st.Queued && ds.Status != st.InProgress {
		return nil, fmt.Errorf("%w: dataset %d is %s, %s expects %s", errStaleJob, ds.ID, ds.Status, st.Type, st.Queued)
	}
	if err := datasets.SetStatus(ctx, ds.ID, st.InProgress); err != nil {
		return nil, StorageError("set in-progress status", err)
	}
	ds.Status = st.InProgress
	run.Dataset = ds

	if err := st.Handler.Execute(ctx, run); err != nil {
		return nil, err
	}
	if err := run.Checkpoint(); err != nil {
		return nil, err
	}

	if err := datasets.SetStatus(ctx, ds.ID, st.Done); err != nil {
		return nil, StorageError("advance dataset status", err)
	}
	var next *job.Job
	if idx+1 < len(o.stages) {
		next, err = jobs.Create(ctx, o.stages[idx+1].Type, run.Job.Owner, job.DatasetParams(ds.ID))
		if err != nil {
			return nil, StorageError("create next job", err)
		}
	}
	if err := jobs.Finish(ctx, run.Job.ID); err != nil {
		return nil, StorageError("finish job", err)
	}
	if err := run.Tx.Commit(ctx); err != nil {
		return nil, common.WrapStorage("commit stage", err)
	}
	return next, nil
}

// StorageError leaves domain errors alone and marks everything else as a
// persistence failure. Stage handlers use it on store errors.
func StorageError(op string, err error) error {
	if common.IsNotFound(err) || common.IsValidation(err) || common.IsInvalidStatus(err) || common.IsMissingParameter(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return common.WrapStorage(op, err)
}

// interrupted reports whether a stage error stems from a stop request rather
// than bad data. A cancelled worker context counts: the pool cancels it when
// shutdown runs out of time.
func interrupted(ctx context.Context, sig Signal, err error) bool {
	if errors.Is(err, common.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil || (sig != nil && sig.Interrupted())
}

func (o *Orchestrator) requeue(ctx context.Context, j *job.Job) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	if err := o.jobs.Requeue(wctx, j.ID); err != nil {
		// Startup recovery puts the job back to WAITING if this fails.
		o.log.Error("failed to requeue interrupted job", "id", j.ID, "err", err)
		return common.ErrInterrupted
	}
	o.publish(wctx, j.ID)
	o.log.Info("stage interrupted, job requeued", "id", j.ID, "type", j.Type)
	return common.ErrInterrupted
}

func (o *Orchestrator) fail(ctx context.Context, j *job.Job, st Stage, datasetID int64, cause error) error {
	if datasetID > 0 && !errors.Is(cause, common.ErrDatasetNotFound) && !errors.Is(cause, errStaleJob) {
		o.markError(ctx, datasetID)
	}
	return &common.JobExecutionError{JobID: j.ID.String(), Stage: string(st.Type), Cause: cause}
}

// markError parks the dataset in ERROR in a fresh transaction. The stage
// transaction is gone by now.
func (o *Orchestrator) markError(ctx context.Context, datasetID int64) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	err := o.db.WithTx(wctx, func(tx pgx.Tx) error {
		return o.datasets.WithTx(tx).SetStatus(wctx, datasetID, dataset.StatusError)
	})
	if err != nil {
		o.log.Error("failed to mark dataset as errored", "dataset", datasetID, "err", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, id uuid.UUID) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, id); err != nil {
		o.log.Warn("failed to publish job notification", "id", id, "err", err)
	}
}

// Submit creates the first stage's job for a dataset still in its initial
// status.
func (o *Orchestrator) Submit(ctx context.Context, owner uuid.UUID, datasetID int64) (*job.Job, error) {
	return o.enqueue(ctx, owner, datasetID, 0, false)
}

// Resubmit reruns a dataset from the given stage. In one transaction it
// resets the outputs of that stage and every later one, puts the dataset
// back into the stage's queued status and creates the stage's job. This is
// the only way out of ERROR.
func (o *Orchestrator) Resubmit(ctx context.Context, owner uuid.UUID, datasetID int64, stage job.Type) (*job.Job, error) {
	idx := o.index(stage)
	if idx < 0 {
		return nil, common.ValidationError{Field: "stage", Message: fmt.Sprintf("unknown stage %q", stage)}
	}
	return o.enqueue(ctx, owner, datasetID, idx, true)
}

func (o *Orchestrator) enqueue(ctx context.Context, owner uuid.UUID, datasetID int64, idx int, reset bool) (*job.Job, error) {
	if owner == uuid.Nil {
		return nil, common.MissingParameter("owner")
	}
	st := o.stages[idx]

	var created *job.Job
	err := o.db.WithTx(ctx, func(tx pgx.Tx) error {
		datasets := o.datasets.WithTx(tx)
		jobs := o.jobs.WithTx(tx)

		ds, err := datasets.GetForUpdate(ctx, datasetID)
		if err != nil {
			return err
		}
		active, err := jobs.ActiveForDataset(ctx, ds.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: %s job %s is %s", common.ErrDatasetBusy, active.Type, active.ID, active.Status)
		}

		if !reset {
			if ds.Status != st.Queued {
				return common.InvalidStatus(ds.Status)
			}
		} else {
			if ds.Status != dataset.StatusError && ds.Status < st.Queued {
				return fmt.Errorf("%w: dataset %d has not reached %s", common.ErrInvalidStatus, ds.ID, st.Type)
			}
			for i := len(o.stages) - 1; i >= idx; i-- {
				if err := o.stages[i].Handler.Reset(ctx, tx, ds.ID); err != nil {
					return fmt.Errorf("reset %s: %w", o.stages[i].Type, err)
				}
			}
			if err := datasets.SetStatus(ctx, ds.ID, st.Queued); err != nil {
				return err
			}
		}

		created, err = jobs.Create(ctx, st.Type, owner, job.DatasetParams(ds.ID))
		return err
	})
	if err != nil {
		return nil, err
	}

	o.publish(ctx, created.ID)
	o.log.Info("stage job queued", "id", created.ID, "stage", st.Type, "dataset", datasetID, "reset", reset)
	return created, nil
}
