package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/database/dbtest"
	"github.com/fedutinova/fluxqc/internal/dataset"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/fedutinova/fluxqc/internal/pipeline"
	"github.com/fedutinova/fluxqc/internal/queue"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler marks the dataset from inside the stage transaction so tests
// can tell whether the stage's writes survived.
type stubHandler struct {
	mu     sync.Mutex
	err    error
	resets []int64
	after  int
}

func (h *stubHandler) Execute(ctx context.Context, run *pipeline.Run) error {
	if err := dataset.NewStore(run.Tx).SetProperty(ctx, run.Dataset.ID, "touched_by", string(run.Job.Type)); err != nil {
		return err
	}
	run.Progress(ctx, 1, 2)
	return h.err
}

func (h *stubHandler) Reset(_ context.Context, _ database.Tx, datasetID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets = append(h.resets, datasetID)
	return nil
}

func (h *stubHandler) AfterCommit(context.Context, int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after++
	return errors.New("analyze unavailable")
}

// recordingNotifier keeps every published id.
type recordingNotifier struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (n *recordingNotifier) Publish(_ context.Context, id uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return nil
}

func (n *recordingNotifier) Subscribe(ctx context.Context, _ func(uuid.UUID)) error {
	<-ctx.Done()
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) published() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uuid.UUID(nil), n.ids...)
}

type signal bool

func (s signal) Interrupted() bool { return bool(s) }

type fixture struct {
	db       *database.DB
	orch     *pipeline.Orchestrator
	jobs     *job.Store
	datasets *dataset.Store
	handlers [3]*stubHandler
	notes    *recordingNotifier
	owner    uuid.UUID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Setup(t)
	f := &fixture{
		db:       db,
		jobs:     job.NewStore(db.Pool()),
		datasets: dataset.NewStore(db.Pool()),
		notes:    &recordingNotifier{},
		owner:    uuid.New(),
	}
	for i := range f.handlers {
		f.handlers[i] = &stubHandler{}
	}

	var notifier queue.Notifier = f.notes
	orch, err := pipeline.New(db, notifier, nil, pipeline.DefaultStages(f.handlers[0], f.handlers[1], f.handlers[2])...)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) dataset(t *testing.T, status dataset.Status) int64 {
	inst := dbtest.SeedInstrument(t, f.db, "ship-"+uuid.NewString()[:8], 0, nil)
	return dbtest.SeedDataset(t, f.db, inst, "leg", int(status), time.Now().Add(-time.Hour), time.Now())
}

func (f *fixture) claim(t *testing.T) *job.Job {
	j, err := f.jobs.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func (f *fixture) assertPublished(t *testing.T, id uuid.UUID) {
	t.Helper()
	assert.Contains(t, f.notes.published(), id)
}

func TestHandleAdvancesAndQueuesNextStage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusWaiting)

	first, err := f.orch.Submit(ctx, f.owner, ds)
	require.NoError(t, err)
	f.assertPublished(t, first.ID)

	j := f.claim(t)
	require.Equal(t, first.ID, j.ID)
	require.NoError(t, f.orch.Handle(ctx, j, signal(false)))

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusWaitingForCalculation, got.Status)
	assert.Equal(t, string(job.TypeDataExtraction), got.Properties["touched_by"])

	done, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFinished, done.Status)
	assert.Equal(t, 100.0, done.Progress)

	next, err := f.jobs.ActiveForDataset(ctx, ds)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.TypeDataReduction, next.Type)
	assert.Equal(t, job.StatusWaiting, next.Status)
	assert.Equal(t, f.owner, next.Owner)
	assert.Equal(t, job.DatasetParams(ds), next.Params)
	f.assertPublished(t, next.ID)

	assert.Equal(t, 1, f.handlers[0].after, "after-commit failure is not fatal")
}

func TestFullSequenceEndsReadyForReview(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusWaiting)

	_, err := f.orch.Submit(ctx, f.owner, ds)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, f.orch.Handle(ctx, f.claim(t), signal(false)))
	}

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusUserQC, got.Status)

	active, err := f.jobs.ActiveForDataset(ctx, ds)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestInterruptedStageRollsBackAndRequeues(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusWaitingForCalculation)
	created, err := f.jobs.Create(ctx, job.TypeDataReduction, f.owner, job.DatasetParams(ds))
	require.NoError(t, err)

	j := f.claim(t)
	err = f.orch.Handle(ctx, j, signal(true))
	assert.ErrorIs(t, err, common.ErrInterrupted)

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusWaitingForCalculation, got.Status)
	assert.NotContains(t, got.Properties, "touched_by")

	requeued, err := f.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, requeued.Status)
	assert.Equal(t, created.Params, requeued.Params)

	active, err := f.jobs.ActiveForDataset(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID, "no next-stage job may exist")
	f.assertPublished(t, created.ID)
}

func TestCancelledStageIsRequeuedNotFailed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusWaitingForCalculation)
	f.handlers[1].err = fmt.Errorf("write measurements: %w", context.Canceled)

	created, err := f.jobs.Create(ctx, job.TypeDataReduction, f.owner, job.DatasetParams(ds))
	require.NoError(t, err)
	err = f.orch.Handle(ctx, f.claim(t), signal(false))
	assert.ErrorIs(t, err, common.ErrInterrupted)
	assert.NotErrorIs(t, err, common.ErrJobExecution)

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusWaitingForCalculation, got.Status)
	assert.NotContains(t, got.Properties, "touched_by")

	requeued, err := f.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, requeued.Status)
}

func TestHandleWithCancelledContextRequeues(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusWaitingForCalculation)
	created, err := f.jobs.Create(ctx, job.TypeDataReduction, f.owner, job.DatasetParams(ds))
	require.NoError(t, err)
	j := f.claim(t)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = f.orch.Handle(cancelled, j, signal(false))
	assert.ErrorIs(t, err, common.ErrInterrupted)

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusWaitingForCalculation, got.Status)

	requeued, err := f.jobs.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusWaiting, requeued.Status)
}

func TestFailedStageParksDatasetInError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusWaitingForCalculation)
	f.handlers[1].err = common.ErrCalibrationIncomplete

	_, err := f.jobs.Create(ctx, job.TypeDataReduction, f.owner, job.DatasetParams(ds))
	require.NoError(t, err)
	err = f.orch.Handle(ctx, f.claim(t), signal(false))

	var jee *common.JobExecutionError
	require.ErrorAs(t, err, &jee)
	assert.Equal(t, string(job.TypeDataReduction), jee.Stage)
	assert.ErrorIs(t, err, common.ErrCalibrationIncomplete)

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusError, got.Status)
	assert.NotContains(t, got.Properties, "touched_by")
}

func TestHandleMissingDataset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.jobs.Create(ctx, job.TypeAutoQC, f.owner, job.DatasetParams(987654))
	require.NoError(t, err)

	err = f.orch.Handle(ctx, f.claim(t), signal(false))
	assert.ErrorIs(t, err, common.ErrJobExecution)
	assert.ErrorIs(t, err, common.ErrDatasetNotFound)
}

func TestStaleJobLeavesDatasetAlone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusUserQC)
	_, err := f.jobs.Create(ctx, job.TypeDataReduction, f.owner, job.DatasetParams(ds))
	require.NoError(t, err)

	err = f.orch.Handle(ctx, f.claim(t), signal(false))
	assert.ErrorIs(t, err, common.ErrJobExecution)

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusUserQC, got.Status)
}

func TestSubmitRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	busy := f.dataset(t, dataset.StatusWaiting)
	_, err := f.orch.Submit(ctx, f.owner, busy)
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, f.owner, busy)
	assert.ErrorIs(t, err, common.ErrDatasetBusy)

	later := f.dataset(t, dataset.StatusAutoQC)
	_, err = f.orch.Submit(ctx, f.owner, later)
	assert.ErrorIs(t, err, common.ErrInvalidStatus)

	_, err = f.orch.Submit(ctx, uuid.Nil, later)
	assert.ErrorIs(t, err, common.ErrMissingParameter)

	_, err = f.orch.Submit(ctx, f.owner, 424242)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestResubmitFromError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ds := f.dataset(t, dataset.StatusError)

	j, err := f.orch.Resubmit(ctx, f.owner, ds, job.TypeDataReduction)
	require.NoError(t, err)
	assert.Equal(t, job.TypeDataReduction, j.Type)

	assert.Empty(t, f.handlers[0].resets, "earlier stage outputs are kept")
	assert.Equal(t, []int64{ds}, f.handlers[1].resets)
	assert.Equal(t, []int64{ds}, f.handlers[2].resets)

	got, err := f.datasets.Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusWaitingForCalculation, got.Status)

	_, err = f.orch.Resubmit(ctx, f.owner, ds, job.TypeAutoQC)
	assert.ErrorIs(t, err, common.ErrDatasetBusy)

	_, err = f.orch.Resubmit(ctx, f.owner, ds, "calibration")
	assert.ErrorIs(t, err, common.ErrValidation)

	fresh := f.dataset(t, dataset.StatusWaiting)
	_, err = f.orch.Resubmit(ctx, f.owner, fresh, job.TypeAutoQC)
	assert.ErrorIs(t, err, common.ErrInvalidStatus)
}
