package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu       sync.Mutex
	finished []uuid.UUID
	errors   map[uuid.UUID]job.ErrorDetail
	done     chan uuid.UUID
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{errors: map[uuid.UUID]job.ErrorDetail{}, done: make(chan uuid.UUID, 64)}
}

func (r *fakeRecorder) Finish(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	r.finished = append(r.finished, id)
	r.mu.Unlock()
	r.done <- id
	return nil
}

func (r *fakeRecorder) RecordError(_ context.Context, id uuid.UUID, d job.ErrorDetail) error {
	r.mu.Lock()
	r.errors[id] = d
	r.mu.Unlock()
	r.done <- id
	return nil
}

func newJob() *job.Job {
	return &job.Job{ID: uuid.New(), Type: job.TypeDataReduction, Status: job.StatusRunning}
}

func waitIdle(t *testing.T, p *Pool, idle int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Idle == idle && s.Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	assert.ErrorIs(t, Config{Size: 0, MaxActive: 1}.Validate(), common.ErrValidation)
	assert.ErrorIs(t, Config{Size: 3, MaxActive: 2}.Validate(), common.ErrValidation)
	assert.NoError(t, Config{Size: 2, MaxActive: 2}.Validate())
}

func TestAcquireOverflowAndExhaustion(t *testing.T) {
	p, err := New(Config{Size: 2, MaxActive: 3}, nil, newFakeRecorder(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, a.Overflow())
	assert.False(t, b.Overflow())
	assert.NotSame(t, a, b)

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, c.Overflow())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, common.ErrPoolExhausted)
	assert.Equal(t, Stats{Idle: 0, Active: 3, Overflow: 1}, p.Stats())

	p.Release(c)
	assert.Equal(t, Stats{Idle: 0, Active: 2, Overflow: 0}, p.Stats())
	p.Release(a)
	p.Release(b)
	assert.Equal(t, Stats{Idle: 2, Active: 0, Overflow: 0}, p.Stats())
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p, err := New(Config{Size: 1, MaxActive: 1, Block: true}, nil, newFakeRecorder(), nil)
	require.NoError(t, err)

	w, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Worker, 1)
	go func() {
		w2, err := p.Acquire(context.Background())
		if err == nil {
			got <- w2
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire returned before release")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(w)
	select {
	case w2 := <-got:
		assert.Same(t, w, w2)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitOutcomes(t *testing.T) {
	rec := newFakeRecorder()
	failing := errors.New("calculator exploded")
	outcome := map[uuid.UUID]func() error{}
	var mu sync.Mutex

	handler := func(ctx context.Context, j *job.Job, w *Worker) error {
		mu.Lock()
		f := outcome[j.ID]
		mu.Unlock()
		return f()
	}
	p, err := New(Config{Size: 1, MaxActive: 4}, handler, rec, nil)
	require.NoError(t, err)

	ok, bad, boom, interrupted := newJob(), newJob(), newJob(), newJob()
	mu.Lock()
	outcome[ok.ID] = func() error { return nil }
	outcome[bad.ID] = func() error { return failing }
	outcome[boom.ID] = func() error { panic("nil calibration") }
	outcome[interrupted.ID] = func() error { return fmt.Errorf("stage: %w", common.ErrInterrupted) }
	mu.Unlock()

	for _, j := range []*job.Job{ok, bad, boom, interrupted} {
		w, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.NoError(t, p.Submit(w, j))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-rec.done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for job outcomes")
		}
	}
	waitIdle(t, p, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []uuid.UUID{ok.ID}, rec.finished)
	assert.Equal(t, "calculator exploded", rec.errors[bad.ID].Message)
	assert.Contains(t, rec.errors[boom.ID].Message, "nil calibration")
	assert.Contains(t, rec.errors[boom.ID].Trace, "goroutine")
	_, recorded := rec.errors[interrupted.ID]
	assert.False(t, recorded)
}

func TestWorkerNameAndReset(t *testing.T) {
	rec := newFakeRecorder()
	started := make(chan *Worker, 1)
	release := make(chan struct{})
	handler := func(ctx context.Context, j *job.Job, w *Worker) error {
		started <- w
		<-release
		return nil
	}
	p, err := New(Config{Size: 1, MaxActive: 2}, handler, rec, nil)
	require.NoError(t, err)

	j := newJob()
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IdleName, w.Name())
	require.NoError(t, p.Submit(w, j))

	running := <-started
	assert.Equal(t, "JOB_"+j.ID.String(), running.Name())
	assert.Equal(t, []string{"JOB_" + j.ID.String()}, p.Running())

	close(release)
	<-rec.done
	waitIdle(t, p, 1)
	assert.Equal(t, IdleName, w.Name())
	assert.Nil(t, w.Job())
}

func TestOverflowWorkerIsDiscarded(t *testing.T) {
	rec := newFakeRecorder()
	p, err := New(Config{Size: 1, MaxActive: 2}, func(context.Context, *job.Job, *Worker) error { return nil }, rec, nil)
	require.NoError(t, err)

	fixed, err := p.Acquire(context.Background())
	require.NoError(t, err)
	over, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, over.Overflow())

	require.NoError(t, p.Submit(over, newJob()))
	<-rec.done
	require.Eventually(t, func() bool { return p.Stats().Active == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Stats{Idle: 0, Active: 1, Overflow: 0}, p.Stats())

	p.Release(fixed)
	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, fixed, again)
}

func TestInterruptAndShutdown(t *testing.T) {
	rec := newFakeRecorder()
	started := make(chan struct{})
	handler := func(ctx context.Context, j *job.Job, w *Worker) error {
		close(started)
		for !w.Interrupted() {
			time.Sleep(time.Millisecond)
		}
		return common.ErrInterrupted
	}
	p, err := New(Config{Size: 1, MaxActive: 1}, handler, rec, nil)
	require.NoError(t, err)

	j := newJob()
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Submit(w, j))
	<-started

	assert.False(t, p.Interrupt(uuid.New()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	// Release after shutdown leaves the pool untouched.
	before := p.Stats()
	p.Release(w)
	assert.Equal(t, before, p.Stats())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, common.ErrPoolClosed)
	assert.ErrorIs(t, p.Submit(w, newJob()), common.ErrPoolClosed)
}

func TestConcurrentAcquireNeverSharesWorkers(t *testing.T) {
	p, err := New(Config{Size: 4, MaxActive: 8, Block: true}, nil, newFakeRecorder(), nil)
	require.NoError(t, err)

	var mu sync.Mutex
	inUse := map[*Worker]bool{}
	var wg sync.WaitGroup
	errs := make(chan error, 32)

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				w, err := p.Acquire(context.Background())
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if inUse[w] {
					mu.Unlock()
					errs <- fmt.Errorf("worker %d handed out twice", w.ID())
					return
				}
				inUse[w] = true
				mu.Unlock()

				mu.Lock()
				delete(inUse, w)
				mu.Unlock()
				p.Release(w)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	s := p.Stats()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 4, s.Idle)
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	p, err := New(Config{Size: 1, MaxActive: 1}, nil, newFakeRecorder(), nil)
	require.NoError(t, err)

	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(w)
	p.Release(w)
	assert.Equal(t, Stats{Idle: 1, Active: 0, Overflow: 0}, p.Stats())

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, w, again)
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, common.ErrPoolExhausted)
}

func TestReleaseOverflowTwiceKeepsCeiling(t *testing.T) {
	p, err := New(Config{Size: 1, MaxActive: 2}, nil, newFakeRecorder(), nil)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
	over, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, over.Overflow())

	p.Release(over)
	p.Release(over)
	assert.Equal(t, Stats{Idle: 0, Active: 1, Overflow: 0}, p.Stats())

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, common.ErrPoolExhausted)
}

func TestInterruptAfterReleaseMissesNextJob(t *testing.T) {
	rec := newFakeRecorder()
	p, err := New(Config{Size: 1, MaxActive: 1}, func(context.Context, *job.Job, *Worker) error { return nil }, rec, nil)
	require.NoError(t, err)

	first := newJob()
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Submit(w, first))
	<-rec.done
	waitIdle(t, p, 1)

	assert.False(t, p.Interrupt(first.ID))

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, w, again)
	second := newJob()
	again.assign(second)
	assert.False(t, again.Interrupted())
}

func TestForcedShutdownDoesNotRecordFailure(t *testing.T) {
	rec := newFakeRecorder()
	started := make(chan struct{})
	returned := make(chan error, 1)
	handler := func(ctx context.Context, j *job.Job, w *Worker) error {
		close(started)
		<-ctx.Done()
		returned <- ctx.Err()
		return fmt.Errorf("write measurements: %w", ctx.Err())
	}
	p, err := New(Config{Size: 1, MaxActive: 1}, handler, rec, nil)
	require.NoError(t, err)

	j := newJob()
	w, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Submit(w, j))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
	require.Eventually(t, func() bool { return len(p.Running()) == 0 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.errors)
	assert.Empty(t, rec.finished)
}
