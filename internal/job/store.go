package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store persists job records. It runs against the pool or, via WithTx,
// inside a caller's transaction.
type Store struct {
	q database.Querier
}

func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx database.Tx) *Store {
	return &Store{q: tx}
}

const jobColumns = `id, type, owner, status, parameters, progress,
	COALESCE(error_message, ''), COALESCE(stack_trace, ''),
	created_at, started_at, ended_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var params []byte
	err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Owner,
		&j.Status,
		&params,
		&j.Progress,
		&j.ErrorMessage,
		&j.StackTrace,
		&j.CreatedAt,
		&j.StartedAt,
		&j.EndedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &j.Params); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return &j, nil
}

// Create inserts a new WAITING job.
func (s *Store) Create(ctx context.Context, typ Type, owner uuid.UUID, params Params) (*Job, error) {
	if typ == "" {
		return nil, common.MissingParameter("type")
	}
	if owner == uuid.Nil {
		return nil, common.MissingParameter("owner")
	}
	if params == nil {
		params = Params{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	query := `
		INSERT INTO jobs (id, type, owner, status, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING ` + jobColumns

	j, err := scanJob(s.q.QueryRow(ctx, query, uuid.New(), typ, owner, StatusWaiting, raw))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// Get returns the job with id or common.ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListByOwner returns the owner's most recent jobs.
func (s *Store) ListByOwner(ctx context.Context, owner uuid.UUID, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrJobNotFound
	}
	return nil
}

// SetStatus moves a job to status, stamping start and end times as the
// status implies.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	return s.exec(ctx, "set job status", `
		UPDATE jobs SET
			status = $2,
			started_at = CASE WHEN $2 = 'RUNNING' THEN NOW() ELSE started_at END,
			ended_at = CASE WHEN $2 IN ('FINISHED', 'ERROR') THEN NOW() ELSE ended_at END,
			updated_at = NOW()
		WHERE id = $1`, id, status)
}

// RecordError marks the job ERROR and stores the failure detail.
func (s *Store) RecordError(ctx context.Context, id uuid.UUID, detail ErrorDetail) error {
	return s.exec(ctx, "record job error", `
		UPDATE jobs SET status = $2, error_message = $3, stack_trace = $4,
			ended_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, StatusError, detail.Message, detail.Trace)
}

// Requeue puts the job back to WAITING. Parameters are left as they are.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "requeue job", `
		UPDATE jobs SET status = $2, progress = 0, started_at = NULL, ended_at = NULL, updated_at = NOW()
		WHERE id = $1`, id, StatusWaiting)
}

// Finish marks a RUNNING job FINISHED. Finishing a job that already left
// RUNNING is a no-op.
func (s *Store) Finish(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = 100, ended_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`, id, StatusFinished, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// SetProgress records completion percentage in [0, 100].
func (s *Store) SetProgress(ctx context.Context, id uuid.UUID, pct float64) error {
	if pct < 0 || pct > 100 {
		return common.ValidationError{Field: "progress", Message: fmt.Sprintf("%.2f outside 0-100", pct)}
	}
	return s.exec(ctx, "set job progress", `UPDATE jobs SET progress = $2, updated_at = NOW() WHERE id = $1`, id, pct)
}

// ClaimNext moves the oldest WAITING job to RUNNING and returns it. It returns
// nil, nil when nothing is waiting. Concurrent claimers never receive the same
// job.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	query := `
		UPDATE jobs SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	j, err := scanJob(s.q.QueryRow(ctx, query, StatusRunning, StatusWaiting))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// ActiveForDataset returns the WAITING or RUNNING job working on the dataset,
// or nil when there is none.
func (s *Store) ActiveForDataset(ctx context.Context, datasetID int64) (*Job, error) {
	match, err := json.Marshal(DatasetParams(datasetID))
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	j, err := scanJob(s.q.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE parameters @> $1::jsonb AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1`, string(match), StatusWaiting, StatusRunning))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

// RecoverInterrupted requeues every RUNNING job. Only valid at startup of the
// single process that owns the pool.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE jobs SET status = $1, progress = 0, started_at = NULL, updated_at = NOW()
		WHERE status = $2`, StatusWaiting, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
