package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/jackc/pgx/v5"
)

type Store struct {
	q database.Querier
}

func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) WithTx(tx database.Tx) *Store {
	return &Store{q: tx}
}

const datasetColumns = `id, instrument_id, name, start_time, end_time, status, properties, last_touched`

func scanDataset(row pgx.Row) (*Dataset, error) {
	var d Dataset
	var props []byte
	if err := row.Scan(&d.ID, &d.InstrumentID, &d.Name, &d.Start, &d.End, &d.Status, &props, &d.LastTouched); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(props, &d.Properties); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if d.Properties == nil {
		d.Properties = map[string]string{}
	}
	return &d, nil
}

// Create inserts a dataset in WAITING.
func (s *Store) Create(ctx context.Context, d *Dataset) error {
	if d.Name == "" {
		return common.MissingParameter("name")
	}
	if d.Properties == nil {
		d.Properties = map[string]string{}
	}
	props, err := json.Marshal(d.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	d.Status = StatusWaiting

	err = s.q.QueryRow(ctx, `
		INSERT INTO datasets (instrument_id, name, start_time, end_time, status, properties, last_touched)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, last_touched`,
		d.InstrumentID, d.Name, d.Start, d.End, int(d.Status), props).Scan(&d.ID, &d.LastTouched)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

// Get returns the dataset or common.ErrDatasetNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Dataset, error) {
	d, err := scanDataset(s.q.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dataset %d: %w", id, common.ErrDatasetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return d, nil
}

// GetForUpdate is Get with a row lock held until the surrounding transaction
// ends. Only meaningful on a transaction-bound store.
func (s *Store) GetForUpdate(ctx context.Context, id int64) (*Dataset, error) {
	d, err := scanDataset(s.q.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dataset %d: %w", id, common.ErrDatasetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock dataset: %w", err)
	}
	return d, nil
}

// SetStatus validates and persists a status change and touches the dataset.
func (s *Store) SetStatus(ctx context.Context, id int64, status Status) error {
	if err := ValidateStatus(status); err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `UPDATE datasets SET status = $2, last_touched = $3 WHERE id = $1`, id, int(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set dataset status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dataset %d: %w", id, common.ErrDatasetNotFound)
	}
	return nil
}

// SetProperty stores a single property value.
func (s *Store) SetProperty(ctx context.Context, id int64, key, value string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE datasets SET properties = properties || jsonb_build_object($2::text, $3::text), last_touched = NOW()
		WHERE id = $1`, id, key, value)
	if err != nil {
		return fmt.Errorf("set dataset property: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dataset %d: %w", id, common.ErrDatasetNotFound)
	}
	return nil
}

// AppendFile adds a storage key to the files property. Files can only be
// added while the dataset is still waiting for extraction.
func (s *Store) AppendFile(ctx context.Context, id int64, key string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE datasets SET properties = properties || jsonb_build_object($2::text,
			CASE WHEN COALESCE(properties->>$2, '') = '' THEN $3::text
			     ELSE (properties->>$2) || ',' || $3::text END),
			last_touched = NOW()
		WHERE id = $1 AND status = $4`, id, PropertyFiles, key, int(StatusWaiting))
	if err != nil {
		return fmt.Errorf("append dataset file: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: dataset %d is %s", common.ErrInvalidStatus, id, d.Status)
}
