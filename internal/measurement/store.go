package measurement

import (
	"context"
	"encoding/json"
	"fmt"

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

// Replace drops the dataset's measurements and calibration records and writes
// the given ones. Row ids are filled in on ms.
func (s *Store) Replace(ctx context.Context, datasetID int64, ms []Measurement, cals []CalibrationRecord) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM measurements WHERE dataset_id = $1`, datasetID); err != nil {
		return fmt.Errorf("clear measurements: %w", err)
	}
	if _, err := s.q.Exec(ctx, `DELETE FROM calibration_data WHERE dataset_id = $1`, datasetID); err != nil {
		return fmt.Errorf("clear calibration data: %w", err)
	}

	for i := range ms {
		m := &ms[i]
		m.DatasetID = datasetID
		intake, err := json.Marshal(nonNil(m.Intake))
		if err != nil {
			return fmt.Errorf("encode intake values: %w", err)
		}
		eq, err := json.Marshal(nonNil(m.Equilibrator))
		if err != nil {
			return fmt.Errorf("encode equilibrator values: %w", err)
		}
		err = s.q.QueryRow(ctx, `
			INSERT INTO measurements (dataset_id, row_number, date_time, longitude, latitude, run_type, intake, equilibrator)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			datasetID, m.Row, m.Time, m.Longitude, m.Latitude, m.RunType, intake, eq).Scan(&m.ID)
		if err != nil {
			return fmt.Errorf("insert measurement row %d: %w", m.Row, err)
		}
	}

	for i := range cals {
		c := &cals[i]
		c.DatasetID = datasetID
		err := s.q.QueryRow(ctx, `
			INSERT INTO calibration_data (dataset_id, date_time, standard, value)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			datasetID, c.Time, c.Standard, c.Value).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert calibration record: %w", err)
		}
	}
	return nil
}

func nonNil(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// List returns the dataset's measurements ordered by time.
func (s *Store) List(ctx context.Context, datasetID int64) ([]Measurement, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, dataset_id, row_number, date_time, longitude, latitude, run_type,
			intake, equilibrator, shifted_measurement_id
		FROM measurements WHERE dataset_id = $1
		ORDER BY date_time, row_number`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMeasurement(row pgx.Row) (Measurement, error) {
	var m Measurement
	var intake, eq []byte
	err := row.Scan(&m.ID, &m.DatasetID, &m.Row, &m.Time, &m.Longitude, &m.Latitude, &m.RunType,
		&intake, &eq, &m.ShiftedID)
	if err != nil {
		return m, fmt.Errorf("scan measurement: %w", err)
	}
	if err := json.Unmarshal(intake, &m.Intake); err != nil {
		return m, fmt.Errorf("decode intake values: %w", err)
	}
	if err := json.Unmarshal(eq, &m.Equilibrator); err != nil {
		return m, fmt.Errorf("decode equilibrator values: %w", err)
	}
	return m, nil
}

// SetShifted records the alignment partner of a measurement. A nil partner
// clears it.
func (s *Store) SetShifted(ctx context.Context, id int64, partner *int64) error {
	if _, err := s.q.Exec(ctx, `UPDATE measurements SET shifted_measurement_id = $2 WHERE id = $1`, id, partner); err != nil {
		return fmt.Errorf("set shifted measurement: %w", err)
	}
	return nil
}

// Calibrations returns the dataset's calibration records ordered by time.
func (s *Store) Calibrations(ctx context.Context, datasetID int64) ([]CalibrationRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, dataset_id, date_time, standard, value
		FROM calibration_data WHERE dataset_id = $1
		ORDER BY date_time, id`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list calibration data: %w", err)
	}
	defer rows.Close()

	var out []CalibrationRecord
	for rows.Next() {
		var c CalibrationRecord
		if err := rows.Scan(&c.ID, &c.DatasetID, &c.Time, &c.Standard, &c.Value); err != nil {
			return nil, fmt.Errorf("scan calibration record: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
