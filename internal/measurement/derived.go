package measurement

import (
	"context"
	"encoding/json"
	"fmt"
)

// StoreDerived writes the derived values of one measurement, replacing any
// earlier result.
func (s *Store) StoreDerived(ctx context.Context, datasetID, measurementID int64, values map[string]float64) error {
	raw, err := json.Marshal(nonNil(values))
	if err != nil {
		return fmt.Errorf("encode derived values: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO data_reduction (measurement_id, dataset_id, derived)
		VALUES ($1, $2, $3)
		ON CONFLICT (measurement_id) DO UPDATE SET derived = EXCLUDED.derived`,
		measurementID, datasetID, raw)
	if err != nil {
		return fmt.Errorf("store derived values for measurement %d: %w", measurementID, err)
	}
	return nil
}

// Derived returns the derived values of a dataset keyed by measurement id.
func (s *Store) Derived(ctx context.Context, datasetID int64) (map[int64]map[string]float64, error) {
	rows, err := s.q.Query(ctx, `SELECT measurement_id, derived FROM data_reduction WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list derived values: %w", err)
	}
	defer rows.Close()

	out := map[int64]map[string]float64{}
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan derived values: %w", err)
		}
		var v map[string]float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode derived values: %w", err)
		}
		out[id] = v
	}
	return out, rows.Err()
}

// DeleteDerived removes every derived value of the dataset.
func (s *Store) DeleteDerived(ctx context.Context, datasetID int64) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM data_reduction WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return 0, fmt.Errorf("delete derived values: %w", err)
	}
	return tag.RowsAffected(), nil
}
