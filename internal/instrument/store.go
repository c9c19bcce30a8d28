package instrument

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

var ErrInstrumentNotFound = fmt.Errorf("instrument %w", common.ErrNotFound)

type Store struct {
	q database.Querier
}

func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) WithTx(tx database.Tx) *Store {
	return &Store{q: tx}
}

func (s *Store) Create(ctx context.Context, inst *Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	sensors, err := json.Marshal(inst.Sensors)
	if err != nil {
		return fmt.Errorf("encode sensors: %w", err)
	}
	if inst.RequiredStandards == nil {
		inst.RequiredStandards = []string{}
	}
	err = s.q.QueryRow(ctx, `
		INSERT INTO instruments (name, owner, time_delay_seconds, sensor_assignments, required_standards)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		inst.Name, inst.Owner, int(inst.TimeDelay/time.Second), sensors, inst.RequiredStandards).Scan(&inst.ID)
	if err != nil {
		return fmt.Errorf("create instrument: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Instrument, error) {
	var inst Instrument
	var delay int
	var sensors []byte
	err := s.q.QueryRow(ctx, `
		SELECT id, name, owner, time_delay_seconds, sensor_assignments, required_standards
		FROM instruments WHERE id = $1`, id).
		Scan(&inst.ID, &inst.Name, &inst.Owner, &delay, &sensors, &inst.RequiredStandards)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInstrumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument: %w", err)
	}
	if err := json.Unmarshal(sensors, &inst.Sensors); err != nil {
		return nil, fmt.Errorf("decode sensors: %w", err)
	}
	inst.TimeDelay = time.Duration(delay) * time.Second
	return &inst, nil
}

func (s *Store) AddStandard(ctx context.Context, std *ExternalStandard) error {
	if std.Standard == "" {
		return common.MissingParameter("standard")
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO external_standards (instrument_id, standard, deployed_at, concentration)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		std.InstrumentID, std.Standard, std.DeployedAt, std.Concentration).Scan(&std.ID)
	if err != nil {
		return fmt.Errorf("add external standard: %w", err)
	}
	return nil
}

// Standards returns every standard deployment of the instrument ordered by
// deployment time.
func (s *Store) Standards(ctx context.Context, instrumentID int64) ([]ExternalStandard, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, instrument_id, standard, deployed_at, concentration
		FROM external_standards WHERE instrument_id = $1
		ORDER BY deployed_at, id`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list external standards: %w", err)
	}
	defer rows.Close()

	var out []ExternalStandard
	for rows.Next() {
		var std ExternalStandard
		if err := rows.Scan(&std.ID, &std.InstrumentID, &std.Standard, &std.DeployedAt, &std.Concentration); err != nil {
			return nil, fmt.Errorf("scan external standard: %w", err)
		}
		out = append(out, std)
	}
	return out, rows.Err()
}
