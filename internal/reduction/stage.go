package reduction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/fedutinova/fluxqc/internal/measurement"
	"github.com/fedutinova/fluxqc/internal/pipeline"
)

// Stage is the data reduction pipeline handler.
type Stage struct {
	db   *database.DB
	calc Calculator
	log  *slog.Logger
}

func NewStage(db *database.DB, calc Calculator, log *slog.Logger) *Stage {
	if calc == nil {
		calc = MeanCalculator{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Stage{db: db, calc: calc, log: log.With("stage", "data_reduction")}
}

func (s *Stage) Execute(ctx context.Context, run *pipeline.Run) error {
	ds := run.Dataset
	instruments := instrument.NewStore(run.Tx)
	measurements := measurement.NewStore(run.Tx)

	inst, err := instruments.Get(ctx, ds.InstrumentID)
	if err != nil {
		return pipeline.StorageError("load instrument", err)
	}
	rows, err := measurements.List(ctx, ds.ID)
	if err != nil {
		return pipeline.StorageError("load measurements", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("dataset %d measurements: %w", ds.ID, common.ErrNotFound)
	}

	aligned := Align(rows, inst.TimeDelay)
	if inst.TimeDelay > 0 {
		for _, a := range aligned {
			if err := measurements.SetShifted(ctx, a.ID, a.ShiftedID); err != nil {
				return pipeline.StorageError("store alignment", err)
			}
		}
	}

	standards, err := instruments.Standards(ctx, inst.ID)
	if err != nil {
		return pipeline.StorageError("load external standards", err)
	}
	set, err := SelectStandards(standards, inst.RequiredStandards, rows[0].Time, rows[len(rows)-1].Time)
	if err != nil {
		return err
	}
	cals, err := measurements.Calibrations(ctx, ds.ID)
	if err != nil {
		return pipeline.StorageError("load calibration data", err)
	}

	for i, a := range aligned {
		if err := run.Checkpoint(); err != nil {
			return err
		}
		values, err := s.calc.Calculate(a, cals, set)
		if err != nil {
			return fmt.Errorf("calculate row %d: %w", a.Row, err)
		}
		if err := measurements.StoreDerived(ctx, ds.ID, a.ID, values); err != nil {
			return pipeline.StorageError("store derived values", err)
		}
		run.Progress(ctx, i+1, len(aligned))
	}

	s.log.Debug("reduced dataset", "dataset", ds.ID, "rows", len(aligned), "standards", set.Types())
	return nil
}

// AfterCommit refreshes planner statistics for the tables the stage filled.
func (s *Stage) AfterCommit(ctx context.Context, _ int64) error {
	return s.db.Analyze(ctx, "measurements", "data_reduction")
}

// Reset deletes the derived values of the dataset.
func (s *Stage) Reset(ctx context.Context, tx database.Tx, datasetID int64) error {
	n, err := measurement.NewStore(tx).DeleteDerived(ctx, datasetID)
	if err != nil {
		return pipeline.StorageError("reset data reduction", err)
	}
	s.log.Debug("reset data reduction", "dataset", datasetID, "rows", n)
	return nil
}
