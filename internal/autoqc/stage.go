package autoqc

import (
	"context"
	"log/slog"
	"maps"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/flag"
	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/fedutinova/fluxqc/internal/measurement"
	"github.com/fedutinova/fluxqc/internal/pipeline"
	"github.com/fedutinova/fluxqc/internal/qc"
	"github.com/fedutinova/fluxqc/internal/reduction"
)

type Stage struct {
	qc       *qc.Manager
	routines *Routines
	log      *slog.Logger
}

func NewStage(manager *qc.Manager, routines *Routines, log *slog.Logger) *Stage {
	if routines == nil {
		routines = Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Stage{qc: manager, routines: routines, log: log.With("stage", "auto_qc")}
}

func (s *Stage) Execute(ctx context.Context, run *pipeline.Run) error {
	ds := run.Dataset
	measurements := measurement.NewStore(run.Tx)
	manager := s.qc.WithTx(run.Tx)

	inst, err := instrument.NewStore(run.Tx).Get(ctx, ds.InstrumentID)
	if err != nil {
		return pipeline.StorageError("load instrument", err)
	}
	rows, err := measurements.List(ctx, ds.ID)
	if err != nil {
		return pipeline.StorageError("load measurements", err)
	}
	if len(rows) == 0 {
		return common.WrapNotFound("measurements", nil)
	}
	derived, err := measurements.Derived(ctx, ds.ID)
	if err != nil {
		return pipeline.StorageError("load derived values", err)
	}

	columns := make(map[string]int, len(inst.Sensors))
	for i, a := range inst.Sensors {
		columns[a.Key()] = i + 1
	}

	// Equilibrator readings are checked on the row they were shifted onto,
	// the same pairing the reduction used.
	aligned := reduction.Align(rows, inst.TimeDelay)
	checker := s.routines.Checker()

	flagged := 0
	for i, m := range aligned {
		if err := run.Checkpoint(); err != nil {
			return err
		}

		values := make(map[string]float64, len(m.Intake)+len(m.EquilibratorAligned)+len(derived[m.ID]))
		maps.Copy(values, m.EquilibratorAligned)
		maps.Copy(values, m.Intake)
		maps.Copy(values, derived[m.ID])

		if err := manager.EnsureRecord(ctx, ds.ID, m.Row, qc.ValueUsedFor(inst, m.Intake, m.EquilibratorAligned)); err != nil {
			return pipeline.StorageError("create qc record", err)
		}
		f, msgs := checker.Check(m.Row, values, columns)
		if err := manager.SetAutomaticFlag(ctx, ds.ID, m.Row, f, msgs); err != nil {
			return pipeline.StorageError("store automatic flag", err)
		}
		if f != flag.Good {
			flagged++
		}
		run.Progress(ctx, i+1, len(rows))
	}

	s.log.Debug("automatic qc done", "dataset", ds.ID, "rows", len(rows), "flagged", flagged)
	return nil
}

// Reset removes every QC record of the dataset.
func (s *Stage) Reset(ctx context.Context, tx database.Tx, datasetID int64) error {
	if err := s.qc.WithTx(tx).Clear(ctx, datasetID); err != nil {
		return pipeline.StorageError("reset automatic qc", err)
	}
	return nil
}
