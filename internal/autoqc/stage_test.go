package autoqc_test

import (
	"context"
	"testing"
	"time"

	"github.com/fedutinova/fluxqc/internal/autoqc"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/database/dbtest"
	"github.com/fedutinova/fluxqc/internal/dataset"
	"github.com/fedutinova/fluxqc/internal/flag"
	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/fedutinova/fluxqc/internal/measurement"
	"github.com/fedutinova/fluxqc/internal/pipeline"
	"github.com/fedutinova/fluxqc/internal/qc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nop struct{}

func (nop) Execute(context.Context, *pipeline.Run) error    { return nil }
func (nop) Reset(context.Context, database.Tx, int64) error { return nil }

type signal bool

func (s signal) Interrupted() bool { return bool(s) }

const routines = `
routines:
  - type: range
    value: intake_temperature_1
    min: -2
    max: 35
    flag: BAD
  - type: range
    value: delta_temperature
    min: -1
    max: 1
    flag: QUESTIONABLE
`

func TestAutoQCFlagsRows(t *testing.T) {
	db := dbtest.Setup(t)
	ctx := context.Background()
	owner := uuid.New()

	r, err := autoqc.Parse([]byte(routines))
	require.NoError(t, err)
	manager := qc.NewManager(db)
	orch, err := pipeline.New(db, nil, nil, pipeline.DefaultStages(nop{}, nop{}, autoqc.NewStage(manager, r, nil))...)
	require.NoError(t, err)

	inst := &instrument.Instrument{
		Name:  "qc-ship",
		Owner: owner,
		Sensors: []instrument.SensorAssignment{
			{Column: "SST", Type: instrument.IntakeTemperature, Index: 1},
			{Column: "Sal2", Type: instrument.Salinity, Index: 2},
		},
	}
	require.NoError(t, instrument.NewStore(db.Pool()).Create(ctx, inst))
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ds := dbtest.SeedDataset(t, db, inst.ID, "leg", int(dataset.StatusAutoQC), t0, t0.Add(time.Hour))

	ms := measurement.NewStore(db.Pool())
	rows := []measurement.Measurement{
		{Row: 1, Time: t0, Intake: map[string]float64{"intake_temperature_1": 12, "salinity_2": 35}},
		{Row: 2, Time: t0.Add(time.Minute), Intake: map[string]float64{"intake_temperature_1": 40}},
		{Row: 3, Time: t0.Add(2 * time.Minute), Intake: map[string]float64{"intake_temperature_1": 13}},
	}
	require.NoError(t, ms.Replace(ctx, ds, rows, nil))
	require.NoError(t, ms.StoreDerived(ctx, ds, rows[2].ID, map[string]float64{"delta_temperature": 2.5}))

	jobs := job.NewStore(db.Pool())
	_, err = jobs.Create(ctx, job.TypeAutoQC, owner, job.DatasetParams(ds))
	require.NoError(t, err)
	j, err := jobs.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, orch.Handle(ctx, j, signal(false)))

	rec1, err := manager.Get(ctx, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, flag.Good, rec1.AutoFlag)
	assert.Equal(t, flag.Good, rec1.HumanFlag)
	assert.Equal(t, [3]bool{true, false, false}, rec1.ValueUsed.IntakeTemperature)
	assert.Equal(t, [3]bool{false, true, false}, rec1.ValueUsed.Salinity)

	rec2, err := manager.Get(ctx, ds, 2)
	require.NoError(t, err)
	assert.Equal(t, flag.Bad, rec2.AutoFlag)
	require.Len(t, rec2.AutoMessages, 1)
	assert.Equal(t, "intake_temperature_1", rec2.AutoMessages[0].ColumnName)
	assert.Equal(t, 1, rec2.AutoMessages[0].Column)
	assert.Equal(t, "Out of range", rec2.HumanComment)

	f3, err := manager.AutomaticFlag(ctx, ds, 3)
	require.NoError(t, err)
	assert.Equal(t, flag.Questionable, f3)

	got, err := dataset.NewStore(db.Pool()).Get(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, dataset.StatusUserQC, got.Status)

	active, err := jobs.ActiveForDataset(ctx, ds)
	require.NoError(t, err)
	assert.Nil(t, active, "automatic QC is the last stage")

	// Resubmitting clears the records before the rerun.
	_, err = orch.Resubmit(ctx, owner, ds, job.TypeAutoQC)
	require.NoError(t, err)
	recs, err := manager.Records(ctx, ds, flag.NotSet)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAutoQCChecksShiftedEquilibrator(t *testing.T) {
	db := dbtest.Setup(t)
	ctx := context.Background()
	owner := uuid.New()

	r, err := autoqc.Parse([]byte(`
routines:
  - type: range
    value: equilibrator_temperature_1
    min: -2
    max: 40
    flag: BAD
`))
	require.NoError(t, err)
	manager := qc.NewManager(db)
	orch, err := pipeline.New(db, nil, nil, pipeline.DefaultStages(nop{}, nop{}, autoqc.NewStage(manager, r, nil))...)
	require.NoError(t, err)

	inst := &instrument.Instrument{
		Name:      "delayed-ship",
		Owner:     owner,
		TimeDelay: time.Minute,
		Sensors: []instrument.SensorAssignment{
			{Column: "SST", Type: instrument.IntakeTemperature, Index: 1},
			{Column: "EqT", Type: instrument.EquilibratorTemperature, Index: 1},
		},
	}
	require.NoError(t, instrument.NewStore(db.Pool()).Create(ctx, inst))
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ds := dbtest.SeedDataset(t, db, inst.ID, "leg", int(dataset.StatusAutoQC), t0, t0.Add(time.Hour))

	// Row 2's hot equilibrator reading belongs to row 1 once shifted.
	rows := []measurement.Measurement{
		{Row: 1, Time: t0, Intake: map[string]float64{"intake_temperature_1": 12}, Equilibrator: map[string]float64{"equilibrator_temperature_1": 20}},
		{Row: 2, Time: t0.Add(time.Minute), Intake: map[string]float64{"intake_temperature_1": 12}, Equilibrator: map[string]float64{"equilibrator_temperature_1": 55}},
		{Row: 3, Time: t0.Add(2 * time.Minute), Intake: map[string]float64{"intake_temperature_1": 12}, Equilibrator: map[string]float64{"equilibrator_temperature_1": 21}},
	}
	require.NoError(t, measurement.NewStore(db.Pool()).Replace(ctx, ds, rows, nil))

	jobs := job.NewStore(db.Pool())
	_, err = jobs.Create(ctx, job.TypeAutoQC, owner, job.DatasetParams(ds))
	require.NoError(t, err)
	j, err := jobs.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, orch.Handle(ctx, j, signal(false)))

	rec1, err := manager.Get(ctx, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, flag.Bad, rec1.AutoFlag)
	require.Len(t, rec1.AutoMessages, 1)
	assert.Equal(t, "equilibrator_temperature_1", rec1.AutoMessages[0].ColumnName)
	assert.Equal(t, 2, rec1.AutoMessages[0].Column)
	assert.Equal(t, [3]bool{true, false, false}, rec1.ValueUsed.EquilibratorTemperature)

	rec2, err := manager.Get(ctx, ds, 2)
	require.NoError(t, err)
	assert.Equal(t, flag.Good, rec2.AutoFlag, "own reading is not this row's")

	// The last row has no partner inside the dataset.
	rec3, err := manager.Get(ctx, ds, 3)
	require.NoError(t, err)
	assert.Equal(t, flag.Good, rec3.AutoFlag)
	assert.Equal(t, [3]bool{false, false, false}, rec3.ValueUsed.EquilibratorTemperature)
	assert.Equal(t, [3]bool{true, false, false}, rec3.ValueUsed.IntakeTemperature)
}
