package qc_test

import (
	"context"
	"testing"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/database/dbtest"
	"github.com/fedutinova/fluxqc/internal/flag"
	"github.com/fedutinova/fluxqc/internal/qc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, db *database.DB, rows int) (*qc.Manager, int64) {
	t.Helper()
	inst := dbtest.SeedInstrument(t, db, "qc-ship", 0, nil)
	ds := dbtest.SeedDataset(t, db, inst, "qc-leg", 4, time.Now().Add(-time.Hour), time.Now())
	m := qc.NewManager(db)
	for r := 1; r <= rows; r++ {
		require.NoError(t, m.EnsureRecord(context.Background(), ds, r, qc.ValueUsed{}))
	}
	return m, ds
}

func TestAutomaticFlagSeedsHumanFlag(t *testing.T) {
	db := dbtest.Setup(t)
	m, ds := seed(t, db, 2)
	ctx := context.Background()

	msgs := []flag.Message{
		{Code: flag.RuleRange, Row: 1, Column: 3, ColumnName: "intake_temperature_1", Flag: flag.Bad, FieldValue: "40", ValidValue: "-2:35"},
		{Code: flag.RuleMissing, Row: 1, Column: 5, ColumnName: "salinity_1", Flag: flag.Questionable},
	}
	require.NoError(t, m.SetAutomaticFlag(ctx, ds, 1, flag.Bad, msgs))

	rec, err := m.Get(ctx, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, flag.Bad, rec.AutoFlag)
	assert.Equal(t, msgs, rec.AutoMessages)
	assert.Equal(t, flag.Bad, rec.HumanFlag)
	assert.Equal(t, "Out of range;Missing value", rec.HumanComment)

	require.NoError(t, m.SetAutomaticFlag(ctx, ds, 2, flag.Good, nil))
	got, err := m.Messages(ctx, ds, 2)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, m.SetAutomaticFlag(ctx, ds, 99, flag.Good, nil), common.ErrNotFound)
}

func TestAcceptAndOverride(t *testing.T) {
	db := dbtest.Setup(t)
	m, ds := seed(t, db, 7)
	ctx := context.Background()

	for _, row := range []int{5, 6, 7} {
		bad := []flag.Message{{Code: flag.RuleRange, Row: row, ColumnName: "co2_1", Flag: flag.Bad}}
		require.NoError(t, m.SetAutomaticFlag(ctx, ds, row, flag.Bad, bad))
	}
	require.NoError(t, m.SetHumanFlags(ctx, ds, []int{5, 6, 7}, flag.Good, ""))

	require.NoError(t, m.AcceptAutomaticFlags(ctx, ds, []int{5, 7}))

	for _, row := range []int{5, 7} {
		rec, err := m.Get(ctx, ds, row)
		require.NoError(t, err)
		assert.Equal(t, flag.Bad, rec.HumanFlag, "row %d", row)
		assert.Equal(t, "Out of range", rec.HumanComment, "row %d", row)
	}
	rec6, err := m.Get(ctx, ds, 6)
	require.NoError(t, err)
	assert.Equal(t, flag.Good, rec6.HumanFlag, "unlisted row must be untouched")
	assert.Empty(t, rec6.HumanComment)
	assert.Equal(t, flag.Bad, rec6.AutoFlag)

	err = m.AcceptAutomaticFlags(ctx, ds, []int{5, 42})
	assert.ErrorIs(t, err, common.ErrNotFound)

	err = m.SetHumanFlags(ctx, ds, []int{2, 3}, flag.Questionable, "")
	assert.ErrorIs(t, err, common.ErrMissingParameter)

	require.NoError(t, m.SetHumanFlags(ctx, ds, []int{2, 3}, flag.Questionable, "bubble in line"))
	recs, err := m.Records(ctx, ds, flag.Questionable)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "bubble in line", recs[0].HumanComment)

	// Missing row rolls back the whole update.
	err = m.SetHumanFlags(ctx, ds, []int{3, 77}, flag.Fatal, "pump off")
	assert.ErrorIs(t, err, common.ErrNotFound)
	f3, err := m.HumanFlag(ctx, ds, 3)
	require.NoError(t, err)
	assert.Equal(t, flag.Questionable, f3)
}

func TestResets(t *testing.T) {
	db := dbtest.Setup(t)
	m, ds := seed(t, db, 3)
	ctx := context.Background()

	require.NoError(t, m.SetHumanFlags(ctx, ds, []int{1, 2}, flag.Bad, "sensor drift"))
	require.NoError(t, m.SetHumanFlags(ctx, ds, []int{3}, flag.Bad, "other"))

	n, err := m.ResetByFlagAndMessage(ctx, ds, flag.Bad, "sensor drift")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rec, err := m.Get(ctx, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, flag.NotSet, rec.AutoFlag)
	assert.Equal(t, flag.NotSet, rec.HumanFlag)
	assert.Empty(t, rec.HumanComment)
	assert.Empty(t, rec.AutoMessages)

	f3, err := m.HumanFlag(ctx, ds, 3)
	require.NoError(t, err)
	assert.Equal(t, flag.Bad, f3)

	require.NoError(t, m.ResetByRow(ctx, ds, 3))
	f3, err = m.HumanFlag(ctx, ds, 3)
	require.NoError(t, err)
	assert.Equal(t, flag.NotSet, f3)

	assert.ErrorIs(t, m.ResetByRow(ctx, ds, 99), common.ErrNotFound)
	_, err = m.AutomaticFlag(ctx, ds, 99)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
