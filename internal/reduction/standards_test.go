package reduction

import (
	"testing"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectStandards(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	all := []instrument.ExternalStandard{
		{ID: 1, Standard: "std1", DeployedAt: day(1), Concentration: 250},
		{ID: 2, Standard: "std1", DeployedAt: day(5), Concentration: 251},
		{ID: 3, Standard: "std1", DeployedAt: day(20), Concentration: 252},
		{ID: 4, Standard: "std1", DeployedAt: day(25), Concentration: 253},
		{ID: 5, Standard: "std2", DeployedAt: day(2), Concentration: 400},
		{ID: 6, Standard: "std3", DeployedAt: day(12), Concentration: 500},
	}

	t.Run("brackets", func(t *testing.T) {
		set, err := SelectStandards(all, []string{"std1", "std2"}, day(10), day(15))
		require.NoError(t, err)
		assert.Equal(t, []string{"std1", "std2"}, set.Types())
		assert.Equal(t, int64(2), set["std1"].Before.ID)
		assert.Equal(t, int64(3), set["std1"].After.ID)
		assert.Equal(t, int64(5), set["std2"].Before.ID)
		assert.Nil(t, set["std2"].After)
	})

	t.Run("deployment on first measurement counts", func(t *testing.T) {
		set, err := SelectStandards(all, []string{"std3"}, day(12), day(14))
		require.NoError(t, err)
		assert.Equal(t, int64(6), set["std3"].Before.ID)
	})

	t.Run("incomplete", func(t *testing.T) {
		_, err := SelectStandards(all, []string{"std1", "std3", "std4"}, day(10), day(15))
		require.ErrorIs(t, err, common.ErrCalibrationIncomplete)
		assert.Contains(t, err.Error(), "std3, std4")
	})

	t.Run("nothing required", func(t *testing.T) {
		set, err := SelectStandards(nil, nil, day(1), day(2))
		require.NoError(t, err)
		assert.Empty(t, set)
	})
}
