package job

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"WAITING", "RUNNING", "FINISHED", "ERROR"} {
		st, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), st)
	}

	_, err := ParseStatus("queued")
	assert.ErrorIs(t, err, common.ErrInvalidStatus)
}

func TestParamsInt64(t *testing.T) {
	p := Params{{Name: "id", Value: "17"}, {Name: "note", Value: "x"}, {Name: "id", Value: "99"}}
	id, err := p.Int64("id")
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)

	_, err = Params{}.Int64("id")
	assert.ErrorIs(t, err, common.ErrMissingParameter)

	_, err = Params{{Name: "id", Value: "abc"}}.Int64("id")
	assert.ErrorIs(t, err, common.ErrMissingParameter)

	_, err = Params{{Name: "id", Value: "  "}}.Int64("id")
	assert.ErrorIs(t, err, common.ErrMissingParameter)
}

func TestDatasetParams(t *testing.T) {
	p := DatasetParams(42)
	v, ok := p.Get(ParamDatasetID)
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestDetailFromError(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("store values: %w", errors.Join(common.ErrStorage, base))

	d := DetailFromError(err)
	assert.Equal(t, err.Error(), d.Message)
	assert.Contains(t, d.Trace, "disk full")
	assert.Contains(t, d.Trace, "storage failure")

	assert.Equal(t, ErrorDetail{}, DetailFromError(nil))
}
