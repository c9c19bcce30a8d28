package extraction

import (
	"strings"
	"testing"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstrument() *instrument.Instrument {
	return &instrument.Instrument{
		Sensors: []instrument.SensorAssignment{
			{Column: "SST", Type: instrument.IntakeTemperature, Index: 1},
			{Column: "Sal", Type: instrument.Salinity, Index: 1},
			{Column: "EqT", Type: instrument.EquilibratorTemperature, Index: 1},
			{Column: "CO2a", Type: instrument.CO2, Index: 2},
			{Column: "CO2", Type: instrument.CO2, Index: 1},
		},
		RequiredStandards: []string{"std1", "std2"},
	}
}

const sample = `time,longitude,latitude,run_type,SST,Sal,EqT,CO2,CO2a
2024-06-01T12:00:00Z,-20.5,60.1,measurement,10.1,35.0,10.6,390.5,391
2024-06-01T12:01:00Z,-20.6,60.2,std1,,,,250.2,250.9
2024-06-01T12:02:00Z,-20.7,60.3,,10.3,NaN,10.8,392.5,
2024-06-01T12:03:00Z,,,flush,1,1,1,1,1
`

func TestCSVExtractor(t *testing.T) {
	res, err := CSVExtractor{}.Extract(strings.NewReader(sample), testInstrument())
	require.NoError(t, err)

	require.Len(t, res.Measurements, 2)
	first := res.Measurements[0]
	assert.Equal(t, RunTypeMeasurement, first.RunType)
	require.NotNil(t, first.Longitude)
	assert.Equal(t, -20.5, *first.Longitude)
	assert.Equal(t, map[string]float64{"intake_temperature_1": 10.1, "salinity_1": 35.0}, first.Intake)
	assert.Equal(t, map[string]float64{"equilibrator_temperature_1": 10.6, "co2_1": 390.5, "co2_2": 391}, first.Equilibrator)

	second := res.Measurements[1]
	assert.NotContains(t, second.Intake, "salinity_1", "NaN is an absent value")
	assert.NotContains(t, second.Equilibrator, "co2_2")

	require.Len(t, res.Calibrations, 1)
	assert.Equal(t, "std1", res.Calibrations[0].Standard)
	assert.Equal(t, 250.2, res.Calibrations[0].Value, "calibration uses the first CO2 sensor")
}

func TestCSVExtractorErrors(t *testing.T) {
	inst := testInstrument()

	_, err := CSVExtractor{}.Extract(strings.NewReader(""), inst)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = CSVExtractor{}.Extract(strings.NewReader("longitude,SST\n"), inst)
	assert.ErrorIs(t, err, common.ErrMissingParameter)

	_, err = CSVExtractor{}.Extract(strings.NewReader("time,SST,Sal,EqT\n"), inst)
	assert.ErrorIs(t, err, common.ErrMissingParameter, "CO2 column is assigned but absent")

	bad := "time,SST,Sal,EqT,CO2,CO2a\nyesterday,1,2,3,4,5\n"
	_, err = CSVExtractor{}.Extract(strings.NewReader(bad), inst)
	assert.ErrorIs(t, err, common.ErrValidation)

	notNumber := "time,SST,Sal,EqT,CO2,CO2a\n2024-06-01T12:00:00Z,warm,2,3,4,5\n"
	_, err = CSVExtractor{}.Extract(strings.NewReader(notNumber), inst)
	assert.Error(t, err)
}

func TestCSVExtractorTimeLayout(t *testing.T) {
	in := "time,SST,Sal,EqT,CO2,CO2a\n01/06/2024 12:00:00,1,2,3,4,5\n"
	res, err := CSVExtractor{TimeLayout: "02/01/2006 15:04:05"}.Extract(strings.NewReader(in), testInstrument())
	require.NoError(t, err)
	require.Len(t, res.Measurements, 1)
	assert.Equal(t, 6, int(res.Measurements[0].Time.Month()))
}
