package reduction

import (
	"strconv"
	"strings"

	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/fedutinova/fluxqc/internal/measurement"
)

// Calculator turns one aligned measurement into named derived values. It
// must not keep references to its arguments.
type Calculator interface {
	Calculate(m measurement.Aligned, calibrations []measurement.CalibrationRecord, standards StandardSet) (map[string]float64, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(measurement.Aligned, []measurement.CalibrationRecord, StandardSet) (map[string]float64, error)

func (f CalculatorFunc) Calculate(m measurement.Aligned, cals []measurement.CalibrationRecord, set StandardSet) (map[string]float64, error) {
	return f(m, cals, set)
}

// Derived value names written by MeanCalculator.
const (
	ValueCalibratedCO2    = "calibrated_co2"
	ValueCO2Offset        = "co2_offset"
	ValueDeltaTemperature = "delta_temperature"
)

// MeanName is the derived value holding the mean of all sensors of type t.
func MeanName(t instrument.SensorType) string {
	return "mean_" + string(t)
}

// MeanCalculator averages redundant sensors, corrects CO2 by the mean offset
// between standard concentrations and their measured values and reports the
// warming between intake and equilibrator.
type MeanCalculator struct{}

func (MeanCalculator) Calculate(m measurement.Aligned, cals []measurement.CalibrationRecord, set StandardSet) (map[string]float64, error) {
	out := map[string]float64{}
	sums := map[instrument.SensorType]float64{}
	counts := map[instrument.SensorType]int{}
	for _, values := range []map[string]float64{m.Intake, m.EquilibratorAligned} {
		for key, v := range values {
			t, ok := sensorType(key)
			if !ok {
				continue
			}
			sums[t] += v
			counts[t]++
		}
	}
	for t, n := range counts {
		out[MeanName(t)] = sums[t] / float64(n)
	}

	if co2, ok := out[MeanName(instrument.CO2)]; ok {
		if offset, ok := standardOffset(cals, set); ok {
			out[ValueCO2Offset] = offset
			out[ValueCalibratedCO2] = co2 + offset
		}
	}

	eqt, okEq := out[MeanName(instrument.EquilibratorTemperature)]
	sst, okIn := out[MeanName(instrument.IntakeTemperature)]
	if okEq && okIn {
		out[ValueDeltaTemperature] = eqt - sst
	}
	return out, nil
}

// sensorType splits a sensor key such as "salinity_2" into its type.
func sensorType(key string) (instrument.SensorType, bool) {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 {
		return "", false
	}
	if _, err := strconv.Atoi(key[i+1:]); err != nil {
		return "", false
	}
	t := instrument.SensorType(key[:i])
	_, known := t.Side()
	return t, known
}

// standardOffset averages, over the standards in set, the difference between
// the deployed concentration and the mean reading of that standard.
func standardOffset(cals []measurement.CalibrationRecord, set StandardSet) (float64, bool) {
	var total float64
	var n int
	for _, typ := range set.Types() {
		b := set[typ]
		var sum float64
		var readings int
		for _, c := range cals {
			if c.Standard == typ {
				sum += c.Value
				readings++
			}
		}
		if readings == 0 || b.Before == nil {
			continue
		}
		total += b.Before.Concentration - sum/float64(readings)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return total / float64(n), true
}
