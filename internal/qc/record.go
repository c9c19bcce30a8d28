// Package qc maintains the per-row QC state of a dataset: the automatic flag
// with its messages and the human-reviewed (WOCE) flag with its comment.
package qc

import (
	"github.com/fedutinova/fluxqc/internal/flag"
	"github.com/fedutinova/fluxqc/internal/instrument"
)

// ValueUsed records which of the redundant sensors fed the calculation of a
// row.
type ValueUsed struct {
	IntakeTemperature       [instrument.MaxRedundantSensors]bool `json:"intake_temperature"`
	Salinity                [instrument.MaxRedundantSensors]bool `json:"salinity"`
	EquilibratorTemperature [instrument.MaxRedundantSensors]bool `json:"equilibrator_temperature"`
	EquilibratorPressure    [instrument.MaxRedundantSensors]bool `json:"equilibrator_pressure"`
}

// ValueUsedFor marks every sensor the instrument carries that the row has a
// reading for.
func ValueUsedFor(inst *instrument.Instrument, intake, equilibrator map[string]float64) ValueUsed {
	var v ValueUsed
	mark := func(dst *[instrument.MaxRedundantSensors]bool, t instrument.SensorType, values map[string]float64) {
		for i := 1; i <= instrument.MaxRedundantSensors; i++ {
			a := instrument.SensorAssignment{Type: t, Index: i}
			if !inst.HasSensor(t, i) {
				continue
			}
			if _, ok := values[a.Key()]; ok {
				dst[i-1] = true
			}
		}
	}
	mark(&v.IntakeTemperature, instrument.IntakeTemperature, intake)
	mark(&v.Salinity, instrument.Salinity, intake)
	mark(&v.EquilibratorTemperature, instrument.EquilibratorTemperature, equilibrator)
	mark(&v.EquilibratorPressure, instrument.EquilibratorPressure, equilibrator)
	return v
}

func (v ValueUsed) columns() []any {
	return []any{
		v.IntakeTemperature[0], v.IntakeTemperature[1], v.IntakeTemperature[2],
		v.Salinity[0], v.Salinity[1], v.Salinity[2],
		v.EquilibratorTemperature[0], v.EquilibratorTemperature[1], v.EquilibratorTemperature[2],
		v.EquilibratorPressure[0], v.EquilibratorPressure[1], v.EquilibratorPressure[2],
	}
}

func (v *ValueUsed) scanTargets() []any {
	return []any{
		&v.IntakeTemperature[0], &v.IntakeTemperature[1], &v.IntakeTemperature[2],
		&v.Salinity[0], &v.Salinity[1], &v.Salinity[2],
		&v.EquilibratorTemperature[0], &v.EquilibratorTemperature[1], &v.EquilibratorTemperature[2],
		&v.EquilibratorPressure[0], &v.EquilibratorPressure[1], &v.EquilibratorPressure[2],
	}
}

type Record struct {
	DatasetID    int64          `json:"dataset_id"`
	Row          int            `json:"row"`
	ValueUsed    ValueUsed      `json:"value_used"`
	AutoFlag     flag.Flag      `json:"auto_flag"`
	AutoMessages []flag.Message `json:"auto_messages"`
	HumanFlag    flag.Flag      `json:"human_flag"`
	HumanComment string         `json:"human_comment"`
}
