// Package instrument holds the instrument metadata the pipeline stages read:
// sensor layout, intake-to-equilibrator delay and calibration requirements.
package instrument

import (
	"fmt"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/google/uuid"
)

// SensorType identifies what a sensor column measures.
type SensorType string

const (
	IntakeTemperature       SensorType = "intake_temperature"
	Salinity                SensorType = "salinity"
	EquilibratorTemperature SensorType = "equilibrator_temperature"
	EquilibratorPressure    SensorType = "equilibrator_pressure"
	CO2                     SensorType = "co2"
	XH2O                    SensorType = "xh2o"
	AtmosphericPressure     SensorType = "atmospheric_pressure"
)

// Side tells which end of the plumbing a sensor sits on.
type Side string

const (
	SideIntake       Side = "intake"
	SideEquilibrator Side = "equilibrator"
)

var sensorSides = map[SensorType]Side{
	IntakeTemperature:       SideIntake,
	Salinity:                SideIntake,
	AtmosphericPressure:     SideIntake,
	EquilibratorTemperature: SideEquilibrator,
	EquilibratorPressure:    SideEquilibrator,
	CO2:                     SideEquilibrator,
	XH2O:                    SideEquilibrator,
}

// Side returns where a sensor of type t is mounted.
func (t SensorType) Side() (Side, bool) {
	s, ok := sensorSides[t]
	return s, ok
}

// MaxRedundantSensors is how many sensors of one type an instrument may carry.
const MaxRedundantSensors = 3

// SensorAssignment maps a column in the source files to a sensor.
type SensorAssignment struct {
	Column string     `json:"column" yaml:"column"`
	Type   SensorType `json:"type" yaml:"type"`
	Index  int        `json:"index" yaml:"index"` // 1-based among sensors of the same type
}

// Key is the name derived values and QC routines use for the sensor,
// e.g. "salinity_2".
func (a SensorAssignment) Key() string {
	return fmt.Sprintf("%s_%d", a.Type, a.Index)
}

type Instrument struct {
	ID                int64              `json:"id"`
	Name              string             `json:"name"`
	Owner             uuid.UUID          `json:"owner"`
	TimeDelay         time.Duration      `json:"time_delay"`
	Sensors           []SensorAssignment `json:"sensors"`
	RequiredStandards []string           `json:"required_standards"`
}

// Validate checks the sensor layout is usable by the pipeline.
func (i *Instrument) Validate() error {
	if i.TimeDelay < 0 {
		return common.ValidationError{Field: "time_delay", Message: "must not be negative"}
	}
	seen := map[string]struct{}{}
	for _, s := range i.Sensors {
		if _, ok := s.Type.Side(); !ok {
			return common.ValidationError{Field: "sensors", Message: fmt.Sprintf("unknown sensor type %q", s.Type)}
		}
		if s.Index < 1 || s.Index > MaxRedundantSensors {
			return common.ValidationError{Field: "sensors", Message: fmt.Sprintf("%s index %d out of range", s.Type, s.Index)}
		}
		if _, dup := seen[s.Key()]; dup {
			return common.ValidationError{Field: "sensors", Message: fmt.Sprintf("duplicate sensor %s", s.Key())}
		}
		seen[s.Key()] = struct{}{}
	}
	return nil
}

// SensorsOn returns the assignments mounted on side.
func (i *Instrument) SensorsOn(side Side) []SensorAssignment {
	var out []SensorAssignment
	for _, s := range i.Sensors {
		if sd, _ := s.Type.Side(); sd == side {
			out = append(out, s)
		}
	}
	return out
}

// HasSensor reports whether the instrument carries sensor index of type t.
func (i *Instrument) HasSensor(t SensorType, index int) bool {
	for _, s := range i.Sensors {
		if s.Type == t && s.Index == index {
			return true
		}
	}
	return false
}

// ExternalStandard is a reference gas deployment used for calibration.
type ExternalStandard struct {
	ID            int64     `json:"id"`
	InstrumentID  int64     `json:"instrument_id"`
	Standard      string    `json:"standard"`
	DeployedAt    time.Time `json:"deployed_at"`
	Concentration float64   `json:"concentration"`
}
