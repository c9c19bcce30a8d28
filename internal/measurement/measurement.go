// Package measurement stores the per-row sensor data of a dataset, its
// calibration records and the derived values computed by data reduction.
package measurement

import "time"

// Measurement is one timestamped row of a dataset. Intake and Equilibrator
// hold sensor readings keyed by sensor key (e.g. "salinity_1").
type Measurement struct {
	ID           int64              `json:"id"`
	DatasetID    int64              `json:"dataset_id"`
	Row          int                `json:"row"`
	Time         time.Time          `json:"time"`
	Longitude    *float64           `json:"longitude,omitempty"`
	Latitude     *float64           `json:"latitude,omitempty"`
	RunType      string             `json:"run_type"`
	Intake       map[string]float64 `json:"intake"`
	Equilibrator map[string]float64 `json:"equilibrator"`
	// ShiftedID is the measurement whose equilibrator readings belong to this
	// row once the intake-to-equilibrator delay is applied.
	ShiftedID *int64 `json:"shifted_measurement_id,omitempty"`
}

// CalibrationRecord is a standard gas reading taken during a dataset.
type CalibrationRecord struct {
	ID        int64     `json:"id"`
	DatasetID int64     `json:"dataset_id"`
	Time      time.Time `json:"time"`
	Standard  string    `json:"standard"`
	Value     float64   `json:"value"`
}

// Aligned is a measurement paired with the equilibrator readings that belong
// to it after time alignment.
type Aligned struct {
	Measurement
	EquilibratorAligned map[string]float64
}
