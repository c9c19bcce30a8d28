// Package dataset stores datasets and guards their pipeline status.
package dataset

import (
	"strings"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
)

// Status is the pipeline position of a dataset. Values are persisted as
// integers and must stay stable.
type Status int

const (
	StatusError                 Status = -1
	StatusWaiting               Status = 0
	StatusDataExtraction        Status = 1
	StatusWaitingForCalculation Status = 2
	StatusDataReduction         Status = 3
	StatusAutoQC                Status = 4
	StatusUserQC                Status = 5
)

var statusNames = map[Status]string{
	StatusError:                 "Error",
	StatusWaiting:               "Waiting",
	StatusDataExtraction:        "Data extraction",
	StatusWaitingForCalculation: "Waiting for calculation",
	StatusDataReduction:         "Data reduction",
	StatusAutoQC:                "Automatic QC",
	StatusUserQC:                "Ready for QC",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Unknown"
}

// ValidateStatus rejects values outside the enumerated set.
func ValidateStatus(s Status) error {
	if _, ok := statusNames[s]; !ok {
		return common.InvalidStatus(int(s))
	}
	return nil
}

// PropertyFiles lists the storage keys of the dataset's source files,
// comma separated.
const PropertyFiles = "files"

type Dataset struct {
	ID           int64             `json:"id"`
	InstrumentID int64             `json:"instrument_id"`
	Name         string            `json:"name"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	Status       Status            `json:"status"`
	Properties   map[string]string `json:"properties"`
	LastTouched  time.Time         `json:"last_touched"`
}

// SetStatus changes the in-memory status, leaving it untouched on an invalid
// value.
func (d *Dataset) SetStatus(s Status) error {
	if err := ValidateStatus(s); err != nil {
		return err
	}
	d.Status = s
	return nil
}

// Files returns the source file keys listed in the files property.
func (d *Dataset) Files() []string {
	raw := d.Properties[PropertyFiles]
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
