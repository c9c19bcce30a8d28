package job

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	uuid "github.com/google/uuid"
)

type Type string

const (
	TypeDataExtraction Type = "data_extraction"
	TypeDataReduction  Type = "data_reduction"
	TypeAutoQC         Type = "auto_qc"
)

type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
)

var validStatuses = map[Status]struct{}{
	StatusWaiting:  {},
	StatusRunning:  {},
	StatusFinished: {},
	StatusError:    {},
}

// ParseStatus rejects anything outside the fixed status set.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validStatuses[st]; !ok {
		return "", common.InvalidStatus(s)
	}
	return st, nil
}

// ParamDatasetID names the parameter carrying the dataset a stage job works on.
const ParamDatasetID = "id"

// Param is one named job parameter. Parameters keep insertion order.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Params []Param

// Get returns the first value stored under name.
func (p Params) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Int64 returns name parsed as an integer. Absent, blank and non-numeric
// values are all reported as a missing parameter.
func (p Params) Int64(name string) (int64, error) {
	v, ok := p.Get(name)
	if !ok || strings.TrimSpace(v) == "" {
		return 0, common.MissingParameter(name)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, errors.Join(common.MissingParameter(name), fmt.Errorf("%q is not numeric", v))
	}
	return n, nil
}

// DatasetParams builds the parameter list every stage job carries.
func DatasetParams(datasetID int64) Params {
	return Params{{Name: ParamDatasetID, Value: strconv.FormatInt(datasetID, 10)}}
}

type Job struct {
	ID           uuid.UUID  `json:"id"`
	Type         Type       `json:"type"`
	Owner        uuid.UUID  `json:"owner"`
	Status       Status     `json:"status"`
	Params       Params     `json:"parameters"`
	Progress     float64    `json:"progress"`
	ErrorMessage string     `json:"error,omitempty"`
	StackTrace   string     `json:"stack_trace,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ErrorDetail is what gets persisted when a job fails.
type ErrorDetail struct {
	Message string
	Trace   string
}

// DetailFromError flattens an error chain into a message and a trace with
// one wrapped cause per line. Errors carrying a StackTrace() use that instead.
func DetailFromError(err error) ErrorDetail {
	if err == nil {
		return ErrorDetail{}
	}
	var st interface{ StackTrace() string }
	if errors.As(err, &st) {
		return ErrorDetail{Message: err.Error(), Trace: st.StackTrace()}
	}
	var b strings.Builder
	depth := 0
	var walk func(e error)
	walk = func(e error) {
		defer func(d int) { depth = d }(depth)
		for e != nil {
			fmt.Fprintf(&b, "%s%T: %s\n", strings.Repeat("  ", depth), e, e.Error())
			switch u := e.(type) {
			case interface{ Unwrap() []error }:
				depth++
				for _, inner := range u.Unwrap() {
					walk(inner)
				}
				return
			case interface{ Unwrap() error }:
				e = u.Unwrap()
				depth++
			default:
				return
			}
		}
	}
	walk(err)
	return ErrorDetail{Message: err.Error(), Trace: b.String()}
}
