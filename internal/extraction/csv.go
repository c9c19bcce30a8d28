package extraction

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/instrument"
	"github.com/fedutinova/fluxqc/internal/measurement"
)

// Fixed leading columns of the CSV layout. Sensor columns follow, named as in
// the instrument's sensor assignments.
const (
	ColumnTime      = "time"
	ColumnLongitude = "longitude"
	ColumnLatitude  = "latitude"
	ColumnRunType   = "run_type"
)

// RunTypeMeasurement marks an ordinary measurement row. An empty run type
// means the same.
const RunTypeMeasurement = "measurement"

// CSVExtractor reads comma separated files with a header row. Rows whose run
// type names one of the instrument's required standards become calibration
// records holding the first CO2 sensor's value. Other non-measurement run
// types are skipped.
type CSVExtractor struct {
	// TimeLayout parses the time column. RFC 3339 when empty.
	TimeLayout string
}

func (e CSVExtractor) Extract(r io.Reader, inst *instrument.Instrument) (Result, error) {
	layout := e.TimeLayout
	if layout == "" {
		layout = time.RFC3339
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, common.ValidationError{Field: "file", Message: "empty file"}
	}
	if err != nil {
		return Result{}, fmt.Errorf("read header: %w", err)
	}
	cols, err := mapColumns(header, inst)
	if err != nil {
		return Result{}, err
	}

	var res Result
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return Result{}, fmt.Errorf("line %d: %w", line, err)
		}

		ts, err := time.Parse(layout, strings.TrimSpace(rec[cols.time]))
		if err != nil {
			return Result{}, common.ValidationError{Field: ColumnTime, Message: fmt.Sprintf("line %d: %v", line, err)}
		}
		runType := ""
		if cols.runType >= 0 {
			runType = strings.TrimSpace(rec[cols.runType])
		}

		if runType != "" && runType != RunTypeMeasurement {
			if !slices.Contains(inst.RequiredStandards, runType) {
				continue
			}
			v, ok, err := parseValue(rec, cols.calibration)
			if err != nil {
				return Result{}, fmt.Errorf("line %d: %w", line, err)
			}
			if ok {
				res.Calibrations = append(res.Calibrations, measurement.CalibrationRecord{Time: ts, Standard: runType, Value: v})
			}
			continue
		}

		m := measurement.Measurement{
			Time:         ts,
			RunType:      RunTypeMeasurement,
			Intake:       map[string]float64{},
			Equilibrator: map[string]float64{},
		}
		if m.Longitude, err = optionalFloat(rec, cols.lon); err != nil {
			return Result{}, fmt.Errorf("line %d longitude: %w", line, err)
		}
		if m.Latitude, err = optionalFloat(rec, cols.lat); err != nil {
			return Result{}, fmt.Errorf("line %d latitude: %w", line, err)
		}
		for _, s := range cols.sensors {
			v, ok, err := parseValue(rec, s.index)
			if err != nil {
				return Result{}, fmt.Errorf("line %d %s: %w", line, s.key, err)
			}
			if !ok {
				continue
			}
			if s.side == instrument.SideEquilibrator {
				m.Equilibrator[s.key] = v
			} else {
				m.Intake[s.key] = v
			}
		}
		res.Measurements = append(res.Measurements, m)
	}
	return res, nil
}

type sensorColumn struct {
	index int
	key   string
	side  instrument.Side
}

type columns struct {
	time, lon, lat, runType int
	calibration             int
	sensors                 []sensorColumn
}

func mapColumns(header []string, inst *instrument.Instrument) (columns, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	find := func(name string) int {
		if i, ok := pos[name]; ok {
			return i
		}
		return -1
	}

	c := columns{
		time:        find(ColumnTime),
		lon:         find(ColumnLongitude),
		lat:         find(ColumnLatitude),
		runType:     find(ColumnRunType),
		calibration: -1,
	}
	if c.time < 0 {
		return c, common.MissingParameter("time column")
	}
	for _, a := range inst.Sensors {
		i := find(a.Column)
		if i < 0 {
			return c, common.MissingParameter("column " + a.Column)
		}
		side, _ := a.Type.Side()
		c.sensors = append(c.sensors, sensorColumn{index: i, key: a.Key(), side: side})
		if a.Type == instrument.CO2 && (c.calibration < 0 || a.Index == 1) {
			c.calibration = i
		}
	}
	return c, nil
}

// parseValue reads a float column. Blank cells and NaN are absent values.
func parseValue(rec []string, i int) (float64, bool, error) {
	if i < 0 || i >= len(rec) {
		return 0, false, nil
	}
	raw := strings.TrimSpace(rec[i])
	if raw == "" || strings.EqualFold(raw, "nan") {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func optionalFloat(rec []string, i int) (*float64, error) {
	v, ok, err := parseValue(rec, i)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}
