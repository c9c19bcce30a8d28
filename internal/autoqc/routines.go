// Package autoqc implements the automatic QC stage. Configured routines check
// every measurement and the worst finding becomes the row's automatic flag.
package autoqc

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/flag"
	"gopkg.in/yaml.v3"
)

//go:embed default_routines.yaml
var defaultRoutines []byte

// Routine types.
const (
	TypeRange    = "range"
	TypeMissing  = "missing"
	TypeConstant = "constant"
)

var ruleCodes = map[string]string{
	TypeRange:    flag.RuleRange,
	TypeMissing:  flag.RuleMissing,
	TypeConstant: flag.RuleConstant,
}

// Routine is one configured check against a named value.
type Routine struct {
	Type  string   `yaml:"type"`
	Value string   `yaml:"value"`
	Min   *float64 `yaml:"min"`
	Max   *float64 `yaml:"max"`
	// Count is how many consecutive identical readings make a constant
	// routine fire.
	Count int    `yaml:"count"`
	Flag  string `yaml:"flag"`

	flag flag.Flag
	rule flag.Rule
}

type Routines struct {
	Routines []Routine `yaml:"routines"`
}

// Load reads routines from path, or the built-in set when path is empty.
func Load(path string) (*Routines, error) {
	if path == "" {
		return Parse(defaultRoutines)
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read qc routines %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("qc routines %s: %w", path, err)
	}
	return r, nil
}

// Default returns the built-in routines.
func Default() *Routines {
	r, err := Parse(defaultRoutines)
	if err != nil {
		panic(err)
	}
	return r
}

func Parse(data []byte) (*Routines, error) {
	var r Routines
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse qc routines: %w", err)
	}
	for i := range r.Routines {
		if err := r.Routines[i].init(); err != nil {
			return nil, fmt.Errorf("routine %d: %w", i+1, err)
		}
	}
	return &r, nil
}

func (rt *Routine) init() error {
	if rt.Value == "" {
		return common.MissingParameter("value")
	}
	f, err := flag.ParseName(strings.ToUpper(strings.TrimSpace(rt.Flag)))
	if err != nil {
		return err
	}
	if f == flag.NotSet || f == flag.Good || !f.Valid() {
		return common.ValidationError{Field: "flag", Message: fmt.Sprintf("%s cannot be raised by a routine", f)}
	}
	rt.flag = f

	code, ok := ruleCodes[rt.Type]
	if !ok {
		return common.ValidationError{Field: "type", Message: fmt.Sprintf("unknown routine type %q", rt.Type)}
	}
	if rt.rule, ok = flag.Lookup(code); !ok {
		return fmt.Errorf("routine type %s: no rule %s", rt.Type, code)
	}

	switch rt.Type {
	case TypeRange:
		if rt.Min == nil && rt.Max == nil {
			return common.ValidationError{Field: "range", Message: rt.Value + " needs min or max"}
		}
		if rt.Min != nil && rt.Max != nil && *rt.Min > *rt.Max {
			return common.ValidationError{Field: "range", Message: rt.Value + " has min above max"}
		}
	case TypeConstant:
		if rt.Count < 2 {
			return common.ValidationError{Field: "count", Message: rt.Value + " needs a count of at least 2"}
		}
	}
	return nil
}

// Checker evaluates routines row by row. Constant routines compare a row with
// the rows before it, so a Checker serves one dataset walked in time order.
type Checker struct {
	routines []Routine
	streaks  []streak
}

type streak struct {
	value float64
	n     int
}

// Checker starts a fresh pass over a dataset.
func (r *Routines) Checker() *Checker {
	return &Checker{routines: r.Routines, streaks: make([]streak, len(r.Routines))}
}

// Check runs every routine against one row's values and returns the
// automatic flag with its messages. columns maps value names to their
// 1-based column in the source layout.
func (c *Checker) Check(row int, values map[string]float64, columns map[string]int) (flag.Flag, []flag.Message) {
	var msgs []flag.Message
	var flags []flag.Flag
	for i := range c.routines {
		rt := &c.routines[i]
		if m, hit := rt.check(row, columns[rt.Value], values, &c.streaks[i]); hit {
			msgs = append(msgs, m)
			flags = append(flags, m.Flag)
		}
	}
	return flag.Worst(flags...), msgs
}

// Check evaluates a single row on its own. Constant routines never fire.
func (r *Routines) Check(row int, values map[string]float64, columns map[string]int) (flag.Flag, []flag.Message) {
	return r.Checker().Check(row, values, columns)
}

// check returns the routine's finding for a row, if any.
func (rt *Routine) check(row, column int, values map[string]float64, s *streak) (flag.Message, bool) {
	v, ok := values[rt.Value]
	msg := flag.Message{Code: rt.rule.Code, Row: row, Column: column, ColumnName: rt.Value, Flag: rt.flag}

	switch rt.Type {
	case TypeMissing:
		return msg, !ok
	case TypeRange:
		if !ok {
			return msg, false
		}
		if (rt.Min != nil && v < *rt.Min) || (rt.Max != nil && v > *rt.Max) {
			msg.FieldValue = strconv.FormatFloat(v, 'g', -1, 64)
			msg.ValidValue = bound(rt.Min) + ":" + bound(rt.Max)
			return msg, true
		}
	case TypeConstant:
		if !ok {
			*s = streak{}
			return msg, false
		}
		if s.n > 0 && v == s.value {
			s.n++
		} else {
			*s = streak{value: v, n: 1}
		}
		if s.n >= rt.Count {
			msg.FieldValue = strconv.FormatFloat(v, 'g', -1, 64)
			msg.ValidValue = fmt.Sprintf("%d rows", s.n)
			return msg, true
		}
	}
	return msg, false
}

func bound(b *float64) string {
	if b == nil {
		return ""
	}
	return strconv.FormatFloat(*b, 'g', -1, 64)
}
