// Package flag holds the QC flag taxonomy and the rebuild-code codec used to
// persist QC messages as a single string column.
package flag

import (
	"fmt"

	"github.com/fedutinova/fluxqc/internal/common"
)

// Flag is a QC severity value. Numeric values match the WOCE convention and
// are what gets stored.
type Flag int

const (
	NotSet       Flag = 0
	Good         Flag = 2
	Questionable Flag = 3
	Bad          Flag = 4
	Fatal        Flag = 44

	// Filter-only sentinels. Never stored as a row's own flag.
	Needed  Flag = -10
	Ignored Flag = -1002
)

var names = map[Flag]string{
	NotSet:       "NOT_SET",
	Good:         "GOOD",
	Questionable: "QUESTIONABLE",
	Bad:          "BAD",
	Fatal:        "FATAL",
	Needed:       "NEEDED",
	Ignored:      "IGNORED",
}

var severity = map[Flag]int{
	NotSet:       0,
	Good:         1,
	Questionable: 2,
	Bad:          3,
	Fatal:        4,
}

func (f Flag) String() string {
	if n, ok := names[f]; ok {
		return n
	}
	return fmt.Sprintf("Flag(%d)", int(f))
}

// IsSentinel reports whether f is one of the filter-only values.
func (f Flag) IsSentinel() bool {
	return f == Needed || f == Ignored
}

// Valid reports whether f may be stored against a row.
func (f Flag) Valid() bool {
	_, ok := severity[f]
	return ok
}

// Severity returns the display rank of f. Sentinels rank below NotSet.
func (f Flag) Severity() int {
	if s, ok := severity[f]; ok {
		return s
	}
	return -1
}

// MoreSevere reports whether f outranks other.
func (f Flag) MoreSevere(other Flag) bool {
	return f.Severity() > other.Severity()
}

// Worst returns the most severe of the given flags, or Good when none are given.
func Worst(flags ...Flag) Flag {
	worst := Good
	for _, f := range flags {
		if f.MoreSevere(worst) {
			worst = f
		}
	}
	return worst
}

// Parse converts a stored integer into a Flag, rejecting unknown values.
func Parse(v int) (Flag, error) {
	f := Flag(v)
	if _, ok := names[f]; !ok {
		return NotSet, common.ValidationError{Field: "flag", Message: fmt.Sprintf("unknown flag value %d", v)}
	}
	return f, nil
}

// ParseName converts a flag name such as "QUESTIONABLE" into a Flag.
func ParseName(name string) (Flag, error) {
	for f, n := range names {
		if n == name {
			return f, nil
		}
	}
	return NotSet, common.ValidationError{Field: "flag", Message: fmt.Sprintf("unknown flag name %q", name)}
}

// ValidateStored rejects sentinels and unknown values for a row's own flag.
func ValidateStored(f Flag) error {
	if !f.Valid() {
		return common.ValidationError{Field: "flag", Message: fmt.Sprintf("%s cannot be assigned to a row", f)}
	}
	return nil
}
