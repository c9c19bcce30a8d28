// Package reduction implements the data reduction stage: it aligns intake and
// equilibrator readings in time, checks the external standards cover the
// dataset and stores the calculator's derived values per measurement.
package reduction

import (
	"sort"
	"time"

	"github.com/fedutinova/fluxqc/internal/measurement"
)

// Align pairs every measurement with the equilibrator readings taken delay
// later, which sample the same parcel of water. ms must be ordered by time.
// A measurement with no reading at or after t+delay gets no equilibrator
// values. With a zero delay each row keeps its own readings.
func Align(ms []measurement.Measurement, delay time.Duration) []measurement.Aligned {
	out := make([]measurement.Aligned, len(ms))
	for i, m := range ms {
		out[i].Measurement = m
		if delay <= 0 {
			out[i].EquilibratorAligned = m.Equilibrator
			out[i].ShiftedID = nil
			continue
		}

		target := m.Time.Add(delay)
		j := sort.Search(len(ms), func(k int) bool { return !ms[k].Time.Before(target) })
		if j == len(ms) {
			out[i].ShiftedID = nil
			continue
		}
		id := ms[j].ID
		out[i].ShiftedID = &id
		out[i].EquilibratorAligned = ms[j].Equilibrator
	}
	return out
}
