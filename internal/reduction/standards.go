package reduction

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/instrument"
)

// Bracket holds the deployments of one standard around a dataset: the latest
// at or before its first measurement and, when there is one, the earliest
// after its last.
type Bracket struct {
	Before *instrument.ExternalStandard
	After  *instrument.ExternalStandard
}

// StandardSet maps standard type to its bracketing deployments.
type StandardSet map[string]Bracket

// Types returns the standard types in the set, sorted.
func (s StandardSet) Types() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// SelectStandards picks the deployments covering [first, last] for every
// required standard type. A type with no deployment at or before first makes
// the set incomplete and fails with common.ErrCalibrationIncomplete.
func SelectStandards(all []instrument.ExternalStandard, required []string, first, last time.Time) (StandardSet, error) {
	set := make(StandardSet, len(required))
	var missing []string
	for _, typ := range required {
		var b Bracket
		for i := range all {
			std := &all[i]
			if std.Standard != typ {
				continue
			}
			switch {
			case !std.DeployedAt.After(first):
				if b.Before == nil || std.DeployedAt.After(b.Before.DeployedAt) {
					b.Before = std
				}
			case std.DeployedAt.After(last):
				if b.After == nil || std.DeployedAt.Before(b.After.DeployedAt) {
					b.After = std
				}
			}
		}
		if b.Before == nil {
			missing = append(missing, typ)
			continue
		}
		set[typ] = b
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", common.ErrCalibrationIncomplete, strings.Join(missing, ", "))
	}
	return set, nil
}
