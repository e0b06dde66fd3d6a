package train

import (
	"math"
	"slices"
	"time"

	"github.com/skane-air/aqcast/internal/model"
)

// Split is a chronological train/validation partition.
type Split struct {
	Train      []model.Engineered
	Validation []model.Engineered
	Cutoff     time.Time // first validation date
}

// ChronologicalSplit puts the last fraction of distinct dates (at least one,
// never all) into validation. Every validation date is strictly later than
// every training date, across all locations.
func ChronologicalSplit(rows []model.Engineered, fraction float64) (Split, error) {
	var dates []time.Time
	seen := make(map[time.Time]bool)
	for _, r := range rows {
		d := model.Day(r.Date)
		if !seen[d] {
			seen[d] = true
			dates = append(dates, d)
		}
	}
	if len(dates) < 2 {
		return Split{}, &model.DataInsufficientError{Stage: "split", Have: len(dates), Need: 2}
	}
	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })

	nVal := int(math.Round(fraction * float64(len(dates))))
	nVal = min(max(nVal, 1), len(dates)-1)
	cutoff := dates[len(dates)-nVal]

	s := Split{Cutoff: cutoff}
	for _, r := range rows {
		if model.Day(r.Date).Before(cutoff) {
			s.Train = append(s.Train, r)
		} else {
			s.Validation = append(s.Validation, r)
		}
	}
	return s, nil
}
