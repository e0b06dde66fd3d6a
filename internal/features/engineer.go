package features

import (
	"math"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/model"
)

// Drop reasons reported by Engineer and FilterOutliers.
const (
	ReasonMissingHistory  = "missing_history"
	ReasonUnknownLocation = "unknown_location"
	ReasonOutlier         = "outlier"
	ReasonInvalid         = "invalid"
)

// Result is the output of Engineer.
type Result struct {
	Rows    []model.Engineered
	Dropped map[string]int // reason -> count
}

// Engineer groups observations by location, sorts them by date, and derives
// the engineered row for every date whose three preceding days are present.
// Duplicate (location, date) inputs keep the last occurrence. Rows are
// returned in location order, then date order.
func Engineer(obs []model.Observation, locs []model.Location) Result {
	log := zap.L().With(zap.String("component", "features"))
	res := Result{Dropped: make(map[string]int)}

	idx := model.LocationIndex(locs)
	histories := make(map[string]*History, len(locs))
	dates := make(map[string][]time.Time, len(locs))
	for _, o := range obs {
		loc, ok := idx[o.LocationID]
		if !ok {
			res.Dropped[ReasonUnknownLocation]++
			continue
		}
		h, ok := histories[o.LocationID]
		if !ok {
			h = NewHistory(loc)
			histories[o.LocationID] = h
		}
		h.AddObservation(o)
		dates[o.LocationID] = append(dates[o.LocationID], o.Date)
	}

	for _, loc := range locs {
		h, ok := histories[loc.ID]
		if !ok {
			continue
		}
		days := uniqueDates(dates[loc.ID])
		for _, d := range days {
			row, ok := h.Row(d)
			if !ok {
				res.Dropped[ReasonMissingHistory]++
				continue
			}
			res.Rows = append(res.Rows, row)
		}
	}

	if len(res.Dropped) > 0 {
		log.Debug("engineer: dropped rows",
			zap.Int("kept", len(res.Rows)),
			zap.Any("dropped", res.Dropped))
	}
	return res
}

// uniqueDates truncates to calendar days, drops duplicates and sorts.
func uniqueDates(ds []time.Time) []time.Time {
	seen := make(map[int64]bool, len(ds))
	out := make([]time.Time, 0, len(ds))
	for _, d := range ds {
		d = model.Day(d)
		if seen[d.Unix()] {
			continue
		}
		seen[d.Unix()] = true
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// Validate rejects an observation that is unusable as training data.
func Validate(o model.Observation, pm25Max float64) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.PM25 < 0 || o.PM25 > pm25Max || math.IsNaN(o.PM25) {
		return eris.Errorf("observation %s %s: pm25 %.1f outside [0, %.0f]",
			o.LocationID, o.Date.Format(model.DateLayout), o.PM25, pm25Max)
	}
	return nil
}

// FilterOutliers drops observations with pm25 outside [0, pm25Max] or
// otherwise invalid. The returned map counts drops by reason.
func FilterOutliers(obs []model.Observation, pm25Max float64) ([]model.Observation, map[string]int) {
	kept := make([]model.Observation, 0, len(obs))
	dropped := make(map[string]int)
	for _, o := range obs {
		if err := o.Validate(); err != nil {
			dropped[ReasonInvalid]++
			continue
		}
		if err := Validate(o, pm25Max); err != nil {
			dropped[ReasonOutlier]++
			continue
		}
		kept = append(kept, o)
	}
	if n := dropped[ReasonOutlier] + dropped[ReasonInvalid]; n > 0 {
		zap.L().Info("dropped observations at ingestion",
			zap.String("component", "features"),
			zap.Int("outliers", dropped[ReasonOutlier]),
			zap.Int("invalid", dropped[ReasonInvalid]))
	}
	return kept, dropped
}
