package features

import (
	"time"

	"github.com/skane-air/aqcast/internal/model"
)

// Window is the number of preceding days lag and rolling features look at.
const Window = 3

// History holds one location's daily pm25 and weather keyed by calendar date.
// The pm25 and weather series are independent: forecast weather may exist for
// days without pm25.
type History struct {
	Location model.Location
	pm25     map[time.Time]float64
	weather  map[time.Time]model.Weather
}

// NewHistory returns an empty history for loc.
func NewHistory(loc model.Location) *History {
	return &History{
		Location: loc,
		pm25:     make(map[time.Time]float64),
		weather:  make(map[time.Time]model.Weather),
	}
}

// SetPM25 records pm25 on date, replacing any earlier value.
func (h *History) SetPM25(date time.Time, v float64) {
	h.pm25[model.Day(date)] = v
}

// SetWeather records weather on date, replacing any earlier value.
func (h *History) SetWeather(date time.Time, w model.Weather) {
	h.weather[model.Day(date)] = w
}

// AddObservation records both series of o.
func (h *History) AddObservation(o model.Observation) {
	h.SetPM25(o.Date, o.PM25)
	h.SetWeather(o.Date, o.Weather)
}

// PM25 returns the pm25 on date.
func (h *History) PM25(date time.Time) (float64, bool) {
	v, ok := h.pm25[model.Day(date)]
	return v, ok
}

// Weather returns the weather on date.
func (h *History) Weather(date time.Time) (model.Weather, bool) {
	w, ok := h.weather[model.Day(date)]
	return w, ok
}

// Row builds the engineered row for date. The row's own pm25 is filled when
// known and left zero otherwise, so the same code serves training and
// inference. ok is false when any lag, rolling or same-day weather input is
// missing.
func (h *History) Row(date time.Time) (model.Engineered, bool) {
	date = model.Day(date)

	today, ok := h.Weather(date)
	if !ok {
		return model.Engineered{}, false
	}

	var pm [Window]float64
	var wx [Window][4]float64
	for k := 1; k <= Window; k++ {
		d := model.AddDays(date, -k)
		p, ok := h.PM25(d)
		if !ok {
			return model.Engineered{}, false
		}
		w, ok := h.Weather(d)
		if !ok {
			return model.Engineered{}, false
		}
		pm[k-1] = p
		wx[k-1] = w.Values()
	}

	var roll [4]float64
	for i := range roll {
		roll[i] = (wx[0][i] + wx[1][i] + wx[2][i]) / Window
	}

	target, _ := h.PM25(date)
	return model.Engineered{
		Observation: model.Observation{
			LocationID: h.Location.ID,
			Date:       date,
			PM25:       target,
			Weather:    today,
			Latitude:   h.Location.Latitude,
			Longitude:  h.Location.Longitude,
		},
		PM25Lag1:     pm[0],
		PM25Lag2:     pm[1],
		PM25Lag3:     pm[2],
		PM25Roll3:    (pm[0] + pm[1] + pm[2]) / Window,
		WeatherLag1:  model.WeatherFromValues(wx[0]),
		WeatherRoll3: model.WeatherFromValues(roll),
		DayOfWeek:    model.DayOfWeek(date),
	}, true
}

// LatestPM25 returns the most recent date with pm25 on or before asOf.
func (h *History) LatestPM25(asOf time.Time) (time.Time, bool) {
	var latest time.Time
	asOf = model.Day(asOf)
	for d := range h.pm25 {
		if !d.After(asOf) && d.After(latest) {
			latest = d
		}
	}
	return latest, !latest.IsZero()
}
