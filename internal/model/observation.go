package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Weather holds the daily weather variables used as model inputs.
type Weather struct {
	TemperatureMean       float64 `json:"temperature_mean"`
	PrecipitationSum      float64 `json:"precipitation_sum"`
	WindSpeedMax          float64 `json:"wind_speed_max"`
	WindDirectionDominant float64 `json:"wind_direction_dominant"`
}

// Values returns the weather variables in canonical order.
func (w Weather) Values() [4]float64 {
	return [4]float64{w.TemperatureMean, w.PrecipitationSum, w.WindSpeedMax, w.WindDirectionDominant}
}

// WeatherFromValues is the inverse of Values.
func WeatherFromValues(v [4]float64) Weather {
	return Weather{
		TemperatureMean:       v[0],
		PrecipitationSum:      v[1],
		WindSpeedMax:          v[2],
		WindDirectionDominant: v[3],
	}
}

// WeatherVariables names the weather variables in canonical order.
var WeatherVariables = [4]string{
	"temperature_mean",
	"precipitation_sum",
	"wind_speed_max",
	"wind_direction_dominant",
}

// Observation is one day of air quality and weather at a location.
// Unique per (LocationID, Date).
type Observation struct {
	LocationID string    `json:"location_id"`
	Date       time.Time `json:"date"`
	PM25       float64   `json:"pm25"`
	Weather
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the fields the store requires.
func (o Observation) Validate() error {
	if o.LocationID == "" {
		return eris.New("observation: empty location_id")
	}
	if o.Date.IsZero() {
		return eris.Errorf("observation %s: zero date", o.LocationID)
	}
	if !finite(o.PM25) {
		return eris.Errorf("observation %s %s: non-finite pm25", o.LocationID, o.Date.Format(DateLayout))
	}
	for i, v := range o.Weather.Values() {
		if !finite(v) {
			return eris.Errorf("observation %s %s: non-finite %s", o.LocationID, o.Date.Format(DateLayout), WeatherVariables[i])
		}
	}
	return nil
}

// WeatherSource tells where a WeatherDay came from.
type WeatherSource string

const (
	WeatherArchive  WeatherSource = "archive"
	WeatherForecast WeatherSource = "forecast"
)

// WeatherDay is one day of observed or forecast weather at a location.
type WeatherDay struct {
	LocationID string        `json:"location_id"`
	Date       time.Time     `json:"date"`
	Weather                  // embedded daily variables
	Source     WeatherSource `json:"source"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

// Validate checks the fields the store requires.
func (w WeatherDay) Validate() error {
	if w.LocationID == "" {
		return eris.New("weather: empty location_id")
	}
	if w.Date.IsZero() {
		return eris.Errorf("weather %s: zero date", w.LocationID)
	}
	for i, v := range w.Weather.Values() {
		if !finite(v) {
			return eris.Errorf("weather %s %s: non-finite %s", w.LocationID, w.Date.Format(DateLayout), WeatherVariables[i])
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
