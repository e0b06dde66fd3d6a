package model

import (
	"github.com/rotisserie/eris"
)

// Engineered is an Observation extended with lag, rolling, and calendar features.
// Rows only exist when every derived feature could be computed.
type Engineered struct {
	Observation
	PM25Lag1     float64 `json:"pm25_lag_1"`
	PM25Lag2     float64 `json:"pm25_lag_2"`
	PM25Lag3     float64 `json:"pm25_lag_3"`
	PM25Roll3    float64 `json:"pm25_roll_3"`
	WeatherLag1  Weather `json:"weather_lag_1"`
	WeatherRoll3 Weather `json:"weather_roll_3"`
	DayOfWeek    int     `json:"day_of_week"`
}

// Validate checks the embedded observation and derived fields.
func (e Engineered) Validate() error {
	if err := e.Observation.Validate(); err != nil {
		return err
	}
	derived := []float64{e.PM25Lag1, e.PM25Lag2, e.PM25Lag3, e.PM25Roll3}
	lag, roll := e.WeatherLag1.Values(), e.WeatherRoll3.Values()
	derived = append(derived, lag[:]...)
	derived = append(derived, roll[:]...)
	for _, v := range derived {
		if !finite(v) {
			return eris.Errorf("engineered %s %s: non-finite derived feature",
				e.LocationID, e.Date.Format(DateLayout))
		}
	}
	if e.DayOfWeek < 0 || e.DayOfWeek > 6 {
		return eris.Errorf("engineered %s %s: day_of_week %d out of range",
			e.LocationID, e.Date.Format(DateLayout), e.DayOfWeek)
	}
	return nil
}
