package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/skane-air/aqcast/internal/model"
)

// Column lists shared by both drivers. Date columns are bound per driver.

var observationColumns = []string{
	"location_id", "date", "pm25",
	"temperature_mean", "precipitation_sum", "wind_speed_max", "wind_direction_dominant",
	"latitude", "longitude",
}

var weatherColumns = []string{
	"location_id", "date",
	"temperature_mean", "precipitation_sum", "wind_speed_max", "wind_direction_dominant",
	"source", "fetched_at",
}

var engineeredColumns = append(append([]string{}, observationColumns...),
	"pm25_lag_1", "pm25_lag_2", "pm25_lag_3", "pm25_roll_3",
	"temperature_mean_lag_1", "temperature_mean_roll_3",
	"precipitation_sum_lag_1", "precipitation_sum_roll_3",
	"wind_speed_max_lag_1", "wind_speed_max_roll_3",
	"wind_direction_dominant_lag_1", "wind_direction_dominant_roll_3",
	"day_of_week",
)

var predictionColumns = []string{
	"location_id", "forecast_date", "target_date", "predicted_pm25", "model_version",
}

var modelColumns = []string{
	"id", "created_at", "feature_names", "params", "metrics",
	"split_date", "train_rows", "validation_rows", "trials", "model",
}

func observationValues(o model.Observation, date any) []any {
	return []any{
		o.LocationID, date, o.PM25,
		o.TemperatureMean, o.PrecipitationSum, o.WindSpeedMax, o.WindDirectionDominant,
		o.Latitude, o.Longitude,
	}
}

func observationDest(o *model.Observation, date any) []any {
	return []any{
		&o.LocationID, date, &o.PM25,
		&o.TemperatureMean, &o.PrecipitationSum, &o.WindSpeedMax, &o.WindDirectionDominant,
		&o.Latitude, &o.Longitude,
	}
}

func weatherValues(w model.WeatherDay, date any) []any {
	return []any{
		w.LocationID, date,
		w.TemperatureMean, w.PrecipitationSum, w.WindSpeedMax, w.WindDirectionDominant,
		string(w.Source), w.FetchedAt.UTC(),
	}
}

func weatherDest(w *model.WeatherDay, date, source any) []any {
	return []any{
		&w.LocationID, date,
		&w.TemperatureMean, &w.PrecipitationSum, &w.WindSpeedMax, &w.WindDirectionDominant,
		source, &w.FetchedAt,
	}
}

func engineeredValues(e model.Engineered, date any) []any {
	return append(observationValues(e.Observation, date),
		e.PM25Lag1, e.PM25Lag2, e.PM25Lag3, e.PM25Roll3,
		e.WeatherLag1.TemperatureMean, e.WeatherRoll3.TemperatureMean,
		e.WeatherLag1.PrecipitationSum, e.WeatherRoll3.PrecipitationSum,
		e.WeatherLag1.WindSpeedMax, e.WeatherRoll3.WindSpeedMax,
		e.WeatherLag1.WindDirectionDominant, e.WeatherRoll3.WindDirectionDominant,
		e.DayOfWeek,
	)
}

func engineeredDest(e *model.Engineered, date any) []any {
	return append(observationDest(&e.Observation, date),
		&e.PM25Lag1, &e.PM25Lag2, &e.PM25Lag3, &e.PM25Roll3,
		&e.WeatherLag1.TemperatureMean, &e.WeatherRoll3.TemperatureMean,
		&e.WeatherLag1.PrecipitationSum, &e.WeatherRoll3.PrecipitationSum,
		&e.WeatherLag1.WindSpeedMax, &e.WeatherRoll3.WindSpeedMax,
		&e.WeatherLag1.WindDirectionDominant, &e.WeatherRoll3.WindDirectionDominant,
		&e.DayOfWeek,
	)
}

// artifactJSON holds the JSON-encoded artifact fields stored as text columns.
type artifactJSON struct {
	FeatureNames []byte
	Params       []byte
	Metrics      []byte
	Trials       []byte
}

func encodeArtifact(a *model.Artifact) (artifactJSON, error) {
	var out artifactJSON
	var err error
	if out.FeatureNames, err = json.Marshal(a.FeatureNames); err != nil {
		return out, eris.Wrap(err, "store: marshal feature names")
	}
	if out.Params, err = json.Marshal(a.Params); err != nil {
		return out, eris.Wrap(err, "store: marshal params")
	}
	if out.Metrics, err = json.Marshal(a.Metrics); err != nil {
		return out, eris.Wrap(err, "store: marshal metrics")
	}
	trials := a.Trials
	if trials == nil {
		trials = []model.Trial{}
	}
	if out.Trials, err = json.Marshal(trials); err != nil {
		return out, eris.Wrap(err, "store: marshal trials")
	}
	return out, nil
}

func (j artifactJSON) decode(a *model.Artifact) error {
	if err := json.Unmarshal(j.FeatureNames, &a.FeatureNames); err != nil {
		return eris.Wrap(err, "store: unmarshal feature names")
	}
	if err := json.Unmarshal(j.Params, &a.Params); err != nil {
		return eris.Wrap(err, "store: unmarshal params")
	}
	if err := json.Unmarshal(j.Metrics, &a.Metrics); err != nil {
		return eris.Wrap(err, "store: unmarshal metrics")
	}
	if err := json.Unmarshal(j.Trials, &a.Trials); err != nil {
		return eris.Wrap(err, "store: unmarshal trials")
	}
	if len(a.Trials) == 0 {
		a.Trials = nil
	}
	return nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal run metadata")
	}
	return data, nil
}

func unmarshalMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// normDay truncates a range bound to its date, keeping zero as open.
func normDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return model.Day(t)
}

// where accumulates filter clauses and their arguments. Clauses are written
// with a single ? that is rewritten to $n for Postgres.
type where struct {
	clauses []string
	args    []any
	dollar  bool
	date    func(time.Time) any
}

func sqliteWhere() *where {
	return &where{date: func(t time.Time) any { return sqliteDate(t) }}
}

func pgWhere() *where {
	return &where{dollar: true, date: func(t time.Time) any { return model.Day(t) }}
}

// arg appends v and returns its placeholder.
func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	if w.dollar {
		return "$" + strconv.Itoa(len(w.args))
	}
	return "?"
}

func (w *where) add(clause string, v any) {
	w.clauses = append(w.clauses, strings.Replace(clause, "?", w.arg(v), 1))
}

func (w *where) dateRange(col string, from, to time.Time) {
	if !from.IsZero() {
		w.add(col+" >= ?", w.date(from))
	}
	if !to.IsZero() {
		w.add(col+" <= ?", w.date(to))
	}
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// runPage renders LIMIT/OFFSET for a run listing; the default limit is 100.
func runPage(w *where, filter RunFilter) string {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	out := " LIMIT " + w.arg(limit)
	if filter.Offset > 0 {
		out += " OFFSET " + w.arg(filter.Offset)
	}
	return out
}
