package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/skane-air/aqcast/internal/db"
	"github.com/skane-air/aqcast/internal/model"
)

// PostgresStore implements Store on a pgx pool. Bulk writes go through
// db.BulkUpsert (COPY into a temp table, then INSERT ... ON CONFLICT).
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres wraps an open pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS observations (
	location_id             TEXT NOT NULL,
	date                    DATE NOT NULL,
	pm25                    DOUBLE PRECISION NOT NULL,
	temperature_mean        DOUBLE PRECISION NOT NULL,
	precipitation_sum       DOUBLE PRECISION NOT NULL,
	wind_speed_max          DOUBLE PRECISION NOT NULL,
	wind_direction_dominant DOUBLE PRECISION NOT NULL,
	latitude                DOUBLE PRECISION NOT NULL,
	longitude               DOUBLE PRECISION NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (location_id, date)
);

CREATE TABLE IF NOT EXISTS weather_days (
	location_id             TEXT NOT NULL,
	date                    DATE NOT NULL,
	temperature_mean        DOUBLE PRECISION NOT NULL,
	precipitation_sum       DOUBLE PRECISION NOT NULL,
	wind_speed_max          DOUBLE PRECISION NOT NULL,
	wind_direction_dominant DOUBLE PRECISION NOT NULL,
	source                  TEXT NOT NULL,
	fetched_at              TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (location_id, date)
);

CREATE TABLE IF NOT EXISTS engineered (
	location_id                    TEXT NOT NULL,
	date                           DATE NOT NULL,
	pm25                           DOUBLE PRECISION NOT NULL,
	temperature_mean               DOUBLE PRECISION NOT NULL,
	precipitation_sum              DOUBLE PRECISION NOT NULL,
	wind_speed_max                 DOUBLE PRECISION NOT NULL,
	wind_direction_dominant        DOUBLE PRECISION NOT NULL,
	latitude                       DOUBLE PRECISION NOT NULL,
	longitude                      DOUBLE PRECISION NOT NULL,
	pm25_lag_1                     DOUBLE PRECISION NOT NULL,
	pm25_lag_2                     DOUBLE PRECISION NOT NULL,
	pm25_lag_3                     DOUBLE PRECISION NOT NULL,
	pm25_roll_3                    DOUBLE PRECISION NOT NULL,
	temperature_mean_lag_1         DOUBLE PRECISION NOT NULL,
	temperature_mean_roll_3        DOUBLE PRECISION NOT NULL,
	precipitation_sum_lag_1        DOUBLE PRECISION NOT NULL,
	precipitation_sum_roll_3       DOUBLE PRECISION NOT NULL,
	wind_speed_max_lag_1           DOUBLE PRECISION NOT NULL,
	wind_speed_max_roll_3          DOUBLE PRECISION NOT NULL,
	wind_direction_dominant_lag_1  DOUBLE PRECISION NOT NULL,
	wind_direction_dominant_roll_3 DOUBLE PRECISION NOT NULL,
	day_of_week                    INTEGER NOT NULL,
	PRIMARY KEY (location_id, date)
);

CREATE TABLE IF NOT EXISTS models (
	version         INTEGER GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	created_at      TIMESTAMPTZ NOT NULL,
	feature_names   JSONB NOT NULL,
	params          JSONB NOT NULL,
	metrics         JSONB NOT NULL,
	split_date      DATE NOT NULL,
	train_rows      INTEGER NOT NULL,
	validation_rows INTEGER NOT NULL,
	trials          JSONB NOT NULL,
	model           BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS predictions (
	location_id    TEXT NOT NULL,
	forecast_date  DATE NOT NULL,
	target_date    DATE NOT NULL,
	predicted_pm25 DOUBLE PRECISION NOT NULL,
	model_version  INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (location_id, forecast_date, target_date)
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	command      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	rows_written BIGINT NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     JSONB
);

CREATE INDEX IF NOT EXISTS idx_engineered_date ON engineered(date);
CREATE INDEX IF NOT EXISTS idx_predictions_forecast_date ON predictions(forecast_date);
CREATE INDEX IF NOT EXISTS idx_predictions_target ON predictions(location_id, target_date);
CREATE INDEX IF NOT EXISTS idx_runs_command_started ON runs(command, started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Observations

func (s *PostgresStore) UpsertObservations(ctx context.Context, rows []model.Observation) (int64, error) {
	if err := validateAll(rows); err != nil {
		return 0, err
	}
	values := make([][]any, len(rows))
	for i, o := range rows {
		values[i] = observationValues(o, model.Day(o.Date))
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "observations",
		Columns:      observationColumns,
		ConflictKeys: []string{"location_id", "date"},
	}, values)
	return n, eris.Wrap(err, "postgres: upsert observations")
}

func (s *PostgresStore) Observations(ctx context.Context, locationID string, from, to time.Time) ([]model.Observation, error) {
	w := pgWhere()
	if locationID != "" {
		w.add("location_id = ?", locationID)
	}
	w.dateRange("date", from, to)
	query := "SELECT " + strings.Join(observationColumns, ", ") + " FROM observations" + w.String() +
		" ORDER BY location_id, date"
	return s.queryObservations(ctx, query, w.args...)
}

func (s *PostgresStore) LatestObservations(ctx context.Context, locationID string, asOf time.Time, n int) ([]model.Observation, error) {
	query := "SELECT " + strings.Join(observationColumns, ", ") +
		" FROM observations WHERE location_id = $1 AND date <= $2 ORDER BY date DESC LIMIT $3"
	out, err := s.queryObservations(ctx, query, locationID, model.Day(asOf), n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) queryObservations(ctx context.Context, query string, args ...any) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		if err := rows.Scan(observationDest(&o, &o.Date)...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		o.Date = model.Day(o.Date)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: observations iterate")
}

// Weather

func (s *PostgresStore) UpsertWeather(ctx context.Context, rows []model.WeatherDay) (int64, error) {
	if err := validateAll(rows); err != nil {
		return 0, err
	}
	values := make([][]any, len(rows))
	for i, w := range rows {
		values[i] = weatherValues(w, model.Day(w.Date))
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "weather_days",
		Columns:      weatherColumns,
		ConflictKeys: []string{"location_id", "date"},
	}, values)
	return n, eris.Wrap(err, "postgres: upsert weather")
}

func (s *PostgresStore) Weather(ctx context.Context, locationID string, from, to time.Time) ([]model.WeatherDay, error) {
	w := pgWhere()
	if locationID != "" {
		w.add("location_id = ?", locationID)
	}
	w.dateRange("date", from, to)
	rows, err := s.pool.Query(ctx,
		"SELECT "+strings.Join(weatherColumns, ", ")+" FROM weather_days"+w.String()+" ORDER BY location_id, date",
		w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query weather")
	}
	defer rows.Close()

	var out []model.WeatherDay
	for rows.Next() {
		var wd model.WeatherDay
		var source string
		if err := rows.Scan(weatherDest(&wd, &wd.Date, &source)...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan weather")
		}
		wd.Date = model.Day(wd.Date)
		wd.Source = model.WeatherSource(source)
		wd.FetchedAt = wd.FetchedAt.UTC()
		out = append(out, wd)
	}
	return out, eris.Wrap(rows.Err(), "postgres: weather iterate")
}

// Engineered

func (s *PostgresStore) UpsertEngineered(ctx context.Context, rows []model.Engineered) (int64, error) {
	if err := validateAll(rows); err != nil {
		return 0, err
	}
	values := make([][]any, len(rows))
	for i, e := range rows {
		values[i] = engineeredValues(e, model.Day(e.Date))
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "engineered",
		Columns:      engineeredColumns,
		ConflictKeys: []string{"location_id", "date"},
	}, values)
	return n, eris.Wrap(err, "postgres: upsert engineered")
}

func (s *PostgresStore) Engineered(ctx context.Context, from, to time.Time) ([]model.Engineered, error) {
	w := pgWhere()
	w.dateRange("date", from, to)
	rows, err := s.pool.Query(ctx,
		"SELECT "+strings.Join(engineeredColumns, ", ")+" FROM engineered"+w.String()+" ORDER BY location_id, date",
		w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query engineered")
	}
	defer rows.Close()

	var out []model.Engineered
	for rows.Next() {
		var e model.Engineered
		if err := rows.Scan(engineeredDest(&e, &e.Date)...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan engineered")
		}
		e.Date = model.Day(e.Date)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: engineered iterate")
}

// Models

func (s *PostgresStore) SaveModel(ctx context.Context, art *model.Artifact) error {
	enc, err := encodeArtifact(art)
	if err != nil {
		return err
	}
	if art.ID == "" {
		art.ID = uuid.New().String()
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	err = s.pool.QueryRow(ctx,
		"INSERT INTO models ("+strings.Join(modelColumns, ", ")+
			") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING version",
		art.ID, art.CreatedAt.UTC(), enc.FeatureNames, enc.Params, enc.Metrics,
		model.Day(art.SplitDate), art.TrainRows, art.ValidationRows, enc.Trials, art.Model,
	).Scan(&art.Version)
	return eris.Wrap(err, "postgres: insert model")
}

const pgModelSelect = "SELECT version, id, created_at, feature_names, params, metrics, split_date, train_rows, validation_rows, trials, model FROM models"

func (s *PostgresStore) LatestModel(ctx context.Context) (*model.Artifact, error) {
	return scanPGModel(s.pool.QueryRow(ctx, pgModelSelect+" ORDER BY version DESC LIMIT 1"))
}

func (s *PostgresStore) GetModel(ctx context.Context, version int) (*model.Artifact, error) {
	return scanPGModel(s.pool.QueryRow(ctx, pgModelSelect+" WHERE version = $1", version))
}

func scanPGModel(row pgx.Row) (*model.Artifact, error) {
	var a model.Artifact
	var j artifactJSON
	err := row.Scan(&a.Version, &a.ID, &a.CreatedAt, &j.FeatureNames, &j.Params, &j.Metrics, &a.SplitDate,
		&a.TrainRows, &a.ValidationRows, &j.Trials, &a.Model)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan model")
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.SplitDate = model.Day(a.SplitDate)
	if err := j.decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Predictions

func (s *PostgresStore) UpsertPredictions(ctx context.Context, rows []model.Prediction) (int64, error) {
	if err := validatePredictions(rows); err != nil {
		return 0, err
	}
	values := make([][]any, len(rows))
	for i, p := range rows {
		values[i] = []any{p.LocationID, model.Day(p.ForecastDate), model.Day(p.TargetDate), p.PredictedPM25, p.ModelVersion}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "predictions",
		Columns:      predictionColumns,
		ConflictKeys: []string{"location_id", "forecast_date", "target_date"},
	}, values)
	return n, eris.Wrap(err, "postgres: upsert predictions")
}

func (s *PostgresStore) Predictions(ctx context.Context, forecastDate time.Time) ([]model.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+strings.Join(predictionColumns, ", ")+
			" FROM predictions WHERE forecast_date = $1 ORDER BY location_id, target_date",
		model.Day(forecastDate))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query predictions")
	}
	defer rows.Close()

	var out []model.Prediction
	for rows.Next() {
		var p model.Prediction
		if err := rows.Scan(&p.LocationID, &p.ForecastDate, &p.TargetDate, &p.PredictedPM25, &p.ModelVersion); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prediction")
		}
		p.ForecastDate, p.TargetDate = model.Day(p.ForecastDate), model.Day(p.TargetDate)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: predictions iterate")
}

func (s *PostgresStore) LatestForecastDate(ctx context.Context) (time.Time, error) {
	var d *time.Time
	if err := s.pool.QueryRow(ctx, "SELECT MAX(forecast_date) FROM predictions").Scan(&d); err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: latest forecast date")
	}
	if d == nil {
		return time.Time{}, ErrNotFound
	}
	return model.Day(*d), nil
}

func (s *PostgresStore) Hindcast(ctx context.Context, locationID string, from, to time.Time) ([]model.Hindcast, error) {
	w := pgWhere()
	w.add("p.location_id = ?", locationID)
	w.dateRange("p.target_date", from, to)
	rows, err := s.pool.Query(ctx,
		`SELECT p.location_id, p.forecast_date, p.target_date, p.predicted_pm25, p.model_version, o.pm25
		 FROM predictions p
		 JOIN observations o ON o.location_id = p.location_id AND o.date = p.target_date`+w.String()+
			` ORDER BY p.target_date, p.forecast_date`,
		w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query hindcast")
	}
	defer rows.Close()

	var out []model.Hindcast
	for rows.Next() {
		var h model.Hindcast
		if err := rows.Scan(&h.LocationID, &h.ForecastDate, &h.TargetDate, &h.PredictedPM25, &h.ModelVersion, &h.ObservedPM25); err != nil {
			return nil, eris.Wrap(err, "postgres: scan hindcast")
		}
		h.ForecastDate, h.TargetDate = model.Day(h.ForecastDate), model.Day(h.TargetDate)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: hindcast iterate")
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, command string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, command, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, command, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start run %s", command)
	}
	return &model.Run{ID: id, Command: command, Status: model.RunStatusRunning, StartedAt: now}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result model.RunResult) error {
	meta, err := marshalMetadata(result.Metadata)
	if err != nil {
		return err
	}
	status := result.Status
	if status == "" {
		status = model.RunStatusComplete
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = now(), rows_written = $2, metadata = $3 WHERE id = $4`,
		string(status), result.Rows, meta, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	w := pgWhere()
	if filter.Command != "" {
		w.add("command = ?", filter.Command)
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	query := fmt.Sprintf(`SELECT id, command, status, started_at, completed_at, rows_written, error, metadata
		 FROM runs%s ORDER BY started_at DESC%s`, w.String(), runPage(w, filter))

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&r.ID, &r.Command, &status, &r.StartedAt, &r.CompletedAt, &r.Rows, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if errStr != nil {
			r.Error = *errStr
		}
		r.Metadata = unmarshalMetadata(metaJSON)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) LastSuccess(ctx context.Context, command string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM runs
		 WHERE command = $1 AND status IN ('complete', 'partial')
		 ORDER BY started_at DESC LIMIT 1`,
		command,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last success for %s", command)
	}
	return &t, nil
}
