package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/skane-air/aqcast/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Calendar dates are
// stored as YYYY-MM-DD text so range filters compare lexically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS observations (
	location_id             TEXT NOT NULL,
	date                    TEXT NOT NULL,
	pm25                    REAL NOT NULL,
	temperature_mean        REAL NOT NULL,
	precipitation_sum       REAL NOT NULL,
	wind_speed_max          REAL NOT NULL,
	wind_direction_dominant REAL NOT NULL,
	latitude                REAL NOT NULL,
	longitude               REAL NOT NULL,
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (location_id, date)
);

CREATE TABLE IF NOT EXISTS weather_days (
	location_id             TEXT NOT NULL,
	date                    TEXT NOT NULL,
	temperature_mean        REAL NOT NULL,
	precipitation_sum       REAL NOT NULL,
	wind_speed_max          REAL NOT NULL,
	wind_direction_dominant REAL NOT NULL,
	source                  TEXT NOT NULL,
	fetched_at              DATETIME NOT NULL,
	PRIMARY KEY (location_id, date)
);

CREATE TABLE IF NOT EXISTS engineered (
	location_id                    TEXT NOT NULL,
	date                           TEXT NOT NULL,
	pm25                           REAL NOT NULL,
	temperature_mean               REAL NOT NULL,
	precipitation_sum              REAL NOT NULL,
	wind_speed_max                 REAL NOT NULL,
	wind_direction_dominant        REAL NOT NULL,
	latitude                       REAL NOT NULL,
	longitude                      REAL NOT NULL,
	pm25_lag_1                     REAL NOT NULL,
	pm25_lag_2                     REAL NOT NULL,
	pm25_lag_3                     REAL NOT NULL,
	pm25_roll_3                    REAL NOT NULL,
	temperature_mean_lag_1         REAL NOT NULL,
	temperature_mean_roll_3        REAL NOT NULL,
	precipitation_sum_lag_1        REAL NOT NULL,
	precipitation_sum_roll_3       REAL NOT NULL,
	wind_speed_max_lag_1           REAL NOT NULL,
	wind_speed_max_roll_3          REAL NOT NULL,
	wind_direction_dominant_lag_1  REAL NOT NULL,
	wind_direction_dominant_roll_3 REAL NOT NULL,
	day_of_week                    INTEGER NOT NULL,
	PRIMARY KEY (location_id, date)
);

CREATE TABLE IF NOT EXISTS models (
	version         INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	created_at      DATETIME NOT NULL,
	feature_names   TEXT NOT NULL,
	params          TEXT NOT NULL,
	metrics         TEXT NOT NULL,
	split_date      TEXT NOT NULL,
	train_rows      INTEGER NOT NULL,
	validation_rows INTEGER NOT NULL,
	trials          TEXT NOT NULL,
	model           BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS predictions (
	location_id    TEXT NOT NULL,
	forecast_date  TEXT NOT NULL,
	target_date    TEXT NOT NULL,
	predicted_pm25 REAL NOT NULL,
	model_version  INTEGER NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (location_id, forecast_date, target_date)
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	command      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	rows_written INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_engineered_date ON engineered(date);
CREATE INDEX IF NOT EXISTS idx_predictions_forecast_date ON predictions(forecast_date);
CREATE INDEX IF NOT EXISTS idx_predictions_target ON predictions(location_id, target_date);
CREATE INDEX IF NOT EXISTS idx_runs_command_started ON runs(command, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteDate(t time.Time) string {
	return model.Day(t).Format(model.DateLayout)
}

// sqliteUpsertSQL builds INSERT ... ON CONFLICT DO UPDATE for the given columns.
func sqliteUpsertSQL(table string, cols, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), ph, strings.Join(keys, ", "), strings.Join(sets, ", "))
}

// upsertAll runs one prepared upsert per row inside a transaction.
func (s *SQLiteStore) upsertAll(ctx context.Context, table string, cols, keys []string, n int, values func(i int) []any) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: begin upsert %s", table)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertSQL(table, cols, keys))
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: prepare upsert %s", table)
	}
	defer stmt.Close() //nolint:errcheck

	var total int64
	for i := range n {
		res, err := stmt.ExecContext(ctx, values(i)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert %s row %d", table, i)
		}
		affected, _ := res.RowsAffected()
		total += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrapf(err, "sqlite: commit upsert %s", table)
	}
	return total, nil
}

// Observations

func (s *SQLiteStore) UpsertObservations(ctx context.Context, rows []model.Observation) (int64, error) {
	if err := validateAll(rows); err != nil {
		return 0, err
	}
	return s.upsertAll(ctx, "observations", observationColumns, []string{"location_id", "date"}, len(rows),
		func(i int) []any { return observationValues(rows[i], sqliteDate(rows[i].Date)) })
}

func (s *SQLiteStore) Observations(ctx context.Context, locationID string, from, to time.Time) ([]model.Observation, error) {
	w := sqliteWhere()
	if locationID != "" {
		w.add("location_id = ?", locationID)
	}
	w.dateRange("date", from, to)
	query := "SELECT " + strings.Join(observationColumns, ", ") + " FROM observations" + w.String() +
		" ORDER BY location_id, date"
	return s.queryObservations(ctx, query, w.args...)
}

func (s *SQLiteStore) LatestObservations(ctx context.Context, locationID string, asOf time.Time, n int) ([]model.Observation, error) {
	query := "SELECT " + strings.Join(observationColumns, ", ") +
		" FROM observations WHERE location_id = ? AND date <= ? ORDER BY date DESC LIMIT ?"
	out, err := s.queryObservations(ctx, query, locationID, sqliteDate(asOf), n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) queryObservations(ctx context.Context, query string, args ...any) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var date string
		if err := rows.Scan(observationDest(&o, &date)...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		if o.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: observations iterate")
}

// Weather

func (s *SQLiteStore) UpsertWeather(ctx context.Context, rows []model.WeatherDay) (int64, error) {
	if err := validateAll(rows); err != nil {
		return 0, err
	}
	return s.upsertAll(ctx, "weather_days", weatherColumns, []string{"location_id", "date"}, len(rows),
		func(i int) []any { return weatherValues(rows[i], sqliteDate(rows[i].Date)) })
}

func (s *SQLiteStore) Weather(ctx context.Context, locationID string, from, to time.Time) ([]model.WeatherDay, error) {
	w := sqliteWhere()
	if locationID != "" {
		w.add("location_id = ?", locationID)
	}
	w.dateRange("date", from, to)
	query := "SELECT " + strings.Join(weatherColumns, ", ") + " FROM weather_days" + w.String() +
		" ORDER BY location_id, date"

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query weather")
	}
	defer rows.Close()

	var out []model.WeatherDay
	for rows.Next() {
		var wd model.WeatherDay
		var date, source string
		if err := rows.Scan(weatherDest(&wd, &date, &source)...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan weather")
		}
		if wd.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		wd.Source = model.WeatherSource(source)
		wd.FetchedAt = wd.FetchedAt.UTC()
		out = append(out, wd)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: weather iterate")
}

// Engineered

func (s *SQLiteStore) UpsertEngineered(ctx context.Context, rows []model.Engineered) (int64, error) {
	if err := validateAll(rows); err != nil {
		return 0, err
	}
	return s.upsertAll(ctx, "engineered", engineeredColumns, []string{"location_id", "date"}, len(rows),
		func(i int) []any { return engineeredValues(rows[i], sqliteDate(rows[i].Date)) })
}

func (s *SQLiteStore) Engineered(ctx context.Context, from, to time.Time) ([]model.Engineered, error) {
	w := sqliteWhere()
	w.dateRange("date", from, to)
	query := "SELECT " + strings.Join(engineeredColumns, ", ") + " FROM engineered" + w.String() +
		" ORDER BY location_id, date"

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query engineered")
	}
	defer rows.Close()

	var out []model.Engineered
	for rows.Next() {
		var e model.Engineered
		var date string
		if err := rows.Scan(engineeredDest(&e, &date)...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan engineered")
		}
		if e.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: engineered iterate")
}

// Models

func (s *SQLiteStore) SaveModel(ctx context.Context, art *model.Artifact) error {
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
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO models ("+strings.Join(modelColumns, ", ")+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		art.ID, art.CreatedAt.UTC(), string(enc.FeatureNames), string(enc.Params), string(enc.Metrics),
		sqliteDate(art.SplitDate), art.TrainRows, art.ValidationRows, string(enc.Trials), art.Model,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert model")
	}
	version, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: model version")
	}
	art.Version = int(version)
	return nil
}

const sqliteModelSelect = "SELECT version, id, created_at, feature_names, params, metrics, split_date, train_rows, validation_rows, trials, model FROM models"

func (s *SQLiteStore) LatestModel(ctx context.Context) (*model.Artifact, error) {
	return s.scanModel(s.db.QueryRowContext(ctx, sqliteModelSelect+" ORDER BY version DESC LIMIT 1"))
}

func (s *SQLiteStore) GetModel(ctx context.Context, version int) (*model.Artifact, error) {
	return s.scanModel(s.db.QueryRowContext(ctx, sqliteModelSelect+" WHERE version = ?", version))
}

func (s *SQLiteStore) scanModel(row *sql.Row) (*model.Artifact, error) {
	var a model.Artifact
	var fn, params, metrics, trials, split string
	err := row.Scan(&a.Version, &a.ID, &a.CreatedAt, &fn, &params, &metrics, &split,
		&a.TrainRows, &a.ValidationRows, &trials, &a.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan model")
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if a.SplitDate, err = model.ParseDate(split); err != nil {
		return nil, err
	}
	j := artifactJSON{FeatureNames: []byte(fn), Params: []byte(params), Metrics: []byte(metrics), Trials: []byte(trials)}
	if err := j.decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Predictions

func (s *SQLiteStore) UpsertPredictions(ctx context.Context, rows []model.Prediction) (int64, error) {
	if err := validatePredictions(rows); err != nil {
		return 0, err
	}
	return s.upsertAll(ctx, "predictions", predictionColumns,
		[]string{"location_id", "forecast_date", "target_date"}, len(rows),
		func(i int) []any {
			p := rows[i]
			return []any{p.LocationID, sqliteDate(p.ForecastDate), sqliteDate(p.TargetDate), p.PredictedPM25, p.ModelVersion}
		})
}

func (s *SQLiteStore) Predictions(ctx context.Context, forecastDate time.Time) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+strings.Join(predictionColumns, ", ")+
			" FROM predictions WHERE forecast_date = ? ORDER BY location_id, target_date",
		sqliteDate(forecastDate))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query predictions")
	}
	defer rows.Close()

	var out []model.Prediction
	for rows.Next() {
		var p model.Prediction
		var fd, td string
		if err := rows.Scan(&p.LocationID, &fd, &td, &p.PredictedPM25, &p.ModelVersion); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prediction")
		}
		if p.ForecastDate, err = model.ParseDate(fd); err != nil {
			return nil, err
		}
		if p.TargetDate, err = model.ParseDate(td); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: predictions iterate")
}

func (s *SQLiteStore) LatestForecastDate(ctx context.Context) (time.Time, error) {
	var d sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(forecast_date) FROM predictions").Scan(&d); err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: latest forecast date")
	}
	if !d.Valid {
		return time.Time{}, ErrNotFound
	}
	return model.ParseDate(d.String)
}

func (s *SQLiteStore) Hindcast(ctx context.Context, locationID string, from, to time.Time) ([]model.Hindcast, error) {
	w := sqliteWhere()
	w.add("p.location_id = ?", locationID)
	w.dateRange("p.target_date", from, to)
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.location_id, p.forecast_date, p.target_date, p.predicted_pm25, p.model_version, o.pm25
		 FROM predictions p
		 JOIN observations o ON o.location_id = p.location_id AND o.date = p.target_date`+w.String()+
			` ORDER BY p.target_date, p.forecast_date`,
		w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query hindcast")
	}
	defer rows.Close()

	var out []model.Hindcast
	for rows.Next() {
		var h model.Hindcast
		var fd, td string
		if err := rows.Scan(&h.LocationID, &fd, &td, &h.PredictedPM25, &h.ModelVersion, &h.ObservedPM25); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hindcast")
		}
		if h.ForecastDate, err = model.ParseDate(fd); err != nil {
			return nil, err
		}
		if h.TargetDate, err = model.ParseDate(td); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: hindcast iterate")
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, command string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, status, started_at) VALUES (?, ?, ?, ?)`,
		id, command, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run %s", command)
	}
	return &model.Run{ID: id, Command: command, Status: model.RunStatusRunning, StartedAt: now}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result model.RunResult) error {
	meta, err := marshalMetadata(result.Metadata)
	if err != nil {
		return err
	}
	status := result.Status
	if status == "" {
		status = model.RunStatusComplete
	}
	var metaArg any
	if meta != nil {
		metaArg = string(meta)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, rows_written = ?, metadata = ? WHERE id = ?`,
		string(status), time.Now().UTC(), result.Rows, metaArg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.RunStatusFailed), time.Now().UTC(), errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	w := sqliteWhere()
	if filter.Command != "" {
		w.add("command = ?", filter.Command)
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	query := `SELECT id, command, status, started_at, completed_at, rows_written, error, metadata FROM runs` +
		w.String() + ` ORDER BY started_at DESC` + runPage(w, filter)

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var completed sql.NullTime
		var errStr, meta sql.NullString
		if err := rows.Scan(&r.ID, &r.Command, &status, &r.StartedAt, &completed, &r.Rows, &errStr, &meta); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		r.StartedAt = r.StartedAt.UTC()
		if completed.Valid {
			t := completed.Time.UTC()
			r.CompletedAt = &t
		}
		r.Error = errStr.String
		if meta.Valid {
			r.Metadata = unmarshalMetadata([]byte(meta.String))
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LastSuccess(ctx context.Context, command string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM runs
		 WHERE command = ? AND status IN ('complete', 'partial')
		 ORDER BY started_at DESC LIMIT 1`,
		command,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last success for %s", command)
	}
	t = t.UTC()
	return &t, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
