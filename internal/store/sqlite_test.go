package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/config"
)

func TestNewSQLite_WALMode(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteUpsertSQL(t *testing.T) {
	got := sqliteUpsertSQL("predictions", predictionColumns, []string{"location_id", "forecast_date", "target_date"})
	assert.Equal(t,
		"INSERT INTO predictions (location_id, forecast_date, target_date, predicted_pm25, model_version) "+
			"VALUES (?, ?, ?, ?, ?) ON CONFLICT (location_id, forecast_date, target_date) "+
			"DO UPDATE SET predicted_pm25 = excluded.predicted_pm25, model_version = excluded.model_version",
		got)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	_, ok := s.(*Retrying)
	assert.True(t, ok)

	_, err = Open(context.Background(), config.StoreConfig{Driver: "mysql"})
	assert.ErrorContains(t, err, "unknown driver")
}
