package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/db"
)

// Open connects to the configured driver and returns the store wrapped with
// the retry-once policy. The schema is not migrated.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var s Store
	switch cfg.Driver {
	case "", "sqlite":
		lite, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s = lite
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s = NewPostgres(pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	return WithRetry(s), nil
}
