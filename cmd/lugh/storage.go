package main

import (
	"context"
	"fmt"

	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/database"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/db"
)

// Storage bundles the shared database handles. Pool serves every store;
// Listener is the dedicated pgx pool behind LISTEN/NOTIFY and stays nil on
// SQLite.
type Storage struct {
	Pool     *db.Pool
	Listener *database.DB
}

// provideStorage opens the configured database. SQLite splits into a single
// write connection plus a read-only pool; PostgreSQL shares one pool for
// both sides and additionally opens the listener connection pool.
func provideStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Storage, func() error, error) {
	if cfg.Database.UsePostgres() {
		pool, err := db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}

		listener, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			_ = pool.Close()
			return nil, nil, fmt.Errorf("failed to open listener pool: %w", err)
		}

		storage := &Storage{Pool: pool, Listener: listener}
		cleanup := func() error {
			listener.Close()
			return pool.Close()
		}
		return storage, cleanup, nil
	}

	pool, err := db.OpenSQLitePool(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &Storage{Pool: pool}, pool.Close, nil
}
