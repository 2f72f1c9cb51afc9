// Package database holds the pgx connection pool used for PostgreSQL
// LISTEN/NOTIFY. Regular queries go through internal/db instead; LISTEN
// needs a raw pgx connection, which sqlx cannot hand out.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lugh-dev/lugh/internal/common/config"
)

const connectTimeout = 10 * time.Second

// DB is a pgxpool.Pool sized from configuration.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB opens the pool and verifies the server answers a ping.
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Pool exposes the underlying pool for callers that need to acquire a
// dedicated connection, as LISTEN does.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Exec runs a statement that returns no rows.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.pool.Exec(ctx, sql, args...)
}

func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}
