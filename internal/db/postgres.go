package db

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgresPool opens one pgx-backed connection pool and shares it
// between the Pool's writer and reader sides.
func OpenPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	raw, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	conn := sqlx.NewDb(raw, "pgx")
	return NewPool(conn, conn), nil
}

// OpenPostgres opens and pings a PostgreSQL connection via pgx.
// Non-positive pool bounds fall back to 25 open / 5 idle.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}
