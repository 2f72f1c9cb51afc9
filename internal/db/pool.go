package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write side and a read side.
//
// On SQLite the writer is pinned to one connection so writes serialize
// instead of tripping SQLITE_BUSY, while the reader side opens several
// read-only connections that proceed concurrently off WAL snapshots. On
// PostgreSQL the split is a formality: both sides share one pgx-backed
// handle and pgx pools underneath.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps an already-opened writer/reader pair. Most callers want
// OpenSQLitePool or OpenPostgresPool instead.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating the shared-handle case.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader == p.writer {
		return wErr
	}
	if rErr := p.reader.Close(); rErr != nil && wErr == nil {
		return rErr
	}
	return wErr
}
