// Package dialect holds the SQL fragments that differ between the two
// supported drivers, SQLite and PostgreSQL (pgx). Stores build their
// queries around these helpers instead of branching on the driver name
// themselves.
package dialect

import "fmt"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to the 0/1 form both drivers accept in a
// parameter position.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// SkipLocked returns the row-claim locking clause for SELECT statements
// that feed competing consumers. SQLite has no row locks; its single-writer
// connection serializes claims instead, so the clause is empty there.
//
//	SQLite:   ""
//	Postgres: " FOR UPDATE SKIP LOCKED"
func SkipLocked(driver string) string {
	if IsPostgres(driver) {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// NowMinusSeconds returns the SQL expression for "current time minus N
// seconds", where secondsExpr is a parameter placeholder (e.g. "?") carrying
// the number of seconds. Heartbeat staleness and stuck-task cutoffs are
// computed with this.
//
//	SQLite:   datetime('now', '-' || ? || ' seconds')
//	Postgres: NOW() - (? || ' seconds')::interval
func NowMinusSeconds(driver, secondsExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' seconds')::interval", secondsExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' seconds')", secondsExpr)
}
