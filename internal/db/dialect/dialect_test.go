package dialect

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lugh-dev/lugh/internal/db"
)

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestSkipLocked(t *testing.T) {
	if SkipLocked(SQLite3) != "" {
		t.Errorf("sqlite: got %q", SkipLocked(SQLite3))
	}
	if SkipLocked(PGX) != " FOR UPDATE SKIP LOCKED" {
		t.Errorf("pgx: got %q", SkipLocked(PGX))
	}
}

func TestNowMinusSeconds(t *testing.T) {
	got := NowMinusSeconds(SQLite3, "?")
	if got != "datetime('now', '-' || ? || ' seconds')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = NowMinusSeconds(PGX, "?")
	if got != "NOW() - (? || ' seconds')::interval" {
		t.Errorf("pgx: got %q", got)
	}
}

// The cutoff expression has to select rows strictly older than the window
// on a live connection, not just render the right text.
func TestNowMinusSecondsSelectsStaleRows(t *testing.T) {
	rawDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlxDB := sqlx.NewDb(rawDB, SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	if _, err := sqlxDB.Exec(`CREATE TABLE beats (id TEXT PRIMARY KEY, seen_at TIMESTAMP)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	now := time.Now().UTC()
	for id, age := range map[string]time.Duration{
		"fresh": 10 * time.Second,
		"stale": 600 * time.Second,
	} {
		if _, err := sqlxDB.Exec(`INSERT INTO beats (id, seen_at) VALUES (?, ?)`, id, now.Add(-age)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	var ids []string
	query := `SELECT id FROM beats WHERE seen_at < ` + NowMinusSeconds(SQLite3, "?")
	if err := sqlxDB.Select(&ids, query, 120); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("expected only the stale row, got %v", ids)
	}
}
