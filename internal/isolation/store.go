package isolation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lugh-dev/lugh/internal/db"
)

// Store persists isolation environment rows. Destroyed rows are never
// deleted; they stay for audit and orphan reconciliation.
type Store interface {
	Create(ctx context.Context, env *Env) error
	Get(ctx context.Context, id string) (*Env, error)
	// FindByWorkflow returns the active environment for a workflow, or nil
	// when none exists.
	FindByWorkflow(ctx context.Context, codebaseID string, wt WorkflowType, workflowID string) (*Env, error)
	ListActiveByCodebase(ctx context.Context, codebaseID string) ([]*Env, error)
	ListActive(ctx context.Context) ([]*Env, error)
	CountActiveByCodebase(ctx context.Context, codebaseID string) (int, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error
}

// SQLiteStore implements Store on the shared database pool. Despite the
// name it works on both supported dialects through sqlx rebinding.
type SQLiteStore struct {
	db *db.Pool
}

// NewSQLiteStore creates an environment store and ensures the isolation_envs
// table exists.
func NewSQLiteStore(pool *db.Pool) (*SQLiteStore, error) {
	store := &SQLiteStore{db: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize isolation schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS isolation_envs (
		id TEXT PRIMARY KEY,
		codebase_id TEXT NOT NULL,
		workflow_type TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'worktree',
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_by TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_isolation_envs_codebase ON isolation_envs(codebase_id, status);
	CREATE INDEX IF NOT EXISTS idx_isolation_envs_workflow ON isolation_envs(codebase_id, workflow_type, workflow_id);
	`

	_, err := s.db.Writer().Exec(schema)
	return err
}

// envRow is the raw database shape; metadata is JSON text.
type envRow struct {
	ID           string    `db:"id"`
	CodebaseID   string    `db:"codebase_id"`
	WorkflowType string    `db:"workflow_type"`
	WorkflowID   string    `db:"workflow_id"`
	Provider     string    `db:"provider"`
	Path         string    `db:"path"`
	Branch       string    `db:"branch"`
	Status       string    `db:"status"`
	CreatedBy    string    `db:"created_by"`
	Metadata     string    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *envRow) toEnv() (*Env, error) {
	env := &Env{
		ID:           r.ID,
		CodebaseID:   r.CodebaseID,
		WorkflowType: WorkflowType(r.WorkflowType),
		WorkflowID:   r.WorkflowID,
		Provider:     r.Provider,
		Path:         r.Path,
		Branch:       r.Branch,
		Status:       Status(r.Status),
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &env.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode env metadata: %w", err)
		}
	}
	return env, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode env metadata: %w", err)
	}
	return string(raw), nil
}

const envColumns = "id, codebase_id, workflow_type, workflow_id, provider, path, branch, status, created_by, metadata, created_at, updated_at"

// Create inserts a new environment row.
func (s *SQLiteStore) Create(ctx context.Context, env *Env) error {
	metadata, err := marshalMetadata(env.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now

	w := s.db.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO isolation_envs (`+envColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), env.ID, env.CodebaseID, string(env.WorkflowType), env.WorkflowID, env.Provider,
		env.Path, env.Branch, string(env.Status), env.CreatedBy, metadata,
		env.CreatedAt, env.UpdatedAt)
	return err
}

// Get returns an environment by ID regardless of status.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Env, error) {
	r := s.db.Reader()
	var row envRow
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+envColumns+` FROM isolation_envs WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnvNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toEnv()
}

// FindByWorkflow returns the active environment bound to a workflow, or nil.
func (s *SQLiteStore) FindByWorkflow(ctx context.Context, codebaseID string, wt WorkflowType, workflowID string) (*Env, error) {
	r := s.db.Reader()
	var row envRow
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+envColumns+` FROM isolation_envs
		WHERE codebase_id = ? AND workflow_type = ? AND workflow_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`), codebaseID, string(wt), workflowID, string(StatusActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toEnv()
}

// ListActiveByCodebase returns active environments for a codebase, oldest first.
func (s *SQLiteStore) ListActiveByCodebase(ctx context.Context, codebaseID string) ([]*Env, error) {
	r := s.db.Reader()
	var rows []envRow
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+envColumns+` FROM isolation_envs
		WHERE codebase_id = ? AND status = ?
		ORDER BY created_at ASC
	`), codebaseID, string(StatusActive))
	if err != nil {
		return nil, err
	}
	return rowsToEnvs(rows)
}

// ListActive returns every active environment across codebases.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Env, error) {
	r := s.db.Reader()
	var rows []envRow
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+envColumns+` FROM isolation_envs
		WHERE status = ?
		ORDER BY created_at ASC
	`), string(StatusActive))
	if err != nil {
		return nil, err
	}
	return rowsToEnvs(rows)
}

// CountActiveByCodebase returns the number of active environments for a codebase.
func (s *SQLiteStore) CountActiveByCodebase(ctx context.Context, codebaseID string) (int, error) {
	r := s.db.Reader()
	var count int
	err := r.GetContext(ctx, &count, r.Rebind(`
		SELECT COUNT(*) FROM isolation_envs WHERE codebase_id = ? AND status = ?
	`), codebaseID, string(StatusActive))
	return count, err
}

// UpdateStatus transitions an environment's status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE isolation_envs SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEnvNotFound
	}
	return nil
}

// UpdateMetadata replaces an environment's metadata map.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	raw, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE isolation_envs SET metadata = ?, updated_at = ? WHERE id = ?
	`), raw, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEnvNotFound
	}
	return nil
}

func rowsToEnvs(rows []envRow) ([]*Env, error) {
	envs := make([]*Env, 0, len(rows))
	for i := range rows {
		env, err := rows[i].toEnv()
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
