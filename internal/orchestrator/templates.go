package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lugh-dev/lugh/internal/db"
)

// ErrTemplateNotFound is returned when a named template does not exist.
var ErrTemplateNotFound = errors.New("template not found")

// RouterTemplateName is the reserved template every plain message is routed
// through when the conversation has a codebase.
const RouterTemplateName = "router"

// Template is one globally registered prompt template, invoked as
// /<name> [args].
type Template struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Body        string    `json:"body" db:"body"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// TemplateStore persists global templates.
type TemplateStore struct {
	db *db.Pool
}

// NewTemplateStore creates the store and ensures its table exists.
func NewTemplateStore(pool *db.Pool) (*TemplateStore, error) {
	store := &TemplateStore{db: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize template schema: %w", err)
	}
	return store, nil
}

func (s *TemplateStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Writer().Exec(schema)
	return err
}

const templateColumns = "id, name, description, body, created_at, updated_at"

// Put inserts or replaces the template with the given name.
func (s *TemplateStore) Put(ctx context.Context, name, description, body string) (*Template, error) {
	now := time.Now().UTC()

	existing, err := s.Get(ctx, name)
	if err != nil && !errors.Is(err, ErrTemplateNotFound) {
		return nil, err
	}

	w := s.db.Writer()
	if existing != nil {
		_, err := w.ExecContext(ctx, w.Rebind(`
			UPDATE templates SET description = ?, body = ?, updated_at = ? WHERE name = ?
		`), description, body, now, name)
		if err != nil {
			return nil, err
		}
		existing.Description = description
		existing.Body = body
		existing.UpdatedAt = now
		return existing, nil
	}

	tmpl := &Template{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Body:        body,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`), tmpl.ID, tmpl.Name, tmpl.Description, tmpl.Body, tmpl.CreatedAt, tmpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// Get returns a template by name.
func (s *TemplateStore) Get(ctx context.Context, name string) (*Template, error) {
	r := s.db.Reader()
	var tmpl Template
	err := r.GetContext(ctx, &tmpl, r.Rebind(`
		SELECT `+templateColumns+` FROM templates WHERE name = ?
	`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// List returns all templates ordered by name.
func (s *TemplateStore) List(ctx context.Context) ([]*Template, error) {
	r := s.db.Reader()
	var rows []Template
	err := r.SelectContext(ctx, &rows, `
		SELECT `+templateColumns+` FROM templates ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	out := make([]*Template, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

// Delete removes a template by name.
func (s *TemplateStore) Delete(ctx context.Context, name string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM templates WHERE name = ?
	`), name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
