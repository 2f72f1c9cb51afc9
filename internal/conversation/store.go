package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/db/dialect"
)

var (
	// ErrConversationNotFound is returned when a conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrCodebaseNotFound is returned when a codebase does not exist.
	ErrCodebaseNotFound = errors.New("codebase not found")

	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// Store persists conversations, codebases, and sessions.
type Store interface {
	// GetOrCreateConversation finds the conversation for a platform
	// conversation ID, creating it if needed. A non-empty parentPlatformID
	// links a new child to its parent and inherits the parent's codebase and
	// working directory. The bool reports whether a row was created.
	GetOrCreateConversation(ctx context.Context, platformType, platformConvID, parentPlatformID string) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversation(ctx context.Context, platformType, platformConvID string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	Touch(ctx context.Context, conversationID string) error
	SetCodebase(ctx context.Context, conversationID, codebaseID, cwd string) error
	SetIsolation(ctx context.Context, conversationID, envID, cwd string) error
	ClearIsolation(ctx context.Context, conversationID string) error
	SetCwd(ctx context.Context, conversationID, cwd string) error
	SetVerbose(ctx context.Context, conversationID string, verbose bool) error

	CreateCodebase(ctx context.Context, cb *Codebase) error
	GetCodebase(ctx context.Context, id string) (*Codebase, error)
	FindCodebaseByName(ctx context.Context, name string) (*Codebase, error)
	ListCodebases(ctx context.Context) ([]*Codebase, error)
	UpdateCodebaseCommands(ctx context.Context, id string, commands map[string]string) error
	DeleteCodebase(ctx context.Context, id string) error

	// CreateSession inserts a session and deactivates any other active
	// session of the same conversation in the same transaction.
	CreateSession(ctx context.Context, s *Session) error
	GetActiveSession(ctx context.Context, conversationID string) (*Session, error)
	DeactivateSessions(ctx context.Context, conversationID string) error
	SetSessionExternalID(ctx context.Context, sessionID, externalID string) error
	SetSessionMetadata(ctx context.Context, sessionID string, metadata map[string]string) error
}

// SQLiteStore implements Store on the shared database pool. Despite the
// name it works on both supported dialects through sqlx rebinding.
type SQLiteStore struct {
	db *db.Pool
}

// NewSQLiteStore creates the store and ensures its tables exist.
func NewSQLiteStore(pool *db.Pool) (*SQLiteStore, error) {
	store := &SQLiteStore{db: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		platform_type TEXT NOT NULL,
		platform_conversation_id TEXT NOT NULL,
		codebase_id TEXT NOT NULL DEFAULT '',
		isolation_env_id TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		verbose INTEGER NOT NULL DEFAULT 0,
		last_activity_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (platform_type, platform_conversation_id)
	);

	CREATE TABLE IF NOT EXISTS codebases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		remote_url TEXT NOT NULL,
		path TEXT NOT NULL,
		assistant_kind TEXT NOT NULL DEFAULT '',
		commands TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		codebase_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'claude',
		external_id TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_platform ON conversations(platform_type, platform_conversation_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions(conversation_id, active);
	`

	_, err := s.db.Writer().Exec(schema)
	return err
}

type conversationRow struct {
	ID                     string    `db:"id"`
	PlatformType           string    `db:"platform_type"`
	PlatformConversationID string    `db:"platform_conversation_id"`
	CodebaseID             string    `db:"codebase_id"`
	IsolationEnvID         string    `db:"isolation_env_id"`
	Cwd                    string    `db:"cwd"`
	ParentID               string    `db:"parent_id"`
	Verbose                int       `db:"verbose"`
	LastActivityAt         time.Time `db:"last_activity_at"`
	CreatedAt              time.Time `db:"created_at"`
}

func (r *conversationRow) toConversation() *Conversation {
	return &Conversation{
		ID:                     r.ID,
		PlatformType:           r.PlatformType,
		PlatformConversationID: r.PlatformConversationID,
		CodebaseID:             r.CodebaseID,
		IsolationEnvID:         r.IsolationEnvID,
		Cwd:                    r.Cwd,
		ParentID:               r.ParentID,
		Verbose:                r.Verbose != 0,
		LastActivityAt:         r.LastActivityAt,
		CreatedAt:              r.CreatedAt,
	}
}

const conversationColumns = "id, platform_type, platform_conversation_id, codebase_id, isolation_env_id, cwd, parent_id, verbose, last_activity_at, created_at"

// GetOrCreateConversation finds or creates the conversation for a platform
// conversation. New children of a known parent inherit its codebase and cwd.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, platformType, platformConvID, parentPlatformID string) (*Conversation, bool, error) {
	existing, err := s.FindConversation(ctx, platformType, platformConvID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:                     uuid.New().String(),
		PlatformType:           platformType,
		PlatformConversationID: platformConvID,
		LastActivityAt:         now,
		CreatedAt:              now,
	}

	if parentPlatformID != "" {
		parent, err := s.FindConversation(ctx, platformType, parentPlatformID)
		if err != nil {
			return nil, false, err
		}
		if parent != nil {
			conv.ParentID = parent.ID
			conv.CodebaseID = parent.CodebaseID
			conv.Cwd = parent.Cwd
		}
	}

	w := s.db.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), conv.ID, conv.PlatformType, conv.PlatformConversationID, conv.CodebaseID,
		conv.IsolationEnvID, conv.Cwd, conv.ParentID, dialect.BoolToInt(conv.Verbose),
		conv.LastActivityAt, conv.CreatedAt)
	if err != nil {
		// A concurrent request may have won the insert race.
		if existing, ferr := s.FindConversation(ctx, platformType, platformConvID); ferr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return conv, true, nil
}

// GetConversation returns a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	r := s.db.Reader()
	var row conversationRow
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+conversationColumns+` FROM conversations WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toConversation(), nil
}

// FindConversation returns the conversation for a platform conversation ID,
// or nil when none exists.
func (s *SQLiteStore) FindConversation(ctx context.Context, platformType, platformConvID string) (*Conversation, error) {
	r := s.db.Reader()
	var row conversationRow
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE platform_type = ? AND platform_conversation_id = ?
	`), platformType, platformConvID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toConversation(), nil
}

// ListConversations returns all conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	r := s.db.Reader()
	var rows []conversationRow
	err := r.SelectContext(ctx, &rows, `
		SELECT `+conversationColumns+` FROM conversations ORDER BY last_activity_at DESC
	`)
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toConversation())
	}
	return out, nil
}

// Touch bumps a conversation's last activity time.
func (s *SQLiteStore) Touch(ctx context.Context, conversationID string) error {
	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET last_activity_at = ? WHERE id = ?
	`), time.Now().UTC(), conversationID)
	return err
}

// SetCodebase binds a conversation to a codebase and working directory,
// clearing any isolation reference from the previous codebase.
func (s *SQLiteStore) SetCodebase(ctx context.Context, conversationID, codebaseID, cwd string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET codebase_id = ?, cwd = ?, isolation_env_id = '' WHERE id = ?
	`), codebaseID, cwd, conversationID)
	return checkUpdated(res, err, ErrConversationNotFound)
}

// SetIsolation records the conversation's isolation environment and points
// its working directory inside it.
func (s *SQLiteStore) SetIsolation(ctx context.Context, conversationID, envID, cwd string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET isolation_env_id = ?, cwd = ? WHERE id = ?
	`), envID, cwd, conversationID)
	return checkUpdated(res, err, ErrConversationNotFound)
}

// ClearIsolation drops the conversation's isolation reference. The working
// directory falls back to the codebase clone on the next resolution.
func (s *SQLiteStore) ClearIsolation(ctx context.Context, conversationID string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET isolation_env_id = '' WHERE id = ?
	`), conversationID)
	return checkUpdated(res, err, ErrConversationNotFound)
}

// SetCwd updates the conversation's working directory.
func (s *SQLiteStore) SetCwd(ctx context.Context, conversationID, cwd string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET cwd = ? WHERE id = ?
	`), cwd, conversationID)
	return checkUpdated(res, err, ErrConversationNotFound)
}

// SetVerbose toggles per-conversation verbose streaming.
func (s *SQLiteStore) SetVerbose(ctx context.Context, conversationID string, verbose bool) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE conversations SET verbose = ? WHERE id = ?
	`), dialect.BoolToInt(verbose), conversationID)
	return checkUpdated(res, err, ErrConversationNotFound)
}

type codebaseRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	RemoteURL     string    `db:"remote_url"`
	Path          string    `db:"path"`
	AssistantKind string    `db:"assistant_kind"`
	Commands      string    `db:"commands"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *codebaseRow) toCodebase() (*Codebase, error) {
	cb := &Codebase{
		ID:            r.ID,
		Name:          r.Name,
		RemoteURL:     r.RemoteURL,
		Path:          r.Path,
		AssistantKind: r.AssistantKind,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Commands != "" && r.Commands != "{}" {
		if err := json.Unmarshal([]byte(r.Commands), &cb.Commands); err != nil {
			return nil, fmt.Errorf("failed to decode codebase commands: %w", err)
		}
	}
	return cb, nil
}

const codebaseColumns = "id, name, remote_url, path, assistant_kind, commands, created_at, updated_at"

// CreateCodebase inserts a codebase registration.
func (s *SQLiteStore) CreateCodebase(ctx context.Context, cb *Codebase) error {
	commands, err := marshalStringMap(cb.Commands)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	cb.UpdatedAt = now

	w := s.db.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO codebases (`+codebaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), cb.ID, cb.Name, cb.RemoteURL, cb.Path, cb.AssistantKind, commands, cb.CreatedAt, cb.UpdatedAt)
	return err
}

// GetCodebase returns a codebase by ID.
func (s *SQLiteStore) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	r := s.db.Reader()
	var row codebaseRow
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodebaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toCodebase()
}

// FindCodebaseByName returns a codebase by owner/repo name, or nil.
func (s *SQLiteStore) FindCodebaseByName(ctx context.Context, name string) (*Codebase, error) {
	r := s.db.Reader()
	var row codebaseRow
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+codebaseColumns+` FROM codebases WHERE name = ?
	`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toCodebase()
}

// ListCodebases returns all codebases ordered by name.
func (s *SQLiteStore) ListCodebases(ctx context.Context) ([]*Codebase, error) {
	r := s.db.Reader()
	var rows []codebaseRow
	err := r.SelectContext(ctx, &rows, `
		SELECT `+codebaseColumns+` FROM codebases ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	out := make([]*Codebase, 0, len(rows))
	for i := range rows {
		cb, err := rows[i].toCodebase()
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, nil
}

// UpdateCodebaseCommands replaces a codebase's command map.
func (s *SQLiteStore) UpdateCodebaseCommands(ctx context.Context, id string, commands map[string]string) error {
	raw, err := marshalStringMap(commands)
	if err != nil {
		return err
	}
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE codebases SET commands = ?, updated_at = ? WHERE id = ?
	`), raw, time.Now().UTC(), id)
	return checkUpdated(res, err, ErrCodebaseNotFound)
}

// DeleteCodebase removes a codebase registration. Conversations pointing at
// it keep their rows; the orchestrator re-resolves on next use.
func (s *SQLiteStore) DeleteCodebase(ctx context.Context, id string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		DELETE FROM codebases WHERE id = ?
	`), id)
	return checkUpdated(res, err, ErrCodebaseNotFound)
}

type sessionRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	CodebaseID     string    `db:"codebase_id"`
	Kind           string    `db:"kind"`
	ExternalID     string    `db:"external_id"`
	Active         int       `db:"active"`
	Metadata       string    `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *sessionRow) toSession() (*Session, error) {
	sess := &Session{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		CodebaseID:     r.CodebaseID,
		Kind:           r.Kind,
		ExternalID:     r.ExternalID,
		Active:         r.Active != 0,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode session metadata: %w", err)
		}
	}
	return sess, nil
}

const sessionColumns = "id, conversation_id, codebase_id, kind, external_id, active, metadata, created_at, updated_at"

// CreateSession inserts a session, deactivating any currently active session
// of the conversation first. Both statements run in one transaction so a
// conversation never observes two active sessions.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	metadata, err := marshalStringMap(sess.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Kind == "" {
		sess.Kind = "claude"
	}
	sess.Active = true
	sess.CreatedAt = now
	sess.UpdatedAt = now

	w := s.db.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET active = 0, updated_at = ? WHERE conversation_id = ? AND active = 1
	`), now, sess.ConversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
	`), sess.ID, sess.ConversationID, sess.CodebaseID, sess.Kind, sess.ExternalID,
		metadata, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetActiveSession returns the conversation's active session, or nil.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, conversationID string) (*Session, error) {
	r := s.db.Reader()
	var row sessionRow
	err := r.GetContext(ctx, &row, r.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE conversation_id = ? AND active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toSession()
}

// DeactivateSessions marks every session of a conversation inactive.
func (s *SQLiteStore) DeactivateSessions(ctx context.Context, conversationID string) error {
	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions SET active = 0, updated_at = ? WHERE conversation_id = ? AND active = 1
	`), time.Now().UTC(), conversationID)
	return err
}

// SetSessionExternalID records the backend's resume token.
func (s *SQLiteStore) SetSessionExternalID(ctx context.Context, sessionID, externalID string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions SET external_id = ?, updated_at = ? WHERE id = ?
	`), externalID, time.Now().UTC(), sessionID)
	return checkUpdated(res, err, ErrSessionNotFound)
}

// SetSessionMetadata replaces a session's metadata map.
func (s *SQLiteStore) SetSessionMetadata(ctx context.Context, sessionID string, metadata map[string]string) error {
	raw, err := marshalStringMap(metadata)
	if err != nil {
		return err
	}
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?
	`), raw, time.Now().UTC(), sessionID)
	return checkUpdated(res, err, ErrSessionNotFound)
}

func marshalStringMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func checkUpdated(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
