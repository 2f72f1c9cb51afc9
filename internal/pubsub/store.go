package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/db/dialect"
)

// Message is one persisted pub/sub notification.
type Message struct {
	ID        string    `db:"id"`
	Channel   string    `db:"channel"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// Store persists published messages. Persistence is best-effort: a failed
// insert never blocks delivery to live subscribers.
type Store interface {
	SaveMessage(ctx context.Context, channel string, payload []byte) error
	RecentMessages(ctx context.Context, channel string, limit int) ([]*Message, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// SQLiteStore implements Store on the shared database pool. Despite the
// name it works on both supported dialects through sqlx rebinding.
type SQLiteStore struct {
	db *db.Pool
}

// NewSQLiteStore creates a message store and ensures the pubsub_messages table exists.
func NewSQLiteStore(pool *db.Pool) (*SQLiteStore, error) {
	store := &SQLiteStore{db: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize pubsub schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pubsub_messages (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		payload BLOB,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pubsub_messages_channel ON pubsub_messages(channel);
	CREATE INDEX IF NOT EXISTS idx_pubsub_messages_created_at ON pubsub_messages(created_at);
	`

	_, err := s.db.Writer().Exec(schema)
	return err
}

// SaveMessage inserts one published message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, channel string, payload []byte) error {
	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO pubsub_messages (id, channel, payload, created_at)
		VALUES (?, ?, ?, ?)
	`), uuid.New().String(), channel, payload, time.Now().UTC())
	return err
}

// RecentMessages returns the newest messages on a channel, newest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, channel string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	r := s.db.Reader()
	var msgs []*Message
	err := r.SelectContext(ctx, &msgs, r.Rebind(`
		SELECT id, channel, payload, created_at
		FROM pubsub_messages
		WHERE channel = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), channel, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// PurgeOlderThan deletes messages older than the given age and returns the count.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	w := s.db.Writer()
	seconds := int(age / time.Second)
	query := fmt.Sprintf(
		"DELETE FROM pubsub_messages WHERE created_at < %s",
		dialect.NowMinusSeconds(w.DriverName(), "?"),
	)
	res, err := w.ExecContext(ctx, w.Rebind(query), seconds)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
