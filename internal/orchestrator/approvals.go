package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lugh-dev/lugh/internal/db"
)

// Risk levels recorded on the approval audit trail.
const (
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Approval row states. The session contract has no permission round-trip,
// so rows are written after the fact: "logged" is the normal audit entry,
// "pending_review" marks high-risk calls recorded while blocking approvals
// are configured, for an operator to inspect.
const (
	ApprovalLogged        = "logged"
	ApprovalPendingReview = "pending_review"
)

// Approval is one audit-trail entry for a high-risk tool execution.
type Approval struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	SessionID      string    `json:"session_id" db:"session_id"`
	ToolName       string    `json:"tool_name" db:"tool_name"`
	Detail         string    `json:"detail" db:"detail"`
	RiskLevel      string    `json:"risk_level" db:"risk_level"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ApprovalStore persists the high-risk tool audit trail.
type ApprovalStore struct {
	db *db.Pool
}

// NewApprovalStore creates the store and ensures its table exists.
func NewApprovalStore(pool *db.Pool) (*ApprovalStore, error) {
	store := &ApprovalStore{db: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize approval schema: %w", err)
	}
	return store, nil
}

func (s *ApprovalStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		risk_level TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'logged',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_conversation ON approvals(conversation_id, created_at);
	`
	_, err := s.db.Writer().Exec(schema)
	return err
}

const approvalColumns = "id, conversation_id, session_id, tool_name, detail, risk_level, status, created_at"

// Record inserts an audit entry. ID and CreatedAt are filled when empty.
func (s *ApprovalStore) Record(ctx context.Context, a *Approval) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = ApprovalLogged
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.ConversationID, a.SessionID, a.ToolName, a.Detail, a.RiskLevel, a.Status, a.CreatedAt)
	return err
}

// ListByConversation returns a conversation's audit entries, newest first.
func (s *ApprovalStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 50
	}
	r := s.db.Reader()
	var rows []Approval
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), conversationID, limit)
	if err != nil {
		return nil, err
	}
	return approvalPtrs(rows), nil
}

// ListRecent returns the latest audit entries across all conversations.
func (s *ApprovalStore) ListRecent(ctx context.Context, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 50
	}
	r := s.db.Reader()
	var rows []Approval
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+approvalColumns+` FROM approvals
		ORDER BY created_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	return approvalPtrs(rows), nil
}

func approvalPtrs(rows []Approval) []*Approval {
	out := make([]*Approval, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out
}
