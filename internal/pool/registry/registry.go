package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/db/dialect"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
)

var (
	// ErrAgentNotFound is returned when an agent ID has never registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrMissingTask is returned when an agent is marked busy without a task.
	ErrMissingTask = errors.New("busy status requires a task id")
)

// Events is the observer bus the registry announces agent transitions on.
// Satisfied by bus.EventBus; nil disables announcements.
type Events interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Registry persists agent state in the pool_agents table.
type Registry struct {
	db     *db.Pool
	events Events
	logger *logger.Logger
}

// New creates the registry and ensures its schema exists.
func New(database *db.Pool, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		db:     database,
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return r, nil
}

// SetEvents attaches the event bus for agent lifecycle announcements.
func (r *Registry) SetEvents(events Events) {
	r.events = events
}

func (r *Registry) announce(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, eventType, bus.NewEvent(eventType, "agent-registry", data)); err != nil {
		r.logger.Warn("failed to publish agent event",
			zap.String("subject", eventType),
			zap.Error(err))
	}
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pool_agents (
		id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'idle',
		current_task_id TEXT NOT NULL DEFAULT '',
		last_heartbeat TIMESTAMP NOT NULL,
		registered_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pool_agents_status ON pool_agents(status);
	`
	_, err := r.db.Writer().Exec(schema)
	return err
}

type agentRow struct {
	ID            string    `db:"id"`
	Capabilities  string    `db:"capabilities"`
	Status        string    `db:"status"`
	CurrentTaskID string    `db:"current_task_id"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	RegisteredAt  time.Time `db:"registered_at"`
}

func (row *agentRow) toAgent() (*Agent, error) {
	agent := &Agent{
		ID:            row.ID,
		Status:        Status(row.Status),
		CurrentTaskID: row.CurrentTaskID,
		LastHeartbeat: row.LastHeartbeat,
		RegisteredAt:  row.RegisteredAt,
	}
	if row.Capabilities != "" {
		if err := json.Unmarshal([]byte(row.Capabilities), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities for agent %s: %w", row.ID, err)
		}
	}
	return agent, nil
}

// Register upserts an agent. A re-register replaces the capabilities and
// resets the agent to idle with fresh heartbeat and registration times.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string) error {
	if capabilities == nil {
		capabilities = []string{}
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	now := time.Now().UTC()
	w := r.db.Writer()
	query := w.Rebind(`
		INSERT INTO pool_agents (id, capabilities, status, current_task_id, last_heartbeat, registered_at)
		VALUES (?, ?, 'idle', '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			status = 'idle',
			current_task_id = '',
			last_heartbeat = excluded.last_heartbeat,
			registered_at = excluded.registered_at`)
	if _, err := w.ExecContext(ctx, query, agentID, string(caps), now, now); err != nil {
		return fmt.Errorf("failed to register agent %s: %w", agentID, err)
	}

	r.logger.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilities))
	r.announce(ctx, events.AgentRegistered, map[string]interface{}{
		"agent_id":     agentID,
		"capabilities": capabilities,
	})
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp. A heartbeat from an
// unknown agent is logged and dropped, never an error: the sender is alive
// even if we lost its row.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	w := r.db.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE pool_agents SET last_heartbeat = ? WHERE id = ?`),
		time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for agent %s: %w", agentID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		r.logger.Warn("Heartbeat from unregistered agent", zap.String("agent_id", agentID))
		return nil
	}
	r.announce(ctx, events.AgentHeartbeat, map[string]interface{}{
		"agent_id": agentID,
	})
	return nil
}

// SetStatus updates status and current task in one statement and refreshes
// the heartbeat. Any status other than busy clears the current task.
func (r *Registry) SetStatus(ctx context.Context, agentID string, status Status, currentTaskID string) error {
	if status == StatusBusy && currentTaskID == "" {
		return ErrMissingTask
	}
	if status != StatusBusy {
		currentTaskID = ""
	}

	w := r.db.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE pool_agents SET status = ?, current_task_id = ?, last_heartbeat = ? WHERE id = ?`),
		string(status), currentTaskID, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to set status for agent %s: %w", agentID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}

	subject := events.AgentHeartbeat
	if status == StatusOffline {
		subject = events.AgentOffline
	}
	r.announce(ctx, subject, map[string]interface{}{
		"agent_id": agentID,
		"status":   string(status),
		"task_id":  currentTaskID,
	})
	return nil
}

// Get returns one agent by ID.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	reader := r.db.Reader()
	var row agentRow
	err := reader.GetContext(ctx, &row, reader.Rebind(
		`SELECT * FROM pool_agents WHERE id = ?`), agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent %s: %w", agentID, err)
	}
	return row.toAgent()
}

// List returns every known agent, including offline ones.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	return r.selectAgents(ctx, `SELECT * FROM pool_agents ORDER BY registered_at ASC`)
}

// GetAvailable returns idle agents, most recently heard-from first.
func (r *Registry) GetAvailable(ctx context.Context) ([]*Agent, error) {
	return r.selectAgents(ctx,
		`SELECT * FROM pool_agents WHERE status = 'idle' ORDER BY last_heartbeat DESC`)
}

func (r *Registry) selectAgents(ctx context.Context, query string, args ...interface{}) ([]*Agent, error) {
	reader := r.db.Reader()
	var rows []agentRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	agents := make([]*Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// PruneStale marks every non-offline agent whose heartbeat is older than
// maxAge as offline and returns the pruned IDs. Their in-flight tasks are
// recovered separately by the queue's stuck-task reassignment.
func (r *Registry) PruneStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	w := r.db.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := dialect.NowMinusSeconds(w.DriverName(), "?")
	var stale []string
	query := tx.Rebind(fmt.Sprintf(
		`SELECT id FROM pool_agents WHERE status != 'offline' AND last_heartbeat < %s`, cutoff))
	if err := tx.SelectContext(ctx, &stale, query, int(maxAge.Seconds())); err != nil {
		return nil, fmt.Errorf("failed to find stale agents: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	update, args, err := sqlx.In(
		`UPDATE pool_agents SET status = 'offline', current_task_id = '' WHERE id IN (?)`, stale)
	if err != nil {
		return nil, fmt.Errorf("failed to build prune query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(update), args...); err != nil {
		return nil, fmt.Errorf("failed to prune stale agents: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prune: %w", err)
	}

	r.logger.Warn("Pruned stale agents",
		zap.Strings("agent_ids", stale),
		zap.Duration("max_age", maxAge))
	for _, agentID := range stale {
		r.announce(ctx, events.AgentOffline, map[string]interface{}{
			"agent_id": agentID,
			"reason":   "heartbeat expired",
		})
	}
	return stale, nil
}

// Unregister marks the agent offline. Used on graceful worker shutdown.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	if err := r.SetStatus(ctx, agentID, StatusOffline, ""); err != nil {
		return err
	}
	r.logger.Info("Agent unregistered", zap.String("agent_id", agentID))
	return nil
}
