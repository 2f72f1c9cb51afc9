package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/db/dialect"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
)

var (
	// ErrTaskNotFound is returned when the task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when a transition targets a task already
	// completed or failed. Terminal states never change.
	ErrTaskTerminal = errors.New("task already in terminal state")
)

// Notifier publishes wakeup notifications to pool workers. Satisfied by
// *pubsub.Broker; nil disables notifications.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Events is the observer bus the queue announces lifecycle transitions on.
// Satisfied by bus.EventBus; nil disables announcements. Unlike Notifier,
// nothing here drives work: the subjects feed dashboards and the WebSocket
// gateway.
type Events interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Queue is the persistent task queue.
type Queue struct {
	db     *db.Pool
	notify Notifier
	events Events
	logger *logger.Logger
}

// New creates the queue and ensures its tables exist.
func New(pool *db.Pool, notify Notifier, log *logger.Logger) (*Queue, error) {
	q := &Queue{
		db:     pool,
		notify: notify,
		logger: log.WithFields(zap.String("component", "task-queue")),
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return q, nil
}

// SetEvents attaches the event bus for lifecycle announcements.
func (q *Queue) SetEvents(events Events) {
	q.events = events
}

func (q *Queue) initSchema() error {
	w := q.db.Writer()

	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(w.DriverName()) {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pool_tasks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL DEFAULT 'general',
		priority INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'queued',
		payload TEXT NOT NULL DEFAULT '{}',
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pool_task_results (
		` + seqColumn + `,
		id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		chunk_type TEXT NOT NULL DEFAULT 'chunk',
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pool_tasks_claim ON pool_tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_pool_tasks_conversation ON pool_tasks(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_pool_task_results_task ON pool_task_results(task_id, seq);
	`

	_, err := w.Exec(schema)
	return err
}

const taskColumns = "id, conversation_id, task_type, priority, status, payload, assigned_agent_id, error, result, created_at, started_at, completed_at"

// Enqueue inserts a queued task and wakes idle workers.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < HighestPriority {
		priority = HighestPriority
	}
	if priority > LowestPriority {
		priority = LowestPriority
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	id := uuid.New().String()
	w := q.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO pool_tasks (id, conversation_id, task_type, priority, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), id, req.ConversationID, taskType, priority, string(StatusQueued), string(payload), time.Now().UTC())
	if err != nil {
		return "", err
	}

	q.logger.Info("task enqueued",
		zap.String("task_id", id),
		zap.String("task_type", taskType),
		zap.Int("priority", priority))

	q.publishAvailable(ctx, id, taskType)
	q.announce(ctx, events.TaskEnqueued, events.TaskEnqueued, map[string]interface{}{
		"task_id":         id,
		"conversation_id": req.ConversationID,
		"task_type":       taskType,
		"priority":        priority,
	})
	return id, nil
}

func (q *Queue) publishAvailable(ctx context.Context, taskID, taskType string) {
	if q.notify == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"task_id": taskID, "task_type": taskType})
	if err := q.notify.Publish(ctx, events.ChannelTaskAvailable, payload); err != nil {
		q.logger.Warn("failed to publish task_available", zap.Error(err))
	}
}

func (q *Queue) announce(ctx context.Context, eventType, subject string, data map[string]interface{}) {
	if q.events == nil {
		return
	}
	if err := q.events.Publish(ctx, subject, bus.NewEvent(eventType, "task-queue", data)); err != nil {
		q.logger.Warn("failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Dequeue atomically claims the highest-priority queued task for an agent.
// Returns nil when the queue is empty. Priority 1 is served first; ties go
// to the oldest task.
func (q *Queue) Dequeue(ctx context.Context, agentID string) (*Task, error) {
	w := q.db.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	claimQuery := `
		SELECT id FROM pool_tasks
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1` + dialect.SkipLocked(w.DriverName())
	err = tx.GetContext(ctx, &id, tx.Rebind(claimQuery), string(StatusQueued))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE pool_tasks SET status = ?, assigned_agent_id = ?, started_at = ?
		WHERE id = ? AND status = ?
	`), string(StatusAssigned), agentID, time.Now().UTC(), id, string(StatusQueued))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Another claimant won between select and update.
		return nil, nil
	}

	var task Task
	if err := tx.GetContext(ctx, &task, tx.Rebind(`
		SELECT `+taskColumns+` FROM pool_tasks WHERE id = ?
	`), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	q.logger.Info("task claimed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID))
	q.announce(ctx, events.TaskAssigned, events.TaskAssigned, map[string]interface{}{
		"task_id":         task.ID,
		"conversation_id": task.ConversationID,
		"agent_id":        agentID,
	})
	return &task, nil
}

// MarkRunning flips an assigned task to running.
func (q *Queue) MarkRunning(ctx context.Context, taskID string) error {
	w := q.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE pool_tasks SET status = ? WHERE id = ? AND status = ?
	`), string(StatusRunning), taskID, string(StatusAssigned))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return q.explainMissedTransition(ctx, taskID)
	}
	q.announce(ctx, events.TaskRunning, events.TaskRunning, map[string]interface{}{
		"task_id": taskID,
	})
	return nil
}

// Complete marks a task completed with its result. The transition wins over
// a concurrent stuck-task requeue: a task requeued while its original agent
// was still finishing still lands on completed.
func (q *Queue) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	w := q.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE pool_tasks SET status = ?, result = ?, error = '', completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`), string(StatusCompleted), string(result), time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return q.explainMissedTransition(ctx, taskID)
	}

	q.logger.Info("task completed", zap.String("task_id", taskID))
	q.announce(ctx, events.TaskCompleted, events.TaskCompleted, map[string]interface{}{
		"task_id": taskID,
	})
	return nil
}

// Fail marks a task failed with an error message.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) error {
	w := q.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE pool_tasks SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`), string(StatusFailed), errMsg, time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return q.explainMissedTransition(ctx, taskID)
	}

	q.logger.Warn("task failed",
		zap.String("task_id", taskID),
		zap.String("error", errMsg))
	q.announce(ctx, events.TaskFailed, events.TaskFailed, map[string]interface{}{
		"task_id": taskID,
		"error":   errMsg,
	})
	return nil
}

// Cancel fails a non-terminal task with a cancellation reason.
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	err := q.Fail(ctx, taskID, reason)
	// Cancelling a task that already finished is a no-op, not an error.
	if errors.Is(err, ErrTaskTerminal) {
		return nil
	}
	return err
}

// explainMissedTransition distinguishes a missing task from a terminal one.
func (q *Queue) explainMissedTransition(ctx context.Context, taskID string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status)
	}
	return fmt.Errorf("task %s in unexpected state %s", taskID, task.Status)
}

// AddResult appends a streamed output chunk to a task.
func (q *Queue) AddResult(ctx context.Context, taskID string, chunkType ChunkType, content string) error {
	if chunkType == "" {
		chunkType = ChunkText
	}
	w := q.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO pool_task_results (id, task_id, chunk_type, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), uuid.New().String(), taskID, string(chunkType), content, time.Now().UTC())
	if err != nil {
		return err
	}
	q.announce(ctx, events.TaskResult, events.BuildTaskResultSubject(taskID), map[string]interface{}{
		"task_id":    taskID,
		"chunk_type": string(chunkType),
		"content":    content,
	})
	return nil
}

// GetResults returns a task's chunks in insertion order.
func (q *Queue) GetResults(ctx context.Context, taskID string) ([]*ResultChunk, error) {
	r := q.db.Reader()
	var chunks []*ResultChunk
	err := r.SelectContext(ctx, &chunks, r.Rebind(`
		SELECT seq, id, task_id, chunk_type, content, created_at
		FROM pool_task_results
		WHERE task_id = ?
		ORDER BY seq ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// GetTask returns a task by ID.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	r := q.db.Reader()
	var task Task
	err := r.GetContext(ctx, &task, r.Rebind(`
		SELECT `+taskColumns+` FROM pool_tasks WHERE id = ?
	`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetStats returns queue depth by status.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	r := q.db.Reader()
	rows, err := r.QueryxContext(ctx, `
		SELECT status, COUNT(*) AS n FROM pool_tasks GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusQueued:
			stats.Queued = n
		case StatusAssigned:
			stats.Assigned = n
		case StatusRunning:
			stats.Running = n
		case StatusCompleted:
			stats.Completed = n
		case StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// ReassignStuck requeues tasks that have sat in assigned or running beyond
// maxRuntime, clearing their agent. Workers are woken when anything was
// requeued. Returns the number of requeued tasks.
func (q *Queue) ReassignStuck(ctx context.Context, maxRuntime time.Duration) (int, error) {
	w := q.db.Writer()
	seconds := int(maxRuntime / time.Second)
	query := fmt.Sprintf(`
		UPDATE pool_tasks SET status = ?, assigned_agent_id = '', started_at = NULL
		WHERE status IN (?, ?) AND started_at < %s
	`, dialect.NowMinusSeconds(w.DriverName(), "?"))

	res, err := w.ExecContext(ctx, w.Rebind(query),
		string(StatusQueued), string(StatusAssigned), string(StatusRunning), seconds)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if affected > 0 {
		q.logger.Warn("requeued stuck tasks", zap.Int64("count", affected))
		q.publishAvailable(ctx, "", "requeue")
		q.announce(ctx, events.TaskReassigned, events.TaskReassigned, map[string]interface{}{
			"count": int(affected),
		})
	}
	return int(affected), nil
}
