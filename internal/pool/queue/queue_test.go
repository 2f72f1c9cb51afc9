package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/events"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// fakeNotifier records published channels.
type fakeNotifier struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (n *fakeNotifier) Publish(ctx context.Context, channel string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
	n.payloads = append(n.payloads, payload)
	return nil
}

func newTestQueue(t *testing.T) (*Queue, *fakeNotifier) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	pool, err := db.OpenSQLitePool(dbPath)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	notifier := &fakeNotifier{}
	q, err := New(pool, notifier, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q, notifier
}

func TestEnqueueDefaults(t *testing.T) {
	q, notifier := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := q.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", task.Priority, DefaultPriority)
	}
	if task.TaskType != "general" {
		t.Errorf("task_type = %q", task.TaskType)
	}
	if task.Status != StatusQueued {
		t.Errorf("status = %s", task.Status)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.channels) != 1 || notifier.channels[0] != events.ChannelTaskAvailable {
		t.Errorf("published channels = %v", notifier.channels)
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low, _ := q.Enqueue(ctx, EnqueueRequest{TaskType: "low", Priority: 9})
	first, _ := q.Enqueue(ctx, EnqueueRequest{TaskType: "urgent", Priority: 1})
	second, _ := q.Enqueue(ctx, EnqueueRequest{TaskType: "urgent-later", Priority: 1})

	got, err := q.Dequeue(ctx, "agent-1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != first {
		t.Errorf("expected priority-1 task first, got %s (%s)", got.ID, got.TaskType)
	}
	if got.Status != StatusAssigned || got.AssignedAgentID != "agent-1" {
		t.Errorf("claim state: %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("started_at should be set on claim")
	}

	// FIFO within equal priority.
	got, _ = q.Dequeue(ctx, "agent-2")
	if got.ID != second {
		t.Errorf("expected second priority-1 task, got %s", got.ID)
	}
	got, _ = q.Dequeue(ctx, "agent-3")
	if got.ID != low {
		t.Errorf("expected low-priority task last, got %s", got.ID)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	task, err := q.Dequeue(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task != nil {
		t.Errorf("expected nil on empty queue, got %+v", task)
	}
}

func TestDequeueClaimsExactlyOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, EnqueueRequest{TaskType: "solo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx, "agent-1")
	if err != nil || first == nil {
		t.Fatalf("first dequeue: %+v, %v", first, err)
	}
	second, err := q.Dequeue(ctx, "agent-2")
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if second != nil {
		t.Errorf("task claimed twice: %+v", second)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueRequest{TaskType: "work"})
	task, _ := q.Dequeue(ctx, "agent-1")
	if task.ID != id {
		t.Fatalf("claimed wrong task")
	}

	if err := q.MarkRunning(ctx, id); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	task, _ = q.GetTask(ctx, id)
	if task.Status != StatusRunning {
		t.Errorf("status = %s, want running", task.Status)
	}

	result := json.RawMessage(`{"commits_created": 1}`)
	if err := q.Complete(ctx, id, result); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, _ = q.GetTask(ctx, id)
	if task.Status != StatusCompleted || task.CompletedAt == nil {
		t.Errorf("completion state: %+v", task)
	}
	if string(task.Result) != `{"commits_created": 1}` {
		t.Errorf("result = %s", task.Result)
	}

	// Terminal states never change.
	if err := q.Complete(ctx, id, nil); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("double complete: %v", err)
	}
	if err := q.Fail(ctx, id, "late failure"); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("fail after complete: %v", err)
	}
	task, _ = q.GetTask(ctx, id)
	if task.Status != StatusCompleted {
		t.Errorf("terminal status mutated to %s", task.Status)
	}
}

func TestFailAndCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueRequest{})
	if err := q.Fail(ctx, id, "exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	task, _ := q.GetTask(ctx, id)
	if task.Status != StatusFailed || task.Error != "exploded" {
		t.Errorf("fail state: %+v", task)
	}

	id2, _ := q.Enqueue(ctx, EnqueueRequest{})
	if err := q.Cancel(ctx, id2, "stopped by user"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task, _ = q.GetTask(ctx, id2)
	if task.Status != StatusFailed || task.Error != "stopped by user" {
		t.Errorf("cancel state: %+v", task)
	}

	// Cancelling again, or cancelling a completed task, is a no-op.
	if err := q.Cancel(ctx, id2, "stopped again"); err != nil {
		t.Errorf("cancel of failed task: %v", err)
	}
	id3, _ := q.Enqueue(ctx, EnqueueRequest{})
	if _, err := q.Dequeue(ctx, "agent-1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.MarkRunning(ctx, id3); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := q.Complete(ctx, id3, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Cancel(ctx, id3, "too late"); err != nil {
		t.Errorf("cancel of completed task: %v", err)
	}
	task, _ = q.GetTask(ctx, id3)
	if task.Status != StatusCompleted {
		t.Errorf("status = %s, completed task must keep its state", task.Status)
	}
}

func TestResultChunksOrdered(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueRequest{})
	for i, c := range []struct {
		ct      ChunkType
		content string
	}{
		{ChunkText, "analyzing"},
		{ChunkToolCall, "Edit(main.go)"},
		{ChunkText, "done"},
		{ChunkComplete, ""},
	} {
		if err := q.AddResult(ctx, id, c.ct, c.content); err != nil {
			t.Fatalf("add result %d: %v", i, err)
		}
	}

	chunks, err := q.GetResults(ctx, id)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "analyzing" || chunks[1].ChunkType != ChunkToolCall || chunks[3].ChunkType != ChunkComplete {
		t.Errorf("chunk order broken: %+v", chunks)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Seq <= chunks[i-1].Seq {
			t.Errorf("seq not increasing at %d: %d then %d", i, chunks[i-1].Seq, chunks[i].Seq)
		}
	}
}

func TestGetStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, EnqueueRequest{})
	q.Enqueue(ctx, EnqueueRequest{})
	b, _ := q.Enqueue(ctx, EnqueueRequest{})

	q.Dequeue(ctx, "agent-1") // claims the oldest
	q.Fail(ctx, b, "nope")

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Queued != 1 || stats.Assigned != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReassignStuck(t *testing.T) {
	q, notifier := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueRequest{})
	if _, err := q.Dequeue(ctx, "agent-1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Nothing stuck yet.
	n, err := q.ReassignStuck(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d fresh tasks", n)
	}

	// Age the claim past the limit.
	w := q.db.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE pool_tasks SET started_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-10*time.Minute), id); err != nil {
		t.Fatalf("age task: %v", err)
	}

	n, err = q.ReassignStuck(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	task, _ := q.GetTask(ctx, id)
	if task.Status != StatusQueued || task.AssignedAgentID != "" || task.StartedAt != nil {
		t.Errorf("requeue state: %+v", task)
	}

	// Requeue wakes workers.
	notifier.mu.Lock()
	woke := len(notifier.channels) >= 2
	notifier.mu.Unlock()
	if !woke {
		t.Error("expected a wakeup publish after requeue")
	}
}

func TestCompleteWinsOverReassign(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, EnqueueRequest{})
	q.Dequeue(ctx, "agent-1")
	q.MarkRunning(ctx, id)

	// The maintenance loop requeues the task while the agent still works.
	w := q.db.Writer()
	w.ExecContext(ctx, w.Rebind(`UPDATE pool_tasks SET started_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-10*time.Minute), id)
	if n, _ := q.ReassignStuck(ctx, 5*time.Minute); n != 1 {
		t.Fatal("expected requeue")
	}

	// The original agent finishes anyway; completion wins.
	if err := q.Complete(ctx, id, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("complete after requeue: %v", err)
	}
	task, _ := q.GetTask(ctx, id)
	if task.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
}
