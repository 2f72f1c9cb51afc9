package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/registry"
	"github.com/lugh-dev/lugh/internal/pool/worker"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// fakeNotifier records published channels and payloads.
type fakeNotifier struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (n *fakeNotifier) Publish(ctx context.Context, channel string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
	n.payloads = append(n.payloads, append([]byte(nil), payload...))
	return nil
}

func (n *fakeNotifier) find(channel string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, ch := range n.channels {
		if ch == channel {
			return n.payloads[i], true
		}
	}
	return nil, false
}

type testEnv struct {
	coord    *Coordinator
	queue    *queue.Queue
	registry *registry.Registry
	notifier *fakeNotifier
	pool     *db.Pool
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	pool, err := db.OpenSQLitePool(dbPath)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	notifier := &fakeNotifier{}
	q, err := queue.New(pool, notifier, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	reg, err := registry.New(pool, newTestLogger())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	coord := New(cfg, q, reg, notifier, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &testEnv{coord: coord, queue: q, registry: reg, notifier: notifier, pool: pool}
}

func mustInit(t *testing.T, env *testEnv) {
	t.Helper()
	if err := env.coord.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestSubmitBeforeInit(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.coord.Submit(context.Background(), SubmitRequest{TaskType: "code"})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestSubmitEnqueuesAndNotifies(t *testing.T) {
	env := newTestEnv(t, Config{})
	mustInit(t, env)
	ctx := context.Background()

	taskID, err := env.coord.Submit(ctx, SubmitRequest{
		ConversationID: "conv-1",
		TaskType:       "code",
		Priority:       2,
		Payload:        queue.TaskPayload{Prompt: "fix the tests", Cwd: "/repo"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := env.queue.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != queue.StatusQueued {
		t.Errorf("status = %s", task.Status)
	}
	if task.ConversationID != "conv-1" || task.Priority != 2 {
		t.Errorf("task = %+v", task)
	}
	var payload queue.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Prompt != "fix the tests" || payload.Cwd != "/repo" {
		t.Errorf("payload = %+v", payload)
	}

	if _, ok := env.notifier.find(events.ChannelTaskAvailable); !ok {
		t.Error("no task_available notification published")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	if err := env.coord.Init(ctx); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := env.coord.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if err := env.coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// Submitting after shutdown is rejected again.
	if _, err := env.coord.Submit(ctx, SubmitRequest{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestWaitForResultCompleted(t *testing.T) {
	env := newTestEnv(t, Config{PollInterval: 10 * time.Millisecond})
	mustInit(t, env)
	ctx := context.Background()

	taskID, err := env.coord.Submit(ctx, SubmitRequest{Payload: queue.TaskPayload{Prompt: "work"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		if _, err := env.queue.Dequeue(ctx, "agent-1"); err != nil {
			return
		}
		_ = env.queue.Complete(ctx, taskID, json.RawMessage(`{"commits_created":1}`))
	}()

	task, err := env.coord.WaitForResult(ctx, taskID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != queue.StatusCompleted {
		t.Errorf("status = %s", task.Status)
	}
	if !strings.Contains(string(task.Result), "commits_created") {
		t.Errorf("result = %s", task.Result)
	}
}

func TestWaitForResultFailed(t *testing.T) {
	env := newTestEnv(t, Config{PollInterval: 10 * time.Millisecond})
	mustInit(t, env)
	ctx := context.Background()

	taskID, err := env.coord.Submit(ctx, SubmitRequest{Payload: queue.TaskPayload{Prompt: "work"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.queue.Fail(ctx, taskID, "compilation broke"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, err = env.coord.WaitForResult(ctx, taskID, 5*time.Second)
	if err == nil || !strings.Contains(err.Error(), "compilation broke") {
		t.Fatalf("err = %v, want stored failure", err)
	}
}

func TestWaitForResultTimeout(t *testing.T) {
	env := newTestEnv(t, Config{PollInterval: 10 * time.Millisecond})
	mustInit(t, env)
	ctx := context.Background()

	taskID, err := env.coord.Submit(ctx, SubmitRequest{Payload: queue.TaskPayload{Prompt: "never finishes"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = env.coord.WaitForResult(ctx, taskID, 50*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
}

func TestStopPublishesToAssignedAgent(t *testing.T) {
	env := newTestEnv(t, Config{})
	mustInit(t, env)
	ctx := context.Background()

	taskID, err := env.coord.Submit(ctx, SubmitRequest{Payload: queue.TaskPayload{Prompt: "work"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.queue.Dequeue(ctx, "agent-7"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := env.coord.Stop(ctx, taskID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	payload, ok := env.notifier.find(events.BuildAgentStopChannel("agent-7"))
	if !ok {
		t.Fatal("no stop request published to the assigned agent")
	}
	var req worker.StopRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("decode stop request: %v", err)
	}
	if req.TaskID != taskID || req.Reason != "stopped by coordinator" {
		t.Errorf("stop request = %+v", req)
	}

	task, err := env.queue.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != queue.StatusFailed || task.Error != "stopped by coordinator" {
		t.Errorf("task = %s/%q", task.Status, task.Error)
	}

	// Stopping a finished task is a no-op.
	if err := env.coord.Stop(ctx, taskID); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestStatusAggregates(t *testing.T) {
	env := newTestEnv(t, Config{})
	mustInit(t, env)
	ctx := context.Background()

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if err := env.registry.Register(ctx, id, []string{"code"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := env.registry.SetStatus(ctx, "a-2", registry.StatusBusy, "task-x"); err != nil {
		t.Fatalf("set busy: %v", err)
	}
	if err := env.registry.Unregister(ctx, "a-3"); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	first, err := env.coord.Submit(ctx, SubmitRequest{Payload: queue.TaskPayload{Prompt: "one"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.coord.Submit(ctx, SubmitRequest{Payload: queue.TaskPayload{Prompt: "two"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.queue.Dequeue(ctx, "a-2"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := env.queue.Complete(ctx, first, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	st, err := env.coord.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Agents.Total != 3 || st.Agents.Idle != 1 || st.Agents.Busy != 1 || st.Agents.Offline != 1 {
		t.Errorf("agents = %+v", st.Agents)
	}
	if st.Tasks.Queued != 1 || st.Tasks.Completed != 1 {
		t.Errorf("tasks = %+v", st.Tasks)
	}
}

func TestMaintenanceSweep(t *testing.T) {
	env := newTestEnv(t, Config{
		MaintenanceInterval: 20 * time.Millisecond,
		StaleThreshold:      time.Second,
		TaskTimeout:         time.Second,
	})
	ctx := context.Background()

	// A stale agent and a stuck running task, both aged past the budgets.
	if err := env.registry.Register(ctx, "agent-gone", []string{"code"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := env.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(
		"UPDATE pool_agents SET last_heartbeat = ? WHERE id = ?"),
		time.Now().UTC().Add(-time.Hour), "agent-gone"); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	taskID, err := env.queue.Enqueue(ctx, queue.EnqueueRequest{TaskType: "code"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := env.queue.Dequeue(ctx, "agent-gone"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := w.ExecContext(ctx, w.Rebind(
		"UPDATE pool_tasks SET started_at = ? WHERE id = ?"),
		time.Now().UTC().Add(-time.Hour), taskID); err != nil {
		t.Fatalf("age task: %v", err)
	}

	mustInit(t, env)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		agent, err := env.registry.Get(ctx, "agent-gone")
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		task, err := env.queue.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if agent.Status == registry.StatusOffline && task.Status == queue.StatusQueued {
			if task.AssignedAgentID != "" {
				t.Errorf("requeued task kept agent %q", task.AssignedAgentID)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("maintenance never pruned the agent and requeued the task")
}
