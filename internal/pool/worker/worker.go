// Package worker runs pool agents. Each Worker registers itself, claims
// tasks from the persistent queue, executes them through an assistant
// session, streams output back as ordered result chunks, and pulses
// heartbeats so the coordinator can tell live agents from dead ones.
//
// A worker runs one task at a time. Wakeups arrive over pub/sub
// (task_available broadcasts and per-agent assignment channels) and collapse
// into a single pending check, so a burst of notifications costs one queue
// poll.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/appctx"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/gitexec"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/recovery"
	"github.com/lugh-dev/lugh/internal/pool/registry"
	"github.com/lugh-dev/lugh/internal/pubsub"
)

// DefaultHeartbeatInterval is the pulse period when Config leaves it unset.
const DefaultHeartbeatInterval = 5 * time.Second

// persistTimeout bounds queue and registry writes that must land even while
// the run context is being torn down.
const persistTimeout = 10 * time.Second

// Config tunes one worker.
type Config struct {
	// AgentID identifies the worker in the registry and on its pub/sub
	// channels. Empty generates a random "agent-" id.
	AgentID string
	// Capabilities advertises what kinds of tasks the worker takes.
	// Defaults to ["code"].
	Capabilities []string
	// HeartbeatInterval overrides DefaultHeartbeatInterval when positive.
	HeartbeatInterval time.Duration
}

// TaskQueue is the slice of the task queue a worker drives.
type TaskQueue interface {
	Dequeue(ctx context.Context, agentID string) (*queue.Task, error)
	MarkRunning(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string, result json.RawMessage) error
	Fail(ctx context.Context, taskID, errMsg string) error
	AddResult(ctx context.Context, taskID string, chunkType queue.ChunkType, content string) error
}

// AgentRegistry is the slice of the agent registry a worker drives.
type AgentRegistry interface {
	Register(ctx context.Context, agentID string, capabilities []string) error
	Heartbeat(ctx context.Context, agentID string) error
	SetStatus(ctx context.Context, agentID string, status registry.Status, currentTaskID string) error
	Unregister(ctx context.Context, agentID string) error
}

// RetryPolicy decides whether a failed attempt is retried and with what
// guidance. Satisfied by *recovery.Manager.
type RetryPolicy interface {
	HandleFailure(taskID, description, agentID, result string, verification []recovery.CheckResult) *recovery.Decision
	ClearHistory(taskID string)
}

// Notifier is the pub/sub surface the worker uses. Satisfied by
// *pubsub.Broker.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler pubsub.Handler) (func(), error)
}

// Deps are the collaborators a worker is built from.
type Deps struct {
	Broker   Notifier
	Queue    TaskQueue
	Registry AgentRegistry
	Recovery RetryPolicy
	Runner   session.Runner
	Git      gitexec.Git
	Logger   *logger.Logger
}

// StopRequest is the payload published on an agent's stop channel. An empty
// TaskID stops whatever the worker is currently running.
type StopRequest struct {
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Worker is one pool agent.
type Worker struct {
	id           string
	capabilities []string
	interval     time.Duration

	broker   Notifier
	queue    TaskQueue
	registry AgentRegistry
	recovery RetryPolicy
	runner   session.Runner
	git      gitexec.Git
	logger   *logger.Logger

	sampler *resourceSampler

	// checkCh collapses any number of wakeups into one pending work check.
	checkCh chan struct{}

	mu          sync.Mutex
	currentTask string
	cancelTask  context.CancelFunc
	stopReason  string
	step        string
}

// New creates a worker. Zero-value Config fields get defaults.
func New(cfg Config, deps Deps) *Worker {
	id := cfg.AgentID
	if id == "" {
		id = "agent-" + uuid.New().String()[:8]
	}
	capabilities := cfg.Capabilities
	if len(capabilities) == 0 {
		capabilities = []string{"code"}
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Worker{
		id:           id,
		capabilities: capabilities,
		interval:     interval,
		broker:       deps.Broker,
		queue:        deps.Queue,
		registry:     deps.Registry,
		recovery:     deps.Recovery,
		runner:       deps.Runner,
		git:          deps.Git,
		logger: deps.Logger.WithFields(
			zap.String("component", "worker"),
			zap.String("agent_id", id)),
		sampler: newResourceSampler(),
		checkCh: make(chan struct{}, 1),
	}
}

// ID returns the worker's agent id.
func (w *Worker) ID() string {
	return w.id
}

// Run registers the worker and serves tasks until ctx is cancelled, then
// returns nil. A task interrupted by shutdown keeps its queue row so
// ReassignStuck can hand it to another worker later; the agent row is marked
// offline on the way out.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.registry.Register(ctx, w.id, w.capabilities); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	var unsubs []func()
	unsubscribeAll := func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
	for _, sub := range []struct {
		channel string
		handler pubsub.Handler
	}{
		{events.ChannelTaskAvailable, func(context.Context, string, []byte) { w.nudge() }},
		{events.BuildTaskAssignedChannel(w.id), func(context.Context, string, []byte) { w.nudge() }},
		{events.BuildAgentStopChannel(w.id), w.handleStop},
	} {
		unsub, err := w.broker.Subscribe(sub.channel, sub.handler)
		if err != nil {
			unsubscribeAll()
			w.deregister()
			return fmt.Errorf("failed to subscribe to %s: %w", sub.channel, err)
		}
		unsubs = append(unsubs, unsub)
	}

	w.logger.Info("Worker started",
		zap.Strings("capabilities", w.capabilities),
		zap.Duration("heartbeat_interval", w.interval))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()

	// Catch any backlog enqueued before our subscriptions existed.
	w.nudge()

	for {
		select {
		case <-ctx.Done():
			unsubscribeAll()
			wg.Wait()
			w.deregister()
			w.logger.Info("Worker stopped")
			return nil
		case <-w.checkCh:
			w.checkForWork(ctx)
		}
	}
}

// nudge schedules a work check if one is not already pending.
func (w *Worker) nudge() {
	select {
	case w.checkCh <- struct{}{}:
	default:
	}
}

// checkForWork drains the queue: it claims and runs tasks one after another
// until the queue is empty. A worker that is somehow already busy does
// nothing; the wakeup that arrived during execution is satisfied by the
// re-check after the current task finishes.
func (w *Worker) checkForWork(ctx context.Context) {
	for ctx.Err() == nil {
		w.mu.Lock()
		busy := w.currentTask != ""
		w.mu.Unlock()
		if busy {
			return
		}

		task, err := w.queue.Dequeue(ctx, w.id)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Failed to dequeue task", zap.Error(err))
			}
			return
		}
		if task == nil {
			return
		}
		w.runTask(ctx, task)
	}
}

// runTask owns one claimed task from claim to terminal state (or to shutdown,
// which leaves the row for reassignment).
func (w *Worker) runTask(ctx context.Context, task *queue.Task) {
	runCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.currentTask = task.ID
	w.cancelTask = cancel
	w.stopReason = ""
	w.step = "starting"
	w.mu.Unlock()

	w.logger.Info("Task claimed",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.Int("priority", task.Priority))

	if err := w.registry.SetStatus(ctx, w.id, registry.StatusBusy, task.ID); err != nil {
		w.logger.Warn("Failed to mark agent busy", zap.Error(err))
	}
	if err := w.queue.MarkRunning(ctx, task.ID); err != nil {
		w.logger.Warn("Failed to mark task running", zap.String("task_id", task.ID), zap.Error(err))
	}

	w.execute(runCtx, task)
	cancel()

	w.mu.Lock()
	w.currentTask = ""
	w.cancelTask = nil
	w.step = ""
	w.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := w.registry.SetStatus(ctx, w.id, registry.StatusIdle, ""); err != nil {
		w.logger.Warn("Failed to mark agent idle", zap.Error(err))
	}
	// Immediate pulse so observers see the idle transition without waiting
	// out the ticker.
	w.beat(ctx)
}

// handleStop services the worker's stop channel. It cancels the current
// session; the execute loop observes the recorded reason and fails the task
// instead of retrying.
func (w *Worker) handleStop(ctx context.Context, channel string, payload []byte) {
	var req StopRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			w.logger.Warn("Ignoring malformed stop request", zap.Error(err))
			return
		}
	}

	w.mu.Lock()
	match := w.currentTask != "" && (req.TaskID == "" || req.TaskID == w.currentTask)
	var cancel context.CancelFunc
	if match {
		if req.Reason != "" {
			w.stopReason = req.Reason
		} else {
			w.stopReason = "stopped"
		}
		cancel = w.cancelTask
	}
	taskID := w.currentTask
	w.mu.Unlock()

	if !match {
		w.logger.Debug("Stop request does not match current task",
			zap.String("requested_task_id", req.TaskID),
			zap.String("current_task_id", taskID))
		return
	}

	w.logger.Info("Stop requested, cancelling current task",
		zap.String("task_id", taskID))
	if cancel != nil {
		cancel()
	}
}

// stopRequested returns the recorded stop reason, if any.
func (w *Worker) stopRequested() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopReason
}

func (w *Worker) setStep(step string) {
	w.mu.Lock()
	w.step = step
	w.mu.Unlock()
}

// deregister marks the agent offline. It runs detached because the run
// context is already cancelled during shutdown.
func (w *Worker) deregister() {
	ctx, cancel := appctx.Detached(nil, persistTimeout)
	defer cancel()
	if err := w.registry.Unregister(ctx, w.id); err != nil && !errors.Is(err, registry.ErrAgentNotFound) {
		w.logger.Warn("Failed to unregister agent", zap.Error(err))
	}
}

// failTask marks the task failed, tolerating a race with another writer that
// already moved it to a terminal state.
func (w *Worker) failTask(ctx context.Context, taskID, reason string) {
	if err := w.queue.Fail(ctx, taskID, reason); err != nil && !errors.Is(err, queue.ErrTaskTerminal) {
		w.logger.Error("Failed to mark task failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}
