// Package coordinator fronts the agent pool. It submits tasks, awaits their
// results, stops running work, aggregates pool status, and runs the
// background maintenance that keeps the pool healthy: pruning agents whose
// heartbeats went silent and requeueing tasks stuck past their runtime
// budget.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/registry"
	"github.com/lugh-dev/lugh/internal/pool/worker"
)

var (
	// ErrNotInitialized is returned by Submit before Init has run.
	ErrNotInitialized = errors.New("coordinator not initialized")

	// ErrWaitTimeout is returned when a task does not reach a terminal
	// state within the wait window.
	ErrWaitTimeout = errors.New("timed out waiting for task result")
)

// Defaults for Config fields left zero.
const (
	DefaultWaitTimeout         = 300 * time.Second
	DefaultPollInterval        = 500 * time.Millisecond
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultStaleThreshold      = 120 * time.Second
	DefaultTaskTimeout         = 300 * time.Second

	// maintenanceOpTimeout bounds one maintenance sweep.
	maintenanceOpTimeout = 15 * time.Second
)

// Config tunes the coordinator. Zero values take the defaults above.
type Config struct {
	// WaitTimeout is the default WaitForResult window.
	WaitTimeout time.Duration
	// PollInterval is the WaitForResult polling period.
	PollInterval time.Duration
	// MaintenanceInterval is the background sweep period.
	MaintenanceInterval time.Duration
	// StaleThreshold is how long an agent may go without a heartbeat
	// before it is marked offline.
	StaleThreshold time.Duration
	// TaskTimeout is how long an assigned or running task may sit before
	// it is requeued.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	return c
}

// TaskQueue is the slice of the task queue the coordinator drives.
type TaskQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*queue.Task, error)
	GetStats(ctx context.Context) (*queue.Stats, error)
	Cancel(ctx context.Context, taskID, reason string) error
	ReassignStuck(ctx context.Context, maxRuntime time.Duration) (int, error)
}

// AgentRegistry is the slice of the agent registry the coordinator drives.
type AgentRegistry interface {
	List(ctx context.Context) ([]*registry.Agent, error)
	PruneStale(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// Notifier publishes stop requests to agents. Satisfied by *pubsub.Broker.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// SubmitRequest describes one agent task submission.
type SubmitRequest struct {
	ConversationID string
	TaskType       string
	// Priority 1 is served first; zero takes the queue default.
	Priority int
	Payload  queue.TaskPayload
}

// AgentCounts breaks the registry down by status.
type AgentCounts struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
}

// Status is the aggregate pool snapshot.
type Status struct {
	Agents AgentCounts `json:"agents"`
	Tasks  queue.Stats `json:"tasks"`
}

// Coordinator is the pool's front door.
type Coordinator struct {
	cfg    Config
	queue  TaskQueue
	agents AgentRegistry
	broker Notifier
	logger *logger.Logger

	mu          sync.Mutex
	initialized bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a coordinator. Call Init to start the maintenance loop.
func New(cfg Config, taskQueue TaskQueue, agents AgentRegistry, broker Notifier, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		queue:  taskQueue,
		agents: agents,
		broker: broker,
		logger: log.WithFields(zap.String("component", "pool-coordinator")),
	}
}

// Init starts the background maintenance loop. Initializing twice is
// harmless and logs a warning.
func (c *Coordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		c.logger.Warn("Coordinator already initialized")
		return nil
	}
	c.initialized = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.maintenanceLoop(c.stopCh, c.doneCh)

	c.logger.Info("Coordinator initialized",
		zap.Duration("maintenance_interval", c.cfg.MaintenanceInterval),
		zap.Duration("stale_threshold", c.cfg.StaleThreshold),
		zap.Duration("task_timeout", c.cfg.TaskTimeout))
	return nil
}

// Shutdown stops the maintenance loop. Submissions fail with
// ErrNotInitialized afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues one task for the pool. Workers are woken through the
// queue's own task_available notification.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		return "", ErrNotInitialized
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode task payload: %w", err)
	}
	taskID, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		ConversationID: req.ConversationID,
		TaskType:       req.TaskType,
		Priority:       req.Priority,
		Payload:        payload,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("Task submitted",
		zap.String("task_id", taskID),
		zap.String("task_type", req.TaskType),
		zap.String("conversation_id", req.ConversationID))
	return taskID, nil
}

// WaitForResult polls the task until it reaches a terminal state. It
// returns the completed task, the stored error for a failed task, or
// ErrWaitTimeout after the window (the default when timeout is zero).
func (c *Coordinator) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*queue.Task, error) {
	if timeout <= 0 {
		timeout = c.cfg.WaitTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		task, err := c.queue.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case queue.StatusCompleted:
			return task, nil
		case queue.StatusFailed:
			reason := task.Error
			if reason == "" {
				reason = "task failed"
			}
			return nil, fmt.Errorf("task %s failed: %s", taskID, reason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: task %s after %s", ErrWaitTimeout, taskID, timeout)
		case <-ticker.C:
		}
	}
}

// Stop halts a task: the assigned agent (if any) gets a stop request on its
// channel, and the queue row is cancelled. Stopping a task that already
// finished is a no-op.
func (c *Coordinator) Stop(ctx context.Context, taskID string) error {
	task, err := c.queue.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	const reason = "stopped by coordinator"
	if task.AssignedAgentID != "" {
		payload, _ := json.Marshal(worker.StopRequest{TaskID: taskID, Reason: reason})
		channel := events.BuildAgentStopChannel(task.AssignedAgentID)
		if err := c.broker.Publish(ctx, channel, payload); err != nil {
			c.logger.Warn("Failed to publish stop request",
				zap.String("task_id", taskID),
				zap.String("agent_id", task.AssignedAgentID),
				zap.Error(err))
		}
	}
	if err := c.queue.Cancel(ctx, taskID, reason); err != nil {
		return err
	}

	c.logger.Info("Task stopped",
		zap.String("task_id", taskID),
		zap.String("agent_id", task.AssignedAgentID))
	return nil
}

// Status aggregates agent counts and queue depth.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	agents, err := c.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := c.queue.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{Tasks: *stats}
	for _, a := range agents {
		st.Agents.Total++
		switch a.Status {
		case registry.StatusIdle:
			st.Agents.Idle++
		case registry.StatusBusy:
			st.Agents.Busy++
		case registry.StatusOffline:
			st.Agents.Offline++
		}
	}
	return st, nil
}

func (c *Coordinator) maintenanceLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.runMaintenance()
		}
	}
}

// runMaintenance marks silent agents offline, then requeues tasks that have
// been assigned or running past the runtime budget. Pruning first means a
// dead agent's task is typically requeued in the same sweep cycle its agent
// disappears in.
func (c *Coordinator) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceOpTimeout)
	defer cancel()

	pruned, err := c.agents.PruneStale(ctx, c.cfg.StaleThreshold)
	if err != nil {
		c.logger.Error("Failed to prune stale agents", zap.Error(err))
	} else if len(pruned) > 0 {
		c.logger.Info("Pruned stale agents", zap.Strings("agent_ids", pruned))
	}

	requeued, err := c.queue.ReassignStuck(ctx, c.cfg.TaskTimeout)
	if err != nil {
		c.logger.Error("Failed to requeue stuck tasks", zap.Error(err))
	} else if requeued > 0 {
		c.logger.Info("Requeued stuck tasks", zap.Int("count", requeued))
	}
}
