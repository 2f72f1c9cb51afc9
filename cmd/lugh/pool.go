package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/events/bus"
	"github.com/lugh-dev/lugh/internal/gitexec"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/recovery"
	"github.com/lugh-dev/lugh/internal/pool/registry"
	"github.com/lugh-dev/lugh/internal/pool/worker"
	"github.com/lugh-dev/lugh/internal/pubsub"
)

// PoolServices groups the task pool: registry, queue, recovery policy, the
// coordinator, and the in-process worker pool.
type PoolServices struct {
	Registry    *registry.Registry
	Queue       *queue.Queue
	Recovery    *recovery.Manager
	Coordinator *coordinator.Coordinator
	Workers     *worker.Pool
}

// providePool wires the agent pool on top of the shared database and broker.
// The worker pool is created but not started; main runs it once the HTTP
// surface is up.
func providePool(
	cfg *config.Config,
	pool *db.Pool,
	broker *pubsub.Broker,
	eventBus bus.EventBus,
	runner session.Runner,
	git gitexec.Git,
	log *logger.Logger,
) (*PoolServices, error) {
	agentRegistry, err := registry.New(pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize agent registry: %w", err)
	}
	agentRegistry.SetEvents(eventBus)

	taskQueue, err := queue.New(pool, broker, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task queue: %w", err)
	}
	taskQueue.SetEvents(eventBus)

	// Escalations surface through the log until an operator channel exists.
	retryPolicy := recovery.NewManager(recovery.DefaultMaxAttempts, func(esc *recovery.Escalation) {
		log.Error("task escalated to operator",
			zap.String("task_id", esc.TaskID),
			zap.String("reason", esc.Reason),
			zap.Int("attempts", len(esc.Attempts)),
			zap.Strings("suggested_actions", esc.SuggestedActions))
	}, log)

	coord := coordinator.New(coordinator.Config{
		WaitTimeout:         cfg.Pool.WaitTimeout(),
		MaintenanceInterval: cfg.Pool.HeartbeatInterval(),
		StaleThreshold:      cfg.Pool.StaleThresholdDuration(),
		TaskTimeout:         cfg.Pool.TaskTimeoutDuration(),
	}, taskQueue, agentRegistry, broker, log)

	workers := worker.NewPool(worker.PoolConfig{
		Size:              cfg.Pool.Size,
		HeartbeatInterval: cfg.Pool.WorkerHeartbeatInterval(),
	}, worker.Deps{
		Broker:   broker,
		Queue:    taskQueue,
		Registry: agentRegistry,
		Recovery: retryPolicy,
		Runner:   runner,
		Git:      git,
		Logger:   log,
	})

	return &PoolServices{
		Registry:    agentRegistry,
		Queue:       taskQueue,
		Recovery:    retryPolicy,
		Coordinator: coord,
		Workers:     workers,
	}, nil
}
