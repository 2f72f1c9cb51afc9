// Package main is the entry point for a standalone Lugh agent worker.
// A worker registers itself in the shared agent registry, listens on the
// pub/sub fabric for work, and runs assistant sessions against claimed
// tasks. Scaling the pool horizontally means pointing several workers at the
// same PostgreSQL database, or at NATS when the platform runs on SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/database"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/gitexec"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/recovery"
	"github.com/lugh-dev/lugh/internal/pool/registry"
	"github.com/lugh-dev/lugh/internal/pool/worker"
	"github.com/lugh-dev/lugh/internal/pubsub"
)

// Command-line flags
var (
	agentIDFlag      = flag.String("agent-id", "", "Agent identifier (default: generated)")
	capabilitiesFlag = flag.String("capabilities", "code", "Comma-separated capability tags")
)

func main() {
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	agentID := getEnvOrFlag("LUGH_AGENT_ID", *agentIDFlag)
	capabilities := splitCapabilities(getEnvOrFlag("LUGH_AGENT_CAPABILITIES", *capabilitiesFlag))

	log.Info("Starting Lugh worker...",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilities))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open storage
	pool, listener, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := closeStorage(); err != nil {
			log.Error("Storage close error", zap.Error(err))
		}
	}()

	// 5. Initialize event bus and pub/sub broker
	eventBus, closeEventBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := closeEventBus(); err != nil {
			log.Error("Event bus shutdown error", zap.Error(err))
		}
	}()

	store, err := pubsub.NewSQLiteStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize message store", zap.Error(err))
	}
	broker := pubsub.NewBroker(store, func(deliver pubsub.DeliverFunc) pubsub.Transport {
		if listener != nil {
			return pubsub.NewPostgresTransport(listener, deliver, log)
		}
		return pubsub.NewBusTransport(eventBus, deliver)
	}, log)

	// 6. Initialize registry, queue, and retry policy
	agentRegistry, err := registry.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize agent registry", zap.Error(err))
	}
	agentRegistry.SetEvents(eventBus)

	taskQueue, err := queue.New(pool, broker, log)
	if err != nil {
		log.Fatal("Failed to initialize task queue", zap.Error(err))
	}
	taskQueue.SetEvents(eventBus)

	retryPolicy := recovery.NewManager(recovery.DefaultMaxAttempts, func(esc *recovery.Escalation) {
		log.Error("task escalated to operator",
			zap.String("task_id", esc.TaskID),
			zap.String("reason", esc.Reason),
			zap.Int("attempts", len(esc.Attempts)),
			zap.Strings("suggested_actions", esc.SuggestedActions))
	}, log)

	// 7. Create the worker
	runner := session.NewCLIRunner(cfg.Assistant.Command, log)
	runner.SetModel(cfg.Assistant.Model)

	w := worker.New(worker.Config{
		AgentID:           agentID,
		Capabilities:      capabilities,
		HeartbeatInterval: cfg.Pool.WorkerHeartbeatInterval(),
	}, worker.Deps{
		Broker:   broker,
		Queue:    taskQueue,
		Registry: agentRegistry,
		Recovery: retryPolicy,
		Runner:   runner,
		Git:      gitexec.NewRunner(),
		Logger:   log,
	})

	// 8. Run until signalled
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down Lugh worker...")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Error("Worker stopped with error", zap.Error(err))
	}

	if err := broker.Shutdown(context.Background()); err != nil {
		log.Error("Broker shutdown error", zap.Error(err))
	}

	log.Info("Lugh worker stopped")
}

// openStorage opens the configured database. The listener pool is non-nil
// only on PostgreSQL, where it carries LISTEN/NOTIFY traffic.
func openStorage(ctx context.Context, cfg *config.Config) (*db.Pool, *database.DB, func() error, error) {
	if cfg.Database.UsePostgres() {
		pool, err := db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}

		listener, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			_ = pool.Close()
			return nil, nil, nil, fmt.Errorf("failed to open listener pool: %w", err)
		}
		cleanup := func() error {
			listener.Close()
			return pool.Close()
		}
		return pool, listener, cleanup, nil
	}

	pool, err := db.OpenSQLitePool(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return pool, nil, pool.Close, nil
}

// splitCapabilities parses a comma-separated capability list, dropping empty
// entries.
func splitCapabilities(raw string) []string {
	parts := strings.Split(raw, ",")
	capabilities := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			capabilities = append(capabilities, trimmed)
		}
	}
	return capabilities
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}
