// Package main is the entry point for the standalone MCP server binary.
// lugh-mcp exposes the pool and worktree tools to MCP-compatible clients
// (Claude Desktop, Cursor, Codex, etc.) without running the HTTP and
// WebSocket surface.
//
// The server supports two transports:
//   - SSE (Server-Sent Events) at /sse for Claude Desktop, Cursor
//   - Streamable HTTP at /mcp for Codex
//
// It attaches to the same database as the main process. Task submissions
// reach pool workers in other processes over PostgreSQL LISTEN/NOTIFY, or
// over NATS when the platform runs on SQLite. Worktree tools operate on the
// local workspace path, so run lugh-mcp on the host that owns the worktrees.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/database"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/gitexec"
	"github.com/lugh-dev/lugh/internal/isolation"
	"github.com/lugh-dev/lugh/internal/mcpserver"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/registry"
	"github.com/lugh-dev/lugh/internal/pubsub"
)

// Command-line flags
var (
	portFlag      = flag.Int("port", 9090, "MCP server port")
	logLevelFlag  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("LUGH_MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("LUGH_MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	port := getEnvIntOrFlag("LUGH_MCP_PORT", *portFlag)
	log.Info("starting lugh-mcp", zap.Int("port", port))

	run(cfg, port, log)
}

// run wires the services the tools call, starts the MCP server, and waits
// for shutdown.
func run(cfg *config.Config, port int, log *logger.Logger) {
	ctx := context.Background()

	pool, listener, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize storage", zap.Error(err))
		os.Exit(1)
	}

	eventBus, closeEventBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		os.Exit(1)
	}

	store, err := pubsub.NewSQLiteStore(pool)
	if err != nil {
		log.Error("failed to initialize message store", zap.Error(err))
		os.Exit(1)
	}
	broker := pubsub.NewBroker(store, func(deliver pubsub.DeliverFunc) pubsub.Transport {
		if listener != nil {
			return pubsub.NewPostgresTransport(listener, deliver, log)
		}
		return pubsub.NewBusTransport(eventBus, deliver)
	}, log)

	agentRegistry, err := registry.New(pool, log)
	if err != nil {
		log.Error("failed to initialize agent registry", zap.Error(err))
		os.Exit(1)
	}
	taskQueue, err := queue.New(pool, broker, log)
	if err != nil {
		log.Error("failed to initialize task queue", zap.Error(err))
		os.Exit(1)
	}

	coord := coordinator.New(coordinator.Config{
		WaitTimeout:         cfg.Pool.WaitTimeout(),
		MaintenanceInterval: cfg.Pool.HeartbeatInterval(),
		StaleThreshold:      cfg.Pool.StaleThresholdDuration(),
		TaskTimeout:         cfg.Pool.TaskTimeoutDuration(),
	}, taskQueue, agentRegistry, broker, log)
	if err := coord.Init(ctx); err != nil {
		log.Error("failed to initialize coordinator", zap.Error(err))
		os.Exit(1)
	}

	workspacePath, err := cfg.Workspace.ExpandedPath()
	if err != nil {
		log.Error("failed to resolve workspace path", zap.Error(err))
		os.Exit(1)
	}
	git := gitexec.NewRunner()
	isoStore, err := isolation.NewSQLiteStore(pool)
	if err != nil {
		log.Error("failed to initialize isolation store", zap.Error(err))
		os.Exit(1)
	}
	worktrees := isolation.NewManager(isoStore, isolation.NewWorktreeProvider(git, workspacePath, log), git, isolation.Config{
		WorkspaceBase:  workspacePath,
		MaxPerCodebase: cfg.Worktree.MaxPerCodebase,
		StaleAfter:     time.Duration(cfg.Worktree.StaleThresholdDays) * 24 * time.Hour,
		DefaultBranch:  cfg.Worktree.DefaultBranch,
	}, log)

	codebases, err := conversation.NewSQLiteStore(pool)
	if err != nil {
		log.Error("failed to initialize conversation store", zap.Error(err))
		os.Exit(1)
	}

	srv, stopServer, err := mcpserver.Provide(ctx, mcpserver.Config{Port: port}, mcpserver.Deps{
		Pool:      coord,
		Tasks:     taskQueue,
		Worktrees: worktrees,
		Codebases: codebases,
	}, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("MCP server started",
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	fmt.Printf("Lugh MCP server running on :%d\n", port)
	fmt.Printf("SSE endpoint: %s (for Claude Desktop, Cursor)\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s (for Codex)\n", srv.StreamableHTTPEndpoint())

	waitForShutdown(log, func(ctx context.Context) {
		if err := stopServer(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
		if err := coord.Shutdown(ctx); err != nil {
			log.Error("coordinator shutdown error", zap.Error(err))
		}
		if err := broker.Shutdown(ctx); err != nil {
			log.Error("broker shutdown error", zap.Error(err))
		}
		if err := closeEventBus(); err != nil {
			log.Error("event bus shutdown error", zap.Error(err))
		}
		if err := closeStorage(); err != nil {
			log.Error("storage close error", zap.Error(err))
		}
	})
}

// waitForShutdown blocks until SIGINT or SIGTERM, then runs cleanup with a
// bounded context.
func waitForShutdown(log *logger.Logger, cleanup func(ctx context.Context)) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down lugh-mcp...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cleanup(ctx)

	log.Info("lugh-mcp stopped")
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

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag returns the environment variable value as int if set, otherwise the flag value.
func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return flagValue
}
