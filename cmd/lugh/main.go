// Package main is the unified entry point for Lugh.
// This single binary runs the agent pool, the conversation orchestrator, the
// REST API, the WebSocket gateway, and the embedded MCP server together with
// shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/httpmw"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/common/tracing"
	"github.com/lugh-dev/lugh/internal/gitexec"
	"github.com/lugh-dev/lugh/internal/httpapi"
	"github.com/lugh-dev/lugh/internal/platform"
)

// shutdownTimeout bounds the graceful stop of every component.
const shutdownTimeout = 30 * time.Second

func main() {
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

	log.Info("Starting Lugh...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (no-op without OTEL_EXPORTER_OTLP_ENDPOINT)
	tracing.Tracer("lugh")

	// ============================================
	// STORAGE + MESSAGING
	// ============================================
	storage, closeStorage, err := provideStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	log.Info("Storage initialized",
		zap.Bool("postgres", cfg.Database.UsePostgres()),
		zap.String("sqlite_path", cfg.Database.Path))

	eventBus, closeEventBus, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	broker, closeBroker, err := provideBroker(storage, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize pub/sub broker", zap.Error(err))
	}
	log.Info("Pub/sub broker initialized")

	// ============================================
	// AGENT POOL
	// ============================================
	runner := session.NewCLIRunner(cfg.Assistant.Command, log)
	runner.SetModel(cfg.Assistant.Model)
	git := gitexec.NewRunner()

	pool, err := providePool(cfg, storage.Pool, broker, eventBus, runner, git, log)
	if err != nil {
		log.Fatal("Failed to initialize agent pool", zap.Error(err))
	}
	if err := pool.Coordinator.Init(ctx); err != nil {
		log.Fatal("Failed to start coordinator", zap.Error(err))
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := pool.Workers.Run(ctx); err != nil {
			log.Error("Worker pool stopped with error", zap.Error(err))
		}
	}()
	log.Info("Agent pool initialized", zap.Int("workers", len(pool.Workers.Workers())))

	// ============================================
	// ORCHESTRATOR
	// ============================================
	orch, err := provideOrchestrator(cfg, storage.Pool, eventBus, pool.Coordinator, runner, git, log)
	if err != nil {
		log.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}
	log.Info("Orchestrator initialized")

	// Local adapter: browser sessions behave like a chat platform, with
	// replies streamed over the event bus to WebSocket subscribers.
	adapter := platform.NewLocalAdapter(eventBus, platform.ModeStream, log)

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	gateway, err := provideGateway(ctx, log, eventBus, pool, orch.Orchestrator, adapter)
	if err != nil {
		log.Fatal("Failed to initialize WebSocket gateway", zap.Error(err))
	}
	log.Info("WebSocket gateway initialized")

	// ============================================
	// MCP SERVER
	// ============================================
	mcpEndpoint, closeMcp, err := provideMcpServer(ctx, cfg, pool, orch, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}
	if mcpEndpoint != "" {
		log.Info("MCP server ready", zap.String("endpoint", mcpEndpoint))
	}

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.OtelTracing("lugh"))
	router.Use(httpmw.RequestLogger(log, "lugh"))

	// WebSocket endpoint - primary realtime transport
	gateway.Mount(router)

	httpapi.Register(router, httpapi.Deps{
		Pool:      pool.Coordinator,
		Tasks:     pool.Queue,
		Agents:    pool.Registry,
		Codebases: orch.Conversations,
		Isolation: orch.Isolation,
		Approvals: orch.Approvals,
		Templates: orch.Templates,
	}, log)

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "lugh",
			"mode":    "websocket+http",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Lugh...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := pool.Coordinator.Shutdown(shutdownCtx); err != nil {
		log.Error("Coordinator shutdown error", zap.Error(err))
	}

	// Workers release their queue rows on the way out so ReassignStuck can
	// hand interrupted tasks to the next process.
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for workers to stop")
	}

	if closeMcp != nil {
		if err := closeMcp(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	if err := closeBroker(); err != nil {
		log.Error("Broker shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	if err := closeEventBus(); err != nil {
		log.Error("Event bus shutdown error", zap.Error(err))
	}

	if err := closeStorage(); err != nil {
		log.Error("Storage close error", zap.Error(err))
	}

	log.Info("Lugh stopped")
}
