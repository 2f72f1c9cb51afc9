package main

import (
	"context"
	"fmt"

	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/mcpserver"
)

// provideMcpServer starts the embedded MCP server if enabled.
// Returns the SSE endpoint URL and a cleanup function.
func provideMcpServer(
	ctx context.Context,
	cfg *config.Config,
	pool *PoolServices,
	orch *OrchestratorServices,
	log *logger.Logger,
) (string, func() error, error) {
	if !cfg.MCP.Enabled {
		return "", nil, nil
	}

	deps := mcpserver.Deps{
		Pool:      pool.Coordinator,
		Tasks:     pool.Queue,
		Worktrees: orch.Isolation,
		Codebases: orch.Conversations,
	}

	srv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, deps, log)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start MCP server: %w", err)
	}

	return srv.SSEEndpoint(), cleanup, nil
}
