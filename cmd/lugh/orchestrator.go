package main

import (
	"fmt"
	"time"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/db"
	"github.com/lugh-dev/lugh/internal/events/bus"
	"github.com/lugh-dev/lugh/internal/gitexec"
	"github.com/lugh-dev/lugh/internal/isolation"
	"github.com/lugh-dev/lugh/internal/orchestrator"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/repoclone"
)

// OrchestratorServices groups the conversation pipeline and the stores the
// REST API serves alongside it.
type OrchestratorServices struct {
	Orchestrator  *orchestrator.Orchestrator
	Conversations conversation.Store
	Templates     *orchestrator.TemplateStore
	Approvals     *orchestrator.ApprovalStore
	Isolation     *isolation.Manager
}

// provideOrchestrator wires the conversation pipeline: conversation store,
// prompt templates, approval audit, isolation manager, repository cloner,
// and the orchestrator itself.
func provideOrchestrator(
	cfg *config.Config,
	pool *db.Pool,
	eventBus bus.EventBus,
	coord *coordinator.Coordinator,
	runner session.Runner,
	git gitexec.Git,
	log *logger.Logger,
) (*OrchestratorServices, error) {
	workspacePath, err := cfg.Workspace.ExpandedPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	convStore, err := conversation.NewSQLiteStore(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize conversation store: %w", err)
	}
	templates, err := orchestrator.NewTemplateStore(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize template store: %w", err)
	}
	approvals, err := orchestrator.NewApprovalStore(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize approval store: %w", err)
	}

	isoStore, err := isolation.NewSQLiteStore(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize isolation store: %w", err)
	}
	provider := isolation.NewWorktreeProvider(git, workspacePath, log)
	isoManager := isolation.NewManager(isoStore, provider, git, isolation.Config{
		WorkspaceBase:  workspacePath,
		MaxPerCodebase: cfg.Worktree.MaxPerCodebase,
		StaleAfter:     time.Duration(cfg.Worktree.StaleThresholdDays) * 24 * time.Hour,
		DefaultBranch:  cfg.Worktree.DefaultBranch,
	}, log)
	isoManager.SetEvents(eventBus)

	cloner := repoclone.NewCloner(repoclone.Config{BasePath: workspacePath}, "", git, log)

	orch := orchestrator.New(orchestrator.Config{
		WorkspacePath:         workspacePath,
		LongResponseThreshold: cfg.Orchestrator.LongResponseThreshold,
		NotifyOnRiskTools:     cfg.Orchestrator.NotifyOnRiskTools,
		BlockingApprovals:     cfg.Orchestrator.BlockingApprovals,
	}, orchestrator.Deps{
		Store:     convStore,
		Templates: templates,
		Approvals: approvals,
		Isolation: isoManager,
		Pool:      coord,
		Cloner:    cloner,
		Runner:    runner,
		Logger:    log,
	})
	orch.SetEvents(eventBus)

	return &OrchestratorServices{
		Orchestrator:  orch,
		Conversations: convStore,
		Templates:     templates,
		Approvals:     approvals,
		Isolation:     isoManager,
	}, nil
}
