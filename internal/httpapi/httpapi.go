// Package httpapi mounts the REST ops surface over the pool, isolation and
// orchestration services. Everything lives under /api/v1; errors are mapped
// through the AppError taxonomy.
package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/isolation"
	"github.com/lugh-dev/lugh/internal/orchestrator"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/registry"
)

// Pool is the coordinator slice the API drives. Satisfied by
// *coordinator.Coordinator.
type Pool interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (string, error)
	Stop(ctx context.Context, taskID string) error
	Status(ctx context.Context) (*coordinator.Status, error)
}

// TaskReader serves task lookups. Satisfied by *queue.Queue.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*queue.Task, error)
	GetResults(ctx context.Context, taskID string) ([]*queue.ResultChunk, error)
}

// AgentRegistry lists registered agents. Satisfied by *registry.Registry.
type AgentRegistry interface {
	List(ctx context.Context) ([]*registry.Agent, error)
}

// CodebaseStore is the conversation-store slice behind the codebase
// endpoints. Satisfied by *conversation.SQLiteStore.
type CodebaseStore interface {
	ListCodebases(ctx context.Context) ([]*conversation.Codebase, error)
	GetCodebase(ctx context.Context, id string) (*conversation.Codebase, error)
}

// IsolationManager is the isolation slice behind the environment endpoints.
// Satisfied by *isolation.Manager.
type IsolationManager interface {
	ListActive(ctx context.Context, codebaseID string) ([]*isolation.Env, error)
	ListAllActive(ctx context.Context) ([]*isolation.Env, error)
	CleanupMerged(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error)
	CleanupStale(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error)
}

// ApprovalLog reads the high-risk tool audit trail. Satisfied by
// *orchestrator.ApprovalStore.
type ApprovalLog interface {
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*orchestrator.Approval, error)
	ListRecent(ctx context.Context, limit int) ([]*orchestrator.Approval, error)
}

// TemplateStore manages global prompt templates. Satisfied by
// *orchestrator.TemplateStore.
type TemplateStore interface {
	List(ctx context.Context) ([]*orchestrator.Template, error)
	Put(ctx context.Context, name, description, body string) (*orchestrator.Template, error)
	Delete(ctx context.Context, name string) error
}

// Deps are the services the API fronts.
type Deps struct {
	Pool      Pool
	Tasks     TaskReader
	Agents    AgentRegistry
	Codebases CodebaseStore
	Isolation IsolationManager
	Approvals ApprovalLog
	Templates TemplateStore
}

// Handlers holds the REST handlers.
type Handlers struct {
	deps   Deps
	logger *logger.Logger
}

// Register mounts the API on the router and returns the handlers.
func Register(router *gin.Engine, deps Deps, log *logger.Logger) *Handlers {
	h := &Handlers{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "httpapi")),
	}
	h.registerRoutes(router)
	return h
}

func (h *Handlers) registerRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/health", h.httpHealth)
	api.GET("/pool/status", h.httpPoolStatus)
	api.POST("/tasks", h.httpSubmitTask)
	api.GET("/tasks/:id", h.httpGetTask)
	api.GET("/tasks/:id/results", h.httpGetTaskResults)
	api.POST("/tasks/:id/stop", h.httpStopTask)
	api.GET("/agents", h.httpListAgents)
	api.GET("/codebases", h.httpListCodebases)
	api.GET("/isolation/envs", h.httpListIsolationEnvs)
	api.POST("/isolation/cleanup", h.httpCleanupIsolation)
	api.GET("/approvals", h.httpListApprovals)
	api.GET("/templates", h.httpListTemplates)
	api.POST("/templates", h.httpPutTemplate)
	api.DELETE("/templates/:name", h.httpDeleteTemplate)
}
