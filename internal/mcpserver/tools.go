package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/common/stringutil"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/isolation"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
)

// maxOutputChars caps the streamed output echoed by task_status so a chatty
// task cannot blow up the tool response.
const maxOutputChars = 8000

// Pool is the coordinator slice the tools drive. Satisfied by
// *coordinator.Coordinator.
type Pool interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (string, error)
	WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*queue.Task, error)
	Status(ctx context.Context) (*coordinator.Status, error)
}

// TaskReader looks up tasks and their streamed output. Satisfied by
// *queue.Queue.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*queue.Task, error)
	GetResults(ctx context.Context, taskID string) ([]*queue.ResultChunk, error)
}

// Worktrees is the isolation slice the tools drive. Satisfied by
// *isolation.Manager.
type Worktrees interface {
	ListActive(ctx context.Context, codebaseID string) ([]*isolation.Env, error)
	ListAllActive(ctx context.Context) ([]*isolation.Env, error)
	CleanupMerged(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error)
	CleanupStale(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error)
}

// Codebases resolves codebase records. Satisfied by *conversation.SQLiteStore.
type Codebases interface {
	GetCodebase(ctx context.Context, id string) (*conversation.Codebase, error)
	FindCodebaseByName(ctx context.Context, name string) (*conversation.Codebase, error)
}

// Deps are the services the tools call.
type Deps struct {
	Pool      Pool
	Tasks     TaskReader
	Worktrees Worktrees
	Codebases Codebases
}

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("submit_task",
			mcp.WithDescription("Submit a task to the agent pool. Returns the task ID immediately, or the finished task when wait is true."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The instruction for the agent session"),
			),
			mcp.WithString("description",
				mcp.Description("Short human-readable summary, used in logs and escalations (optional)"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to attribute the task to (optional)"),
			),
			mcp.WithString("task_type",
				mcp.Description("Task type, defaults to general (optional)"),
			),
			mcp.WithNumber("priority",
				mcp.Description("1 is served first, 10 last; defaults to 5 (optional)"),
			),
			mcp.WithString("cwd",
				mcp.Description("Working directory for the session, usually an isolation worktree path (optional)"),
			),
			mcp.WithBoolean("wait",
				mcp.Description("Block until the task reaches a terminal state and return the full task (optional)"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("How long to wait when wait is true; defaults to the pool wait window (optional)"),
			),
		),
		submitTaskHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Get a pool task's current state and its streamed output so far."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID returned by submit_task"),
			),
		),
		taskStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("pool_status",
			mcp.WithDescription("Get agent counts and queue depth for the pool."),
		),
		poolStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_worktrees",
			mcp.WithDescription("List active isolation worktrees, optionally scoped to one codebase."),
			mcp.WithString("codebase_id",
				mcp.Description("Codebase ID to scope the listing to (optional)"),
			),
		),
		listWorktreesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("cleanup_worktrees",
			mcp.WithDescription("Remove a codebase's isolation worktrees by family: merged removes branches already landed on the mainline, stale removes worktrees idle past the retention window."),
			mcp.WithString("family",
				mcp.Required(),
				mcp.Description("Cleanup family: merged or stale"),
			),
			mcp.WithString("codebase",
				mcp.Required(),
				mcp.Description("Codebase ID or owner/repo name"),
			),
		),
		cleanupWorktreesHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

func submitTaskHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		args := req.GetArguments()
		priority := 0
		if v, ok := args["priority"].(float64); ok {
			priority = int(v)
		}

		taskID, err := deps.Pool.Submit(ctx, coordinator.SubmitRequest{
			ConversationID: req.GetString("conversation_id", ""),
			TaskType:       req.GetString("task_type", ""),
			Priority:       priority,
			Payload: queue.TaskPayload{
				Description: req.GetString("description", ""),
				Prompt:      prompt,
				Cwd:         req.GetString("cwd", ""),
			},
		})
		if err != nil {
			log.Error("failed to submit task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit task: %v", err)), nil
		}

		wait, _ := args["wait"].(bool)
		if !wait {
			return jsonResult(map[string]interface{}{
				"task_id": taskID,
				"status":  string(queue.StatusQueued),
			})
		}

		var timeout time.Duration
		if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
			timeout = time.Duration(v) * time.Second
		}
		task, err := deps.Pool.WaitForResult(ctx, taskID, timeout)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Task %s did not finish: %v. Poll it with task_status.", taskID, err)), nil
		}
		return jsonResult(task)
	}
}

func taskStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := deps.Tasks.GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}
		chunks, err := deps.Tasks.GetResults(ctx, taskID)
		if err != nil {
			log.Warn("failed to load task output", zap.String("task_id", taskID), zap.Error(err))
		}

		var output strings.Builder
		for _, chunk := range chunks {
			if chunk.ChunkType == queue.ChunkText || chunk.ChunkType == queue.ChunkComplete {
				output.WriteString(chunk.Content)
			}
		}

		return jsonResult(map[string]interface{}{
			"task":   task,
			"output": stringutil.TruncateStringWithEllipsis(output.String(), maxOutputChars),
		})
	}
}

func poolStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := deps.Pool.Status(ctx)
		if err != nil {
			log.Error("failed to get pool status", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get pool status: %v", err)), nil
		}
		return jsonResult(status)
	}
}

func listWorktreesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var envs []*isolation.Env
		var err error
		if codebaseID := req.GetString("codebase_id", ""); codebaseID != "" {
			envs, err = deps.Worktrees.ListActive(ctx, codebaseID)
		} else {
			envs, err = deps.Worktrees.ListAllActive(ctx)
		}
		if err != nil {
			log.Error("failed to list worktrees", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list worktrees: %v", err)), nil
		}
		if envs == nil {
			envs = []*isolation.Env{}
		}
		return jsonResult(map[string]interface{}{
			"worktrees": envs,
			"total":     len(envs),
		})
	}
}

func cleanupWorktreesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		family, err := req.RequireString("family")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if family != "merged" && family != "stale" {
			return mcp.NewToolResultError("family must be merged or stale"), nil
		}
		ref, err := req.RequireString("codebase")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cb, err := resolveCodebase(ctx, deps.Codebases, ref)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown codebase %q: %v", ref, err)), nil
		}
		codebase := isolation.Codebase{ID: cb.ID, Name: cb.Name, Path: cb.Path}

		var report *isolation.CleanupReport
		if family == "merged" {
			report, err = deps.Worktrees.CleanupMerged(ctx, codebase)
		} else {
			report, err = deps.Worktrees.CleanupStale(ctx, codebase)
		}
		if err != nil {
			log.Error("worktree cleanup failed",
				zap.String("family", family),
				zap.String("codebase", cb.Name),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Cleanup failed: %v", err)), nil
		}

		skipped := make([]map[string]string, 0, len(report.Skipped))
		for _, s := range report.Skipped {
			skipped = append(skipped, map[string]string{"branch": s.Branch, "reason": s.Reason})
		}
		removed := report.Removed
		if removed == nil {
			removed = []string{}
		}
		return jsonResult(map[string]interface{}{
			"family":  family,
			"removed": removed,
			"skipped": skipped,
		})
	}
}

// resolveCodebase accepts a codebase row ID or an owner/repo name.
func resolveCodebase(ctx context.Context, store Codebases, ref string) (*conversation.Codebase, error) {
	if strings.Contains(ref, "/") {
		return store.FindCodebaseByName(ctx, ref)
	}
	cb, err := store.GetCodebase(ctx, ref)
	if err == nil {
		return cb, nil
	}
	return store.FindCodebaseByName(ctx, ref)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
