package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/isolation"
)

const worktreeUsage = `Usage:
/worktree create <name>        New named worktree, switch this conversation to it
/worktree list                 Active worktrees for this codebase
/worktree remove <branch> [force]  Destroy a worktree (force discards uncommitted changes)
/worktree cleanup merged       Remove worktrees whose branches are merged
/worktree cleanup stale        Remove worktrees idle past the stale threshold
/worktree orphans              On-disk worktrees nothing tracks`

func (o *Orchestrator) cmdWorktree(ctx context.Context, conv *conversation.Conversation, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure(worktreeUsage)
	}
	if conv.CodebaseID == "" {
		return failure("No codebase selected. Use /clone <url> or /repo <name> first.")
	}
	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		log.Error("Failed to load codebase", zap.Error(err))
		return failure(classifyError(err))
	}
	view := isolationView(cb)

	switch args[0] {
	case "create":
		return o.worktreeCreate(ctx, conv, view, args[1:], log)
	case "list":
		return o.worktreeList(ctx, conv, view, log)
	case "remove":
		return o.worktreeRemove(ctx, conv, cb, args[1:], log)
	case "cleanup":
		return o.worktreeCleanup(ctx, view, args[1:], log)
	case "orphans":
		return o.worktreeOrphans(ctx, view, log)
	}
	return failure(worktreeUsage)
}

// worktreeCreate resolves a task-workflow environment named by the user and
// switches the conversation into it.
func (o *Orchestrator) worktreeCreate(ctx context.Context, conv *conversation.Conversation, view isolation.Codebase, args []string, log *logger.Logger) Result {
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		return failure("Usage: /worktree create <name>")
	}

	res, err := o.isolation.Resolve(ctx, isolation.ResolveRequest{
		Codebase: view,
		Workflow: isolation.Workflow{Type: isolation.WorkflowTask, ID: name},
	})
	if errors.Is(err, isolation.ErrWorktreeLimitReached) {
		return failure(o.isolation.FormatLimitMessage(ctx, view))
	}
	if err != nil {
		log.Error("Worktree create failed", zap.String("name", name), zap.Error(err))
		return failure(classifyError(err))
	}

	if err := o.store.SetIsolation(ctx, conv.ID, res.Env.ID, res.Env.Path); err != nil {
		log.Error("Failed to bind worktree", zap.Error(err))
		return failure(classifyError(err))
	}
	if err := o.store.DeactivateSessions(ctx, conv.ID); err != nil {
		log.Warn("Failed to deactivate sessions on worktree switch", zap.Error(err))
	}

	how := "created"
	switch {
	case res.Adopted:
		how = "adopted from an existing worktree"
	case res.Reused:
		how = "already existed"
	}
	return modified(fmt.Sprintf("Worktree on branch %s (%s).\nWorking directory: %s", res.Env.Branch, how, res.Env.Path))
}

func (o *Orchestrator) worktreeList(ctx context.Context, conv *conversation.Conversation, view isolation.Codebase, log *logger.Logger) Result {
	envs, err := o.isolation.ListActive(ctx, view.ID)
	if err != nil {
		log.Error("Failed to list worktrees", zap.Error(err))
		return failure(classifyError(err))
	}
	if len(envs) == 0 {
		return ok("No active worktrees. /worktree create <name> makes one.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Worktrees for %s:\n", view.Name)
	for _, env := range envs {
		marker := " "
		if env.ID == conv.IsolationEnvID {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s  %s %s  since %s", marker, env.Branch, env.WorkflowType, env.WorkflowID, env.CreatedAt.Format("2006-01-02"))
		if env.Adopted() {
			line += "  (adopted)"
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("/worktree remove <branch> destroys one.")
	return ok(b.String())
}

func (o *Orchestrator) worktreeRemove(ctx context.Context, conv *conversation.Conversation, cb *conversation.Codebase, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure("Usage: /worktree remove <branch> [force]")
	}
	branch := args[0]
	force := len(args) > 1 && args[1] == "force"

	err := o.isolation.DestroyByBranch(ctx, cb.ID, branch, force)
	if errors.Is(err, isolation.ErrEnvNotFound) {
		return failure(fmt.Sprintf("No active worktree on branch %s. /worktree list shows them.", branch))
	}
	if errors.Is(err, isolation.ErrUncommittedChanges) {
		return failure(fmt.Sprintf("Worktree %s has uncommitted changes. /worktree remove %s force discards them.", branch, branch))
	}
	if err != nil {
		log.Error("Worktree remove failed", zap.String("branch", branch), zap.Error(err))
		return failure(classifyError(err))
	}

	res := ok(fmt.Sprintf("Worktree %s removed.", branch))
	if conv.IsolationEnvID != "" {
		// The destroyed worktree may have been this conversation's. Check
		// and fall back to the main checkout instead of a dangling path.
		if _, gerr := o.isolation.GetActive(ctx, conv.IsolationEnvID); gerr != nil {
			if cerr := o.store.ClearIsolation(ctx, conv.ID); cerr != nil {
				log.Warn("Failed to clear isolation after remove", zap.Error(cerr))
			}
			if cerr := o.store.SetCwd(ctx, conv.ID, cb.Path); cerr != nil {
				log.Warn("Failed to reset cwd after remove", zap.Error(cerr))
			}
			res.Modified = true
			res.Message += " This conversation is back on the main checkout."
		}
	}
	return res
}

func (o *Orchestrator) worktreeCleanup(ctx context.Context, view isolation.Codebase, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure("Usage: /worktree cleanup merged|stale")
	}

	var report *isolation.CleanupReport
	var err error
	switch args[0] {
	case "merged":
		report, err = o.isolation.CleanupMerged(ctx, view)
	case "stale":
		report, err = o.isolation.CleanupStale(ctx, view)
	default:
		return failure("Usage: /worktree cleanup merged|stale")
	}
	if err != nil {
		log.Error("Worktree cleanup failed", zap.String("mode", args[0]), zap.Error(err))
		return failure(classifyError(err))
	}

	var b strings.Builder
	if len(report.Removed) == 0 {
		fmt.Fprintf(&b, "Nothing to clean up (%s).", args[0])
	} else {
		fmt.Fprintf(&b, "Removed %d worktrees:\n", len(report.Removed))
		for _, branch := range report.Removed {
			fmt.Fprintf(&b, "  %s\n", branch)
		}
	}
	if len(report.Skipped) > 0 {
		b.WriteString("\nSkipped:\n")
		for _, s := range report.Skipped {
			fmt.Fprintf(&b, "  %s - %s\n", s.Branch, s.Reason)
		}
	}
	return ok(strings.TrimRight(b.String(), "\n"))
}

func (o *Orchestrator) worktreeOrphans(ctx context.Context, view isolation.Codebase, log *logger.Logger) Result {
	orphans, err := o.isolation.Orphans(ctx, view)
	if err != nil {
		log.Error("Orphan scan failed", zap.Error(err))
		return failure(classifyError(err))
	}
	if len(orphans) == 0 {
		return ok("No orphaned worktrees: everything on disk is tracked.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d on-disk worktrees nothing tracks:\n", len(orphans))
	for _, w := range orphans {
		line := fmt.Sprintf("  %s  %s", w.Branch, w.Path)
		if w.Detached {
			line += "  (detached)"
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("/worktree create <name> with a matching branch adopts one; delete the rest by hand.")
	return ok(b.String())
}
