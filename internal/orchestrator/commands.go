package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/isolation"
)

// Result is the outcome of a built-in command.
type Result struct {
	// Success is false when the command was understood but could not be
	// carried out; Message then explains why.
	Success bool

	// Message is the reply text. Empty for commands that stay silent.
	Message string

	// Modified means conversation state changed and the caller must reload
	// the row before continuing the pipeline.
	Modified bool

	// FollowUpPrompt, when set, is run through the assistant session as if
	// the user had typed it.
	FollowUpPrompt string

	// SwarmRequest, when set, is submitted to the agent pool as one task.
	SwarmRequest string
}

func ok(msg string) Result      { return Result{Success: true, Message: msg} }
func failure(msg string) Result { return Result{Success: false, Message: msg} }
func modified(msg string) Result {
	return Result{Success: true, Message: msg, Modified: true}
}

// runBuiltin dispatches a built-in command. The bool reports whether the
// name is a built-in at all; unknown names fall through to the template
// lookup in handleCommand.
func (o *Orchestrator) runBuiltin(ctx context.Context, conv *conversation.Conversation, cmd *command, log *logger.Logger) (Result, bool) {
	switch cmd.Name {
	case "help":
		return ok(helpText), true
	case "quickref":
		return ok(quickrefText), true
	case "status":
		return o.cmdStatus(ctx, conv, log), true
	case "getcwd":
		return o.cmdGetcwd(conv), true
	case "setcwd":
		return o.cmdSetcwd(ctx, conv, cmd.Args, log), true
	case "verbose":
		return o.cmdVerbose(ctx, conv, cmd.Args, log), true
	case "reset":
		return o.cmdReset(ctx, conv, log), true
	case "reset-context":
		return o.cmdResetContext(ctx, conv, log), true
	case "stop":
		return o.cmdStop(conv), true
	case "init":
		return o.cmdInit(conv), true
	case "agents":
		return o.cmdAgents(cmd.Args), true

	case "clone":
		return o.cmdClone(ctx, conv, cmd.Args, log), true
	case "repos":
		return o.cmdRepos(ctx, conv, log), true
	case "repo":
		return o.cmdRepo(ctx, conv, cmd.Args, log), true
	case "repo-remove":
		return o.cmdRepoRemove(ctx, conv, cmd.Args, log), true
	case "command-set":
		return o.cmdCommandSet(ctx, conv, cmd.Args, log), true
	case "load-commands":
		return o.cmdLoadCommands(ctx, conv, log), true
	case "commands":
		return o.cmdCommands(ctx, conv, log), true
	case "commands-all":
		return o.cmdCommandsAll(ctx, log), true

	case "template-add":
		return o.cmdTemplateAdd(ctx, cmd, log), true
	case "template-list", "templates":
		return o.cmdTemplateList(ctx, log), true
	case "template-delete":
		return o.cmdTemplateDelete(ctx, cmd.Args, log), true
	case "chains":
		return o.cmdChains(ctx, log), true
	case "prompts":
		return o.cmdPrompts(ctx, cmd.Args, log), true

	case "worktree":
		return o.cmdWorktree(ctx, conv, cmd.Args, log), true
	}
	return Result{}, false
}

// builtinNames mirrors the runBuiltin dispatch plus command-invoke, so a
// template cannot shadow a command it would never reach.
var builtinNames = map[string]struct{}{
	"help": {}, "quickref": {}, "status": {}, "getcwd": {}, "setcwd": {},
	"verbose": {}, "reset": {}, "reset-context": {}, "stop": {}, "init": {},
	"agents": {}, "clone": {}, "repos": {}, "repo": {}, "repo-remove": {},
	"command-set": {}, "load-commands": {}, "commands": {}, "commands-all": {},
	"template-add": {}, "template-list": {}, "templates": {}, "template-delete": {},
	"chains": {}, "prompts": {}, "worktree": {}, "command-invoke": {},
}

func isBuiltinName(name string) bool {
	_, ok := builtinNames[name]
	return ok
}

const helpText = `Commands:
/clone <url>            Clone a repository and make it this conversation's codebase
/repos                  List registered codebases
/repo <name>            Switch this conversation to a registered codebase
/repo-remove <name>     Unregister a codebase
/status                 Conversation and agent pool status
/getcwd | /setcwd <dir> Show or change the working directory
/command-invoke <name>  Run a codebase command template
/commands               List this codebase's command templates
/commands-all           List command templates across all codebases
/load-commands          Re-scan the codebase for command templates
/command-set <name> <path>  Register a template file as a command
/template-add <name> <body> Save a global prompt template
/templates              List global templates (/template-list)
/template-delete <name> Delete a global template
/prompts [name]         Show template bodies
/chains                 List multi-step templates
/worktree <subcommand>  Manage isolation worktrees (create, list, remove, cleanup merged, cleanup stale, orphans)
/init                   Have the assistant analyze the codebase
/agents <description>   Hand a task to the agent pool
/verbose [on|off]       Toggle tool-call output
/reset                  Start a fresh assistant session
/reset-context          Fresh session, drop worktree and cwd
/stop                   Interrupt the in-flight run
/quickref               Compact cheat sheet

Anything else starting with / runs the global template of that name.
Plain messages go straight to the assistant.`

const quickrefText = `/clone <url> -> /init -> talk. /stop interrupts, /reset forgets.
/worktree list | remove <branch> | cleanup merged. /status for the pool.
/command-invoke <name> runs repo templates, /agents <task> uses the pool.`

func (o *Orchestrator) cmdStatus(ctx context.Context, conv *conversation.Conversation, log *logger.Logger) Result {
	var b strings.Builder

	if conv.CodebaseID == "" {
		b.WriteString("Codebase: none (use /clone or /repo)\n")
	} else if cb, err := o.store.GetCodebase(ctx, conv.CodebaseID); err != nil {
		log.Warn("Status: codebase lookup failed", zap.Error(err))
		b.WriteString("Codebase: unavailable\n")
	} else {
		fmt.Fprintf(&b, "Codebase: %s\n", cb.Name)
	}

	if conv.Cwd != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", conv.Cwd)
	}

	if conv.IsolationEnvID != "" {
		if env, err := o.isolation.GetActive(ctx, conv.IsolationEnvID); err != nil {
			b.WriteString("Worktree: gone (will be recreated on the next message)\n")
		} else {
			fmt.Fprintf(&b, "Worktree: %s (%s %s)\n", env.Branch, env.WorkflowType, env.WorkflowID)
		}
	}

	sess, err := o.store.GetActiveSession(ctx, conv.ID)
	switch {
	case err != nil:
		log.Warn("Status: session lookup failed", zap.Error(err))
	case sess != nil:
		fmt.Fprintf(&b, "Session: active since %s\n", sess.CreatedAt.Format("2006-01-02 15:04"))
	default:
		b.WriteString("Session: none\n")
	}

	fmt.Fprintf(&b, "Verbose tool output: %s\n", onOff(conv.Verbose))

	if st, err := o.pool.Status(ctx); err != nil {
		log.Warn("Status: pool status failed", zap.Error(err))
		b.WriteString("Agent pool: unavailable")
	} else {
		fmt.Fprintf(&b, "Agent pool: %d agents (%d idle, %d busy, %d offline); tasks %d queued, %d running, %d completed, %d failed",
			st.Agents.Total, st.Agents.Idle, st.Agents.Busy, st.Agents.Offline,
			st.Tasks.Queued, st.Tasks.Running, st.Tasks.Completed, st.Tasks.Failed)
	}

	return ok(strings.TrimRight(b.String(), "\n"))
}

func (o *Orchestrator) cmdGetcwd(conv *conversation.Conversation) Result {
	if conv.Cwd == "" {
		return ok("No working directory set. /clone a repository or /setcwd <dir>.")
	}
	return ok(conv.Cwd)
}

func (o *Orchestrator) cmdSetcwd(ctx context.Context, conv *conversation.Conversation, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure("Usage: /setcwd <directory>")
	}
	path := expandHome(strings.Join(args, " "))
	if !filepath.IsAbs(path) && conv.Cwd != "" {
		path = filepath.Join(conv.Cwd, path)
	}
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return failure(fmt.Sprintf("Directory does not exist: %s", path))
	}
	if !info.IsDir() {
		return failure(fmt.Sprintf("Not a directory: %s", path))
	}
	if !o.cwdAllowed(ctx, conv, path) {
		return failure("Working directory must stay inside the workspace or the codebase clone.")
	}

	if err := o.store.SetCwd(ctx, conv.ID, path); err != nil {
		log.Error("Failed to set cwd", zap.Error(err))
		return failure(classifyError(err))
	}
	return modified(fmt.Sprintf("Working directory set to %s", path))
}

// cwdAllowed keeps /setcwd inside directories this process manages: the
// workspace tree or the conversation's codebase clone.
func (o *Orchestrator) cwdAllowed(ctx context.Context, conv *conversation.Conversation, path string) bool {
	if o.cfg.WorkspacePath != "" && isolation.WithinWorkspace(o.cfg.WorkspacePath, path) {
		return true
	}
	if conv.CodebaseID == "" {
		return false
	}
	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		return false
	}
	return isolation.WithinWorkspace(cb.Path, path)
}

func (o *Orchestrator) cmdVerbose(ctx context.Context, conv *conversation.Conversation, args []string, log *logger.Logger) Result {
	verbose := !conv.Verbose
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			verbose = true
		case "off", "false", "0":
			verbose = false
		default:
			return failure("Usage: /verbose [on|off]")
		}
	}
	if err := o.store.SetVerbose(ctx, conv.ID, verbose); err != nil {
		log.Error("Failed to set verbose flag", zap.Error(err))
		return failure(classifyError(err))
	}
	return modified(fmt.Sprintf("Verbose tool output is now %s.", onOff(verbose)))
}

func (o *Orchestrator) cmdReset(ctx context.Context, conv *conversation.Conversation, log *logger.Logger) Result {
	if err := o.store.DeactivateSessions(ctx, conv.ID); err != nil {
		log.Error("Failed to reset session", zap.Error(err))
		return failure(classifyError(err))
	}
	return ok("Session reset. The next message starts fresh.")
}

func (o *Orchestrator) cmdResetContext(ctx context.Context, conv *conversation.Conversation, log *logger.Logger) Result {
	if err := o.store.DeactivateSessions(ctx, conv.ID); err != nil {
		log.Error("Failed to reset session", zap.Error(err))
		return failure(classifyError(err))
	}
	if err := o.store.ClearIsolation(ctx, conv.ID); err != nil {
		log.Error("Failed to clear isolation", zap.Error(err))
		return failure(classifyError(err))
	}
	// Back to the canonical clone; the worktree row stays for other
	// conversations or /worktree remove.
	cwd := ""
	if conv.CodebaseID != "" {
		if cb, err := o.store.GetCodebase(ctx, conv.CodebaseID); err == nil {
			cwd = cb.Path
		}
	}
	if err := o.store.SetCwd(ctx, conv.ID, cwd); err != nil {
		log.Error("Failed to reset cwd", zap.Error(err))
		return failure(classifyError(err))
	}
	return modified("Context reset: fresh session, worktree released, back to the main checkout.")
}

// cmdStop aborts the conversation's in-flight run. The interrupted run
// itself sends the acknowledgement, so a successful stop stays silent here;
// answering too would double up.
func (o *Orchestrator) cmdStop(conv *conversation.Conversation) Result {
	if o.aborts.abort(conv.ID) {
		return Result{Success: true}
	}
	return ok("Nothing to stop.")
}

const initPrompt = `Analyze this codebase and give a short orientation: what the project does, the language and main frameworks, how the code is laid out (top-level directories and what lives in each), how to build and run the tests, and anything unusual a newcomer should know. Keep it under 30 lines.`

func (o *Orchestrator) cmdInit(conv *conversation.Conversation) Result {
	if conv.CodebaseID == "" {
		return failure("No codebase selected. Use /clone <url> or /repo <name> first.")
	}
	return Result{Success: true, FollowUpPrompt: initPrompt}
}

func (o *Orchestrator) cmdAgents(args []string) Result {
	request := strings.TrimSpace(strings.Join(args, " "))
	if request == "" {
		return failure("Usage: /agents <task description>")
	}
	return Result{Success: true, SwarmRequest: request}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
