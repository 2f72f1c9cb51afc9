// Package orchestrator turns platform messages into assistant runs. It
// owns the conversation pipeline:
//
//   - Load or create the conversation, inheriting codebase and cwd from a
//     parent thread.
//   - Classify slash commands: built-ins handled locally, codebase command
//     templates via /command-invoke, global templates as a fallback.
//   - Route plain messages through the router template when one exists.
//   - Resolve the isolation environment (a git worktree) and pin the
//     conversation's working directory inside it.
//   - Resolve the active assistant session, retiring plan sessions when
//     execution starts.
//   - Stream the assistant run to the platform adapter, auditing risky
//     tool calls, then post-process: auto file send, long-response split,
//     tool-line filtering.
//
// The orchestrator never surfaces raw errors to the adapter; everything
// goes through the error classifier and the full detail stays in the logs.
// /stop aborts the conversation's in-flight run cooperatively at the next
// event boundary and leaves the session resumable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/common/stringutil"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
	"github.com/lugh-dev/lugh/internal/isolation"
	"github.com/lugh-dev/lugh/internal/platform"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/repoclone"
)

// abortAck is the single line sent when a run ends because of /stop.
const abortAck = "⏹ Interrupted. Your next message continues this session."

// Config tunes the conversation pipeline.
type Config struct {
	// WorkspacePath is the base directory; long responses are written
	// under it.
	WorkspacePath string

	// LongResponseThreshold is the character count above which a batch
	// response is sent as a file plus preview. Default: 2000.
	LongResponseThreshold int

	// PreviewLength is the preview size for long responses. Default: 500.
	PreviewLength int

	// MaxFileSendBytes caps auto-sent files. Default: 10 MB.
	MaxFileSendBytes int64

	// NotifyOnRiskTools sends an immediate warning line for high-risk
	// tool calls.
	NotifyOnRiskTools bool

	// BlockingApprovals marks high-risk audit rows pending_review for an
	// operator. The session contract has no permission round-trip, so
	// execution itself is never blocked.
	BlockingApprovals bool
}

func (c Config) withDefaults() Config {
	if c.LongResponseThreshold <= 0 {
		c.LongResponseThreshold = 2000
	}
	if c.PreviewLength <= 0 {
		c.PreviewLength = 500
	}
	if c.MaxFileSendBytes <= 0 {
		c.MaxFileSendBytes = 10 << 20
	}
	return c
}

// Isolation is the slice of the isolation manager the pipeline and the
// /worktree built-ins use. Satisfied by *isolation.Manager.
type Isolation interface {
	Resolve(ctx context.Context, req isolation.ResolveRequest) (*isolation.Resolution, error)
	GetActive(ctx context.Context, envID string) (*isolation.Env, error)
	ListActive(ctx context.Context, codebaseID string) ([]*isolation.Env, error)
	Destroy(ctx context.Context, envID string, force bool) error
	DestroyByBranch(ctx context.Context, codebaseID, branch string, force bool) error
	CleanupMerged(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error)
	CleanupStale(ctx context.Context, codebase isolation.Codebase) (*isolation.CleanupReport, error)
	Orphans(ctx context.Context, codebase isolation.Codebase) ([]isolation.Backing, error)
	FormatLimitMessage(ctx context.Context, codebase isolation.Codebase) string
}

// Pool is the coordinator surface built-ins use. Satisfied by
// *coordinator.Coordinator.
type Pool interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (string, error)
	Status(ctx context.Context) (*coordinator.Status, error)
}

// Cloner clones repositories for /clone. Satisfied by *repoclone.Cloner.
type Cloner interface {
	Clone(ctx context.Context, ref string) (*repoclone.Repo, string, error)
}

// Events is the observer bus aborts are announced on. Satisfied by
// bus.EventBus; nil disables announcements.
type Events interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store     conversation.Store
	Templates *TemplateStore
	Approvals *ApprovalStore
	Isolation Isolation
	Pool      Pool
	Cloner    Cloner
	Runner    session.Runner
	Logger    *logger.Logger
}

// Orchestrator handles one platform message at a time per conversation.
type Orchestrator struct {
	cfg       Config
	store     conversation.Store
	templates *TemplateStore
	approvals *ApprovalStore
	isolation Isolation
	pool      Pool
	cloner    Cloner
	runner    session.Runner
	aborts    *abortRegistry
	events    Events
	logger    *logger.Logger
}

// New creates an orchestrator.
func New(cfg Config, d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     d.Store,
		templates: d.Templates,
		approvals: d.Approvals,
		isolation: d.Isolation,
		pool:      d.Pool,
		cloner:    d.Cloner,
		runner:    d.Runner,
		aborts:    newAbortRegistry(),
		logger:    d.Logger.WithFields(zap.String("component", "orchestrator")),
	}
}

// SetEvents attaches the event bus for abort announcements.
func (o *Orchestrator) SetEvents(events Events) {
	o.events = events
}

// Message is one user message delivered by a platform adapter.
type Message struct {
	// ConversationID is the platform's conversation identifier.
	ConversationID string

	// ParentConversationID links a new thread to the conversation it forked
	// from; the child inherits codebase and cwd.
	ParentConversationID string

	// Text is the raw user message.
	Text string

	// ThreadContext is quoted context prepended to the prompt under a
	// marker, e.g. the message a thread was started from.
	ThreadContext string

	// IssueContext is appended to codebase command invocations.
	IssueContext string

	// Workflow overrides the default per-thread workflow for isolation
	// resolution. GitHub adapters set this to the issue or PR at hand.
	Workflow *isolation.Workflow

	// Hints carry isolation resolution context such as linked issues.
	Hints isolation.Hints
}

// promptPlan is the outcome of command classification: the prompt to run
// and the command name recorded as session metadata.
type promptPlan struct {
	Prompt      string
	Invoked     string
	FromCommand bool
}

// HandleMessage runs the full pipeline for one message. It never returns
// an error: user-safe classifier output goes to the adapter, full detail
// to the logs.
func (o *Orchestrator) HandleMessage(ctx context.Context, adapter platform.Adapter, msg Message) {
	log := o.logger.WithFields(
		zap.String("platform", adapter.PlatformType()),
		zap.String("platform_conversation_id", msg.ConversationID))

	conv, created, err := o.store.GetOrCreateConversation(ctx, adapter.PlatformType(), msg.ConversationID, msg.ParentConversationID)
	if err != nil {
		log.Error("Failed to load conversation", zap.Error(err))
		if sendErr := adapter.SendMessage(ctx, msg.ConversationID, classifyError(err)); sendErr != nil {
			log.Warn("Failed to send error reply", zap.Error(sendErr))
		}
		return
	}
	log = log.WithFields(zap.String("conversation_id", conv.ID))
	if created {
		log.Info("Conversation created", zap.String("parent_id", conv.ParentID))
	}

	plan := promptPlan{Prompt: strings.TrimSpace(msg.Text)}
	if cmd, ok := parseCommand(plan.Prompt); ok {
		newPlan, newConv, proceed := o.handleCommand(ctx, adapter, conv, cmd, msg, log)
		if !proceed {
			return
		}
		plan = *newPlan
		conv = newConv
	}
	if plan.Prompt == "" {
		return
	}

	// Plain messages route through the router template; command prompts
	// are already fully built.
	if !plan.FromCommand && conv.CodebaseID != "" {
		plan.Prompt = o.applyRouter(ctx, plan.Prompt)
	}
	if msg.ThreadContext != "" {
		plan.Prompt = prependThreadContext(msg.ThreadContext, plan.Prompt)
	}

	cwd, ok := o.resolveIsolation(ctx, adapter, conv, msg, log)
	if !ok {
		return
	}

	sess, ok := o.resolveSession(ctx, adapter, conv, plan.Invoked, log)
	if !ok {
		return
	}
	if err := o.store.Touch(ctx, conv.ID); err != nil {
		log.Warn("Failed to touch conversation", zap.Error(err))
	}

	// The handle outlives this run only until a newer message replaces it.
	runCtx, handle := o.aborts.install(ctx, conv.ID)
	defer o.aborts.clear(conv.ID, handle)

	out, err := o.runStream(runCtx, adapter, conv, sess, plan.Prompt, cwd, handle)

	if handle.Aborted() {
		// The parent context is still alive; only the run was cancelled.
		o.send(ctx, adapter, conv, abortAck)
		o.announceAbort(ctx, conv.ID)
		log.Info("Run aborted by user")
		return
	}
	if err != nil {
		log.Error("Assistant run failed", zap.Error(err))
		o.send(ctx, adapter, conv, classifyError(err))
		return
	}

	o.finishResponse(ctx, adapter, conv, out, cwd)

	if plan.Invoked != "" {
		meta := map[string]string{conversation.MetaLastCommand: plan.Invoked}
		if err := o.store.SetSessionMetadata(ctx, sess.ID, meta); err != nil {
			log.Warn("Failed to record command metadata", zap.Error(err))
		}
	}
}

// announceAbort publishes the abort on the bus so gateway subscribers see
// the run end without waiting on the adapter.
func (o *Orchestrator) announceAbort(ctx context.Context, conversationID string) {
	if o.events == nil {
		return
	}
	event := bus.NewEvent(events.ConversationAborted, "orchestrator", map[string]interface{}{
		"conversation_id": conversationID,
	})
	if err := o.events.Publish(ctx, events.ConversationAborted, event); err != nil {
		o.logger.Warn("failed to publish abort event", zap.Error(err))
	}
}

// handleCommand classifies and executes a slash command. It returns the
// prompt plan and possibly-reloaded conversation when the pipeline should
// continue, or proceed=false when the command was fully handled.
func (o *Orchestrator) handleCommand(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, cmd *command, msg Message, log *logger.Logger) (*promptPlan, *conversation.Conversation, bool) {
	if cmd.Name == "command-invoke" {
		plan, ok := o.planCommandInvoke(ctx, adapter, conv, cmd, msg, log)
		return plan, conv, ok
	}

	if res, isBuiltin := o.runBuiltin(ctx, conv, cmd, log); isBuiltin {
		if res.SwarmRequest != "" {
			o.submitSwarm(ctx, adapter, conv, res.SwarmRequest, log)
			return nil, conv, false
		}
		if res.Message != "" {
			o.send(ctx, adapter, conv, res.Message)
		}
		if res.Modified {
			fresh, err := o.store.GetConversation(ctx, conv.ID)
			if err != nil {
				log.Warn("Failed to reload conversation after command", zap.Error(err))
			} else {
				conv = fresh
			}
		}
		if res.FollowUpPrompt != "" {
			return &promptPlan{Prompt: res.FollowUpPrompt, Invoked: cmd.Name, FromCommand: true}, conv, true
		}
		return nil, conv, false
	}

	// Not built in: a global template, or nothing.
	tmpl, err := o.templates.Get(ctx, cmd.Name)
	if errors.Is(err, ErrTemplateNotFound) {
		o.send(ctx, adapter, conv, fmt.Sprintf("Unknown command /%s. Try /help.", cmd.Name))
		return nil, conv, false
	}
	if err != nil {
		log.Error("Template lookup failed", zap.String("template", cmd.Name), zap.Error(err))
		o.send(ctx, adapter, conv, classifyError(err))
		return nil, conv, false
	}
	return &promptPlan{Prompt: buildTemplateInvocation(tmpl, cmd.Args), Invoked: cmd.Name, FromCommand: true}, conv, true
}

// planCommandInvoke builds the prompt for a codebase command.
func (o *Orchestrator) planCommandInvoke(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, cmd *command, msg Message, log *logger.Logger) (*promptPlan, bool) {
	if len(cmd.Args) == 0 {
		o.send(ctx, adapter, conv, "Usage: /command-invoke <name> [args]")
		return nil, false
	}
	if conv.CodebaseID == "" {
		o.send(ctx, adapter, conv, "No codebase selected. Use /clone <url> or /repo <name> first.")
		return nil, false
	}

	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		log.Error("Failed to load codebase", zap.String("codebase_id", conv.CodebaseID), zap.Error(err))
		o.send(ctx, adapter, conv, classifyError(err))
		return nil, false
	}

	name := cmd.Args[0]
	cwd := conv.Cwd
	if cwd == "" {
		cwd = cb.Path
	}
	prompt, err := buildCodebaseInvocation(cb, cwd, name, cmd.Args[1:], msg.IssueContext)
	if err != nil {
		log.Warn("Codebase command invocation failed",
			zap.String("command", name), zap.Error(err))
		o.send(ctx, adapter, conv, classifyError(err))
		return nil, false
	}
	return &promptPlan{Prompt: prompt, Invoked: name, FromCommand: true}, true
}

// submitSwarm hands a built-in's swarm request to the agent pool as one
// task and acknowledges with the task ID.
func (o *Orchestrator) submitSwarm(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, request string, log *logger.Logger) {
	taskID, err := o.pool.Submit(ctx, coordinator.SubmitRequest{
		ConversationID: conv.ID,
		TaskType:       "swarm",
		Payload: queue.TaskPayload{
			Description: stringutil.TruncateStringWithEllipsis(request, 120),
			Prompt:      request,
			Cwd:         conv.Cwd,
		},
	})
	if err != nil {
		log.Error("Swarm submission failed", zap.Error(err))
		o.send(ctx, adapter, conv, classifyError(err))
		return
	}
	log.Info("Swarm task submitted", zap.String("task_id", taskID))
	o.send(ctx, adapter, conv, fmt.Sprintf("Queued for the agent pool as task %s. Check progress with /status.", taskID))
}

// resolveIsolation pins the conversation's working directory for this run.
// Conversations without a codebase run in their stored cwd as-is.
func (o *Orchestrator) resolveIsolation(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, msg Message, log *logger.Logger) (string, bool) {
	if conv.CodebaseID == "" {
		return conv.Cwd, true
	}

	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if errors.Is(err, conversation.ErrCodebaseNotFound) {
		// Deleted behind our back. Unbind rather than failing forever.
		if uerr := o.store.SetCodebase(ctx, conv.ID, "", ""); uerr != nil {
			log.Warn("Failed to unbind deleted codebase", zap.Error(uerr))
		}
		o.send(ctx, adapter, conv, "This conversation's codebase is no longer registered. Use /repos to pick another or /clone to add one.")
		return "", false
	}
	if err != nil {
		log.Error("Failed to load codebase", zap.Error(err))
		o.send(ctx, adapter, conv, classifyError(err))
		return "", false
	}

	res, err := o.isolation.Resolve(ctx, isolation.ResolveRequest{
		Codebase:     isolationView(cb),
		Workflow:     workflowFor(conv, msg),
		Hints:        msg.Hints,
		CurrentEnvID: conv.IsolationEnvID,
		Platform:     adapter.PlatformType(),
	})
	if errors.Is(err, isolation.ErrWorktreeLimitReached) {
		o.send(ctx, adapter, conv, o.isolation.FormatLimitMessage(ctx, isolationView(cb)))
		return "", false
	}
	if err != nil {
		log.Error("Isolation resolution failed", zap.Error(err))
		o.clearBrokenIsolation(ctx, conv, log)
		o.send(ctx, adapter, conv, classifyError(err))
		return "", false
	}

	if res.SharedIssue != "" {
		o.send(ctx, adapter, conv, fmt.Sprintf("Sharing the worktree of issue #%s - this review lands on the branch the fix grew in.", res.SharedIssue))
	}

	if res.Env.ID != conv.IsolationEnvID {
		if err := o.store.SetIsolation(ctx, conv.ID, res.Env.ID, res.Env.Path); err != nil {
			log.Error("Failed to persist isolation reference", zap.Error(err))
			o.send(ctx, adapter, conv, classifyError(err))
			return "", false
		}
		// A different environment means a different working copy; the old
		// session's context no longer matches the filesystem.
		if err := o.store.DeactivateSessions(ctx, conv.ID); err != nil {
			log.Warn("Failed to deactivate sessions on environment switch", zap.Error(err))
		}
		conv.IsolationEnvID = res.Env.ID
		conv.Cwd = res.Env.Path
		log.Info("Isolation environment switched",
			zap.String("env_id", res.Env.ID),
			zap.String("branch", res.Env.Branch),
			zap.Bool("created", res.Created),
			zap.Bool("adopted", res.Adopted))
	}
	return res.Env.Path, true
}

// clearBrokenIsolation drops the conversation's environment reference when
// the environment is observably gone.
func (o *Orchestrator) clearBrokenIsolation(ctx context.Context, conv *conversation.Conversation, log *logger.Logger) {
	if conv.IsolationEnvID == "" {
		return
	}
	_, err := o.isolation.GetActive(ctx, conv.IsolationEnvID)
	if err == nil {
		return
	}
	if errors.Is(err, isolation.ErrEnvDestroyed) || errors.Is(err, isolation.ErrEnvNotFound) {
		if cerr := o.store.ClearIsolation(ctx, conv.ID); cerr != nil {
			log.Warn("Failed to clear broken isolation reference", zap.Error(cerr))
			return
		}
		conv.IsolationEnvID = ""
	}
}

// resolveSession returns the session this run resumes, creating a fresh one
// when there is none or when a plan session is retired by its execution
// command.
func (o *Orchestrator) resolveSession(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, invoked string, log *logger.Logger) (*conversation.Session, bool) {
	sess, err := o.store.GetActiveSession(ctx, conv.ID)
	if err != nil {
		log.Error("Failed to load session", zap.Error(err))
		o.send(ctx, adapter, conv, classifyError(err))
		return nil, false
	}

	if sess != nil && startsExecutePhase(sess, invoked) {
		log.Info("Plan session retired for execution",
			zap.String("session_id", sess.ID),
			zap.String("command", invoked))
		if err := o.store.DeactivateSessions(ctx, conv.ID); err != nil {
			log.Error("Failed to retire plan session", zap.Error(err))
			o.send(ctx, adapter, conv, classifyError(err))
			return nil, false
		}
		sess = nil
	}

	if sess == nil {
		sess = &conversation.Session{ConversationID: conv.ID, CodebaseID: conv.CodebaseID}
		if err := o.store.CreateSession(ctx, sess); err != nil {
			log.Error("Failed to create session", zap.Error(err))
			o.send(ctx, adapter, conv, classifyError(err))
			return nil, false
		}
		log.Info("Session created", zap.String("session_id", sess.ID))
	}
	return sess, true
}

// planResets maps a planning command to the execution command that retires
// its session, so execution starts clean instead of on top of the planning
// transcript.
var planResets = map[string]string{
	"plan-feature":        "execute",
	"plan-feature-github": "execute-github",
}

func startsExecutePhase(sess *conversation.Session, invoked string) bool {
	if invoked == "" || len(sess.Metadata) == 0 {
		return false
	}
	next, ok := planResets[sess.Metadata[conversation.MetaLastCommand]]
	return ok && next == invoked
}

// workflowFor picks the isolation workflow: the adapter's explicit one, or
// the conversation itself as a thread workflow.
func workflowFor(conv *conversation.Conversation, msg Message) isolation.Workflow {
	if msg.Workflow != nil {
		return *msg.Workflow
	}
	return isolation.Workflow{Type: isolation.WorkflowThread, ID: conv.ID}
}

// isolationView maps the full codebase record onto the slice the isolation
// layer needs.
func isolationView(cb *conversation.Codebase) isolation.Codebase {
	return isolation.Codebase{ID: cb.ID, Name: cb.Name, Path: cb.Path}
}
