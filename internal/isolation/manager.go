package isolation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
	"github.com/lugh-dev/lugh/internal/gitexec"
)

// Config tunes the isolation manager.
type Config struct {
	// WorkspaceBase is the directory all environments must live under.
	WorkspaceBase string
	// MaxPerCodebase caps active environments per codebase.
	MaxPerCodebase int
	// StaleAfter is the inactivity window after which an environment is a
	// stale-cleanup candidate.
	StaleAfter time.Duration
	// DefaultBranch is the fallback mainline name when the clone does not
	// advertise one.
	DefaultBranch string
}

// Events is the observer bus the manager announces environment transitions
// on. Satisfied by bus.EventBus; nil disables announcements.
type Events interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Manager resolves, creates, and retires isolation environments. Resolution
// is serialized per codebase so concurrent requests for the same workflow
// never race a duplicate environment into existence.
type Manager struct {
	store    Store
	provider Provider
	git      gitexec.Git
	cfg      Config
	events   Events
	logger   *logger.Logger

	locks sync.Map // codebase ID -> *sync.Mutex
}

// NewManager creates an isolation manager.
func NewManager(store Store, provider Provider, git gitexec.Git, cfg Config, log *logger.Logger) *Manager {
	if cfg.MaxPerCodebase <= 0 {
		cfg.MaxPerCodebase = 10
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return &Manager{
		store:    store,
		provider: provider,
		git:      git,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "isolation-manager")),
	}
}

// SetEvents attaches the event bus for environment lifecycle announcements.
func (m *Manager) SetEvents(events Events) {
	m.events = events
}

func (m *Manager) announce(ctx context.Context, eventType string, env *Env) {
	if m.events == nil {
		return
	}
	event := bus.NewEvent(eventType, "isolation-manager", map[string]interface{}{
		"env_id":        env.ID,
		"codebase_id":   env.CodebaseID,
		"workflow_type": string(env.WorkflowType),
		"workflow_id":   env.WorkflowID,
		"branch":        env.Branch,
		"path":          env.Path,
	})
	if err := m.events.Publish(ctx, eventType, event); err != nil {
		m.logger.Warn("failed to publish environment event",
			zap.String("subject", eventType),
			zap.Error(err))
	}
}

func (m *Manager) codebaseLock(codebaseID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(codebaseID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Resolve returns the environment a request should run in, in order of
// preference: the workflow's existing environment, a shared environment for
// a linked issue, an adopted pre-existing branch, or a newly created one.
// At capacity, merged environments are cleaned up automatically; if nothing
// frees up, ErrWorktreeLimitReached is returned.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.Workflow.Type == "" || req.Workflow.ID == "" {
		return nil, ErrInvalidWorkflow
	}

	lock := m.codebaseLock(req.Codebase.ID)
	lock.Lock()
	defer lock.Unlock()

	res := &Resolution{}

	// Validate the conversation's current reference. A broken one is marked
	// destroyed here; the caller drops the reference when StaleCleared is set.
	if req.CurrentEnvID != "" {
		if stale := m.validateReference(ctx, req.CurrentEnvID); stale {
			res.StaleCleared = true
		}
	}

	// Reuse the environment already bound to this workflow.
	existing, err := m.store.FindByWorkflow(ctx, req.Codebase.ID, req.Workflow.Type, req.Workflow.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if m.provider.Healthy(ctx, existing) {
			res.Env = existing
			res.Reused = true
			return res, nil
		}
		m.logger.Warn("environment backing lost, marking destroyed",
			zap.String("env_id", existing.ID),
			zap.String("branch", existing.Branch))
		if err := m.store.UpdateStatus(ctx, existing.ID, StatusDestroyed); err != nil {
			return nil, err
		}
	}

	// A PR review rides along in an active environment of a linked issue, so
	// review feedback lands on the same working copy the fix grew in.
	if req.Workflow.Type == WorkflowPR {
		env, issue, err := m.findLinkedIssueEnv(ctx, req)
		if err != nil {
			return nil, err
		}
		if env != nil {
			res.Env = env
			res.Reused = true
			res.SharedIssue = issue
			return res, nil
		}
	}

	branch := BranchName(req.Workflow)

	// Adopt an externally created worktree or branch rather than failing on
	// the collision: the hinted PR head branch first, then the
	// workflow-derived name someone may have created by hand.
	candidates := []string{}
	if req.Hints.PRBranch != "" && req.Hints.PRBranch != branch {
		candidates = append(candidates, req.Hints.PRBranch)
	}
	candidates = append(candidates, branch)
	for _, candidate := range candidates {
		adopted, err := m.provider.Adopt(ctx, AdoptRequest{
			Codebase: req.Codebase,
			Workflow: req.Workflow,
			Branch:   candidate,
			Platform: req.Platform,
		})
		switch {
		case err == nil:
			if err := m.store.Create(ctx, adopted); err != nil {
				return nil, err
			}
			res.Env = adopted
			res.Adopted = true
			m.announce(ctx, events.IsolationAdopted, adopted)
			return res, nil
		case !errors.Is(err, ErrNothingToAdopt):
			return nil, err
		}
	}

	if err := m.ensureCapacity(ctx, req.Codebase); err != nil {
		return nil, err
	}

	env, err := m.provider.Create(ctx, CreateRequest{
		Codebase: req.Codebase,
		Workflow: req.Workflow,
		Branch:   branch,
		SHA:      req.Hints.SHA,
		Platform: req.Platform,
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, env); err != nil {
		return nil, err
	}

	res.Env = env
	res.Created = true
	m.announce(ctx, events.IsolationCreated, env)
	return res, nil
}

// validateReference checks a referenced environment and marks it destroyed
// when the row or its backing is gone. Returns true when the caller should
// drop the reference.
func (m *Manager) validateReference(ctx context.Context, envID string) bool {
	env, err := m.store.Get(ctx, envID)
	if errors.Is(err, ErrEnvNotFound) {
		return true
	}
	if err != nil {
		m.logger.Warn("failed to validate environment reference",
			zap.String("env_id", envID), zap.Error(err))
		return false
	}
	if env.Status != StatusActive {
		return true
	}
	if m.provider.Healthy(ctx, env) {
		return false
	}

	m.logger.Warn("referenced environment backing lost, marking destroyed",
		zap.String("env_id", envID),
		zap.String("path", env.Path))
	if err := m.store.UpdateStatus(ctx, envID, StatusDestroyed); err != nil {
		m.logger.Error("failed to mark stale environment destroyed",
			zap.String("env_id", envID), zap.Error(err))
	}
	return true
}

func (m *Manager) findLinkedIssueEnv(ctx context.Context, req ResolveRequest) (*Env, string, error) {
	for _, issue := range req.Hints.LinkedIssues {
		env, err := m.store.FindByWorkflow(ctx, req.Codebase.ID, WorkflowIssue, issue)
		if err != nil {
			return nil, "", err
		}
		if env == nil {
			continue
		}
		if !m.provider.Healthy(ctx, env) {
			continue
		}
		return env, issue, nil
	}
	return nil, "", nil
}

// ensureCapacity enforces the per-codebase cap, running a merged cleanup
// pass before giving up.
func (m *Manager) ensureCapacity(ctx context.Context, codebase Codebase) error {
	count, err := m.store.CountActiveByCodebase(ctx, codebase.ID)
	if err != nil {
		return err
	}
	if count < m.cfg.MaxPerCodebase {
		return nil
	}

	m.logger.Info("worktree limit hit, attempting merged cleanup",
		zap.String("codebase", codebase.Name),
		zap.Int("active", count),
		zap.Int("max", m.cfg.MaxPerCodebase))

	report, err := m.CleanupMerged(ctx, codebase)
	if err != nil {
		m.logger.Warn("automatic merged cleanup failed", zap.Error(err))
		return ErrWorktreeLimitReached
	}
	if len(report.Removed) == 0 {
		return ErrWorktreeLimitReached
	}
	return nil
}

// Get returns an environment by ID.
func (m *Manager) Get(ctx context.Context, envID string) (*Env, error) {
	return m.store.Get(ctx, envID)
}

// GetActive returns an environment only when its row is active and its
// backing intact. A broken backing is marked destroyed on observation.
func (m *Manager) GetActive(ctx context.Context, envID string) (*Env, error) {
	env, err := m.store.Get(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env.Status != StatusActive {
		return nil, ErrEnvDestroyed
	}
	if !m.provider.Healthy(ctx, env) {
		if uerr := m.store.UpdateStatus(ctx, envID, StatusDestroyed); uerr != nil {
			m.logger.Error("failed to mark broken environment destroyed",
				zap.String("env_id", envID), zap.Error(uerr))
		}
		return nil, ErrEnvDestroyed
	}
	return env, nil
}

// ListActive returns active environments for a codebase, oldest first.
func (m *Manager) ListActive(ctx context.Context, codebaseID string) ([]*Env, error) {
	return m.store.ListActiveByCodebase(ctx, codebaseID)
}

// ListAllActive returns active environments across all codebases.
func (m *Manager) ListAllActive(ctx context.Context) ([]*Env, error) {
	return m.store.ListActive(ctx)
}

// Destroy retires an environment: backing first, then the row. Uncommitted
// changes block a non-forced destroy.
func (m *Manager) Destroy(ctx context.Context, envID string, force bool) error {
	env, err := m.store.Get(ctx, envID)
	if err != nil {
		return err
	}
	if env.Status == StatusDestroyed {
		return ErrEnvDestroyed
	}
	if err := m.provider.Destroy(ctx, env, force); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, envID, StatusDestroyed); err != nil {
		return err
	}
	m.announce(ctx, events.IsolationDestroyed, env)
	return nil
}

// DestroyByBranch retires the active environment on the given branch.
func (m *Manager) DestroyByBranch(ctx context.Context, codebaseID, branch string, force bool) error {
	envs, err := m.store.ListActiveByCodebase(ctx, codebaseID)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if env.Branch == branch {
			return m.Destroy(ctx, env.ID, force)
		}
	}
	return ErrEnvNotFound
}

// HealthCheck verifies the provider's tooling.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.provider.HealthCheck(ctx)
}

// FormatLimitMessage renders the at-capacity response: what is taking the
// slots and how to free them.
func (m *Manager) FormatLimitMessage(ctx context.Context, codebase Codebase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Worktree limit reached for %s (max %d active).\n", codebase.Name, m.cfg.MaxPerCodebase)

	envs, err := m.store.ListActiveByCodebase(ctx, codebase.ID)
	if err == nil && len(envs) > 0 {
		b.WriteString("\nActive worktrees:\n")
		for _, env := range envs {
			fmt.Fprintf(&b, "  - %s (%s %s), created %s\n",
				env.Branch, env.WorkflowType, env.WorkflowID,
				env.CreatedAt.Format("2006-01-02"))
		}
	}

	b.WriteString("\nOptions:\n")
	b.WriteString("  - /worktree cleanup merged - remove worktrees whose branches are merged\n")
	fmt.Fprintf(&b, "  - /worktree cleanup stale - remove worktrees idle for %d+ days\n", int(m.cfg.StaleAfter.Hours()/24))
	b.WriteString("  - /worktree remove <branch> - remove a specific worktree\n")
	return b.String()
}
