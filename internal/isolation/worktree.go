package isolation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/gitexec"
)

// WorktreeProvider implements Provider with git worktrees. Each environment
// is a worktree of the codebase's canonical clone, checked out on its own
// branch under the workspace base directory.
type WorktreeProvider struct {
	git    gitexec.Git
	base   string
	logger *logger.Logger
}

var _ Provider = (*WorktreeProvider)(nil)

// NewWorktreeProvider creates a worktree provider rooted at the workspace base.
func NewWorktreeProvider(git gitexec.Git, base string, log *logger.Logger) *WorktreeProvider {
	return &WorktreeProvider{
		git:    git,
		base:   base,
		logger: log.WithFields(zap.String("component", "worktree-provider")),
	}
}

// Tag identifies the provider in environment rows.
func (p *WorktreeProvider) Tag() string { return ProviderWorktree }

// Create adds a worktree for the workflow's branch. PR workflows fetch the
// pull head first; when a SHA is given the checkout is pinned at it.
func (p *WorktreeProvider) Create(ctx context.Context, req CreateRequest) (*Env, error) {
	path := WorktreePath(p.base, req.Codebase.Name, req.Branch)
	if !WithinWorkspace(p.base, path) {
		return nil, fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent: %w", err)
	}

	metadata := map[string]any{}
	var err error
	switch {
	case req.Workflow.Type == WorkflowPR && req.SHA != "":
		err = p.createPinnedPR(ctx, req, path)
		metadata["pinned_sha"] = req.SHA
	case req.Workflow.Type == WorkflowPR:
		err = p.createPR(ctx, req, path)
	default:
		err = p.createBranch(ctx, req, path)
	}
	if err != nil {
		return nil, err
	}

	if err := gitexec.AddSafeDirectory(ctx, p.git, path); err != nil {
		p.logger.Warn("failed to mark worktree as safe directory",
			zap.String("path", path), zap.Error(err))
	}

	p.logger.Info("worktree created",
		zap.String("codebase", req.Codebase.Name),
		zap.String("branch", req.Branch),
		zap.String("path", path))

	now := time.Now().UTC()
	return &Env{
		ID:           uuid.New().String(),
		CodebaseID:   req.Codebase.ID,
		WorkflowType: req.Workflow.Type,
		WorkflowID:   req.Workflow.ID,
		Provider:     p.Tag(),
		Path:         path,
		Branch:       req.Branch,
		Status:       StatusActive,
		CreatedBy:    req.Platform,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// createBranch adds a worktree on a fresh branch from the clone's HEAD. When
// the branch already exists (a previous env was destroyed but the branch
// kept) the add is retried without -b to check it out as-is.
func (p *WorktreeProvider) createBranch(ctx context.Context, req CreateRequest, path string) error {
	out, err := p.git.Run(ctx, req.Codebase.Path, "worktree", "add", "-b", req.Branch, path)
	if err == nil {
		return nil
	}
	if !strings.Contains(out, "already exists") {
		return err
	}

	p.logger.Debug("branch exists, checking out without -b",
		zap.String("branch", req.Branch))
	_, err = p.git.Run(ctx, req.Codebase.Path, "worktree", "add", path, req.Branch)
	return err
}

// createPR fetches the pull request head into a local review branch and adds
// a worktree on it.
func (p *WorktreeProvider) createPR(ctx context.Context, req CreateRequest, path string) error {
	refspec := fmt.Sprintf("pull/%s/head:%s", req.Workflow.ID, req.Branch)
	if _, err := p.git.RunNetwork(ctx, req.Codebase.Path, "fetch", "origin", refspec); err != nil {
		return err
	}
	_, err := p.git.Run(ctx, req.Codebase.Path, "worktree", "add", path, req.Branch)
	return err
}

// createPinnedPR checks the review out at an exact commit. The worktree is
// added detached at the SHA, then a local review branch is planted there so
// later pushes have a name to ride on.
func (p *WorktreeProvider) createPinnedPR(ctx context.Context, req CreateRequest, path string) error {
	ref := fmt.Sprintf("pull/%s/head", req.Workflow.ID)
	if _, err := p.git.RunNetwork(ctx, req.Codebase.Path, "fetch", "origin", ref); err != nil {
		return err
	}
	if _, err := p.git.Run(ctx, req.Codebase.Path, "worktree", "add", "--detach", path, req.SHA); err != nil {
		return err
	}
	_, err := p.git.Run(ctx, path, "checkout", "-B", req.Branch, req.SHA)
	return err
}

// Destroy removes the worktree. A missing path is treated as already gone.
// Without force, uncommitted changes abort the removal.
func (p *WorktreeProvider) Destroy(ctx context.Context, env *Env, force bool) error {
	if _, err := os.Stat(env.Path); os.IsNotExist(err) {
		p.logger.Debug("worktree path already gone", zap.String("path", env.Path))
		return nil
	}

	if !force {
		out, err := p.git.Run(ctx, env.Path, "status", "--porcelain")
		if err == nil && strings.TrimSpace(out) != "" {
			return fmt.Errorf("%w: %s", ErrUncommittedChanges, env.Branch)
		}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, env.Path)

	repo := p.repoPath(env)
	if _, err := p.git.Run(ctx, repo, args...); err != nil {
		return err
	}

	p.logger.Info("worktree removed",
		zap.String("branch", env.Branch),
		zap.String("path", env.Path))
	return nil
}

// Healthy reports whether the worktree path still exists and is a git
// working directory.
func (p *WorktreeProvider) Healthy(ctx context.Context, env *Env) bool {
	info, err := os.Stat(env.Path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = p.git.Run(ctx, env.Path, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// List parses `git worktree list --porcelain` on the canonical clone. The
// clone itself is excluded; only linked worktrees are returned.
func (p *WorktreeProvider) List(ctx context.Context, codebase Codebase) ([]Backing, error) {
	out, err := p.git.Run(ctx, codebase.Path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	all := parseWorktreeList(out)

	clone := filepath.Clean(codebase.Path)
	backings := make([]Backing, 0, len(all))
	for _, b := range all {
		if filepath.Clean(b.Path) == clone {
			continue
		}
		backings = append(backings, b)
	}
	return backings, nil
}

// parseWorktreeList decodes the porcelain format: stanzas separated by blank
// lines, each starting with a "worktree <path>" line followed by attribute
// lines such as "branch refs/heads/x" or "detached".
func parseWorktreeList(out string) []Backing {
	var backings []Backing
	var current *Backing
	flush := func() {
		if current != nil {
			backings = append(backings, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Backing{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached" && current != nil:
			current.Detached = true
		}
	}
	flush()
	return backings
}

// Adopt registers an externally created worktree or branch as an
// environment. If a worktree for the branch already exists on disk it is
// used in place; otherwise a new worktree is added on the existing branch.
// ErrNothingToAdopt is returned when neither exists.
func (p *WorktreeProvider) Adopt(ctx context.Context, req AdoptRequest) (*Env, error) {
	path := ""
	backings, err := p.List(ctx, req.Codebase)
	if err != nil {
		return nil, err
	}
	for _, b := range backings {
		if b.Branch == req.Branch {
			path = b.Path
			break
		}
	}

	if path == "" {
		ref := "refs/heads/" + req.Branch
		if _, err := p.git.Run(ctx, req.Codebase.Path, "show-ref", "--verify", "--quiet", ref); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNothingToAdopt, req.Branch)
		}

		path = WorktreePath(p.base, req.Codebase.Name, req.Branch)
		if !WithinWorkspace(p.base, path) {
			return nil, fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create worktree parent: %w", err)
		}
		if _, err := p.git.Run(ctx, req.Codebase.Path, "worktree", "add", path, req.Branch); err != nil {
			return nil, err
		}
		if err := gitexec.AddSafeDirectory(ctx, p.git, path); err != nil {
			p.logger.Warn("failed to mark adopted worktree as safe directory",
				zap.String("path", path), zap.Error(err))
		}
	}

	p.logger.Info("worktree adopted",
		zap.String("codebase", req.Codebase.Name),
		zap.String("branch", req.Branch),
		zap.String("path", path))

	now := time.Now().UTC()
	return &Env{
		ID:           uuid.New().String(),
		CodebaseID:   req.Codebase.ID,
		WorkflowType: req.Workflow.Type,
		WorkflowID:   req.Workflow.ID,
		Provider:     p.Tag(),
		Path:         path,
		Branch:       req.Branch,
		Status:       StatusActive,
		CreatedBy:    req.Platform,
		Metadata:     map[string]any{"adopted": true, "adopted_from": "branch"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// HealthCheck verifies git is invocable.
func (p *WorktreeProvider) HealthCheck(ctx context.Context) error {
	_, err := p.git.Run(ctx, "", "version")
	return err
}

// repoPath returns the canonical clone directory an env's worktree belongs
// to, derived from the worktree path layout. Externally adopted paths fall
// back to the worktree itself; git worktree commands work from any checkout.
func (p *WorktreeProvider) repoPath(env *Env) string {
	if !WithinWorkspace(p.base, env.Path) {
		return env.Path
	}
	// {base}/{owner}/{repo}/worktrees/... -> {base}/{owner}/{repo}
	rel, err := filepath.Rel(p.base, env.Path)
	if err != nil {
		return env.Path
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 3 {
		return env.Path
	}
	return filepath.Join(p.base, parts[0], parts[1])
}
