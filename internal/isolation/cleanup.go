package isolation

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/events"
)

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	// Removed lists branches whose environments were destroyed.
	Removed []string
	// Skipped lists candidate branches left in place and why.
	Skipped []SkippedEnv
}

// SkippedEnv is one cleanup candidate that was not removed.
type SkippedEnv struct {
	Branch string
	Reason string
}

// CleanupMerged destroys environments whose branches are fully merged into
// the mainline. Merged work is safe to drop, so no force is applied; an
// environment that still refuses removal is reported as skipped.
func (m *Manager) CleanupMerged(ctx context.Context, codebase Codebase) (*CleanupReport, error) {
	envs, err := m.store.ListActiveByCodebase(ctx, codebase.ID)
	if err != nil {
		return nil, err
	}

	mainline := m.defaultBranch(ctx, codebase)
	report := &CleanupReport{}

	for _, env := range envs {
		merged, err := m.isMerged(ctx, codebase, env.Branch, mainline)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedEnv{Branch: env.Branch, Reason: "merge check failed"})
			continue
		}
		if !merged {
			continue
		}
		if err := m.removeEnv(ctx, env, false); err != nil {
			report.Skipped = append(report.Skipped, SkippedEnv{Branch: env.Branch, Reason: skipReason(err)})
			continue
		}
		report.Removed = append(report.Removed, env.Branch)
	}

	m.logger.Info("merged cleanup finished",
		zap.String("codebase", codebase.Name),
		zap.Int("removed", len(report.Removed)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

// CleanupStale destroys environments idle past the stale window whose
// branches carry nothing of the user's: merged into the mainline, or with
// an empty diff against it. Unmerged work is never removed, however old;
// force is applied only when git refuses the plain remove of a branch
// already proven safe.
func (m *Manager) CleanupStale(ctx context.Context, codebase Codebase) (*CleanupReport, error) {
	envs, err := m.store.ListActiveByCodebase(ctx, codebase.ID)
	if err != nil {
		return nil, err
	}

	mainline := m.defaultBranch(ctx, codebase)
	cutoff := time.Now().UTC().Add(-m.cfg.StaleAfter)
	report := &CleanupReport{}

	for _, env := range envs {
		last := m.lastActivity(ctx, codebase, env)
		if !last.Before(cutoff) {
			continue
		}

		safe, err := m.safeToDrop(ctx, codebase, env.Branch, mainline)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedEnv{Branch: env.Branch, Reason: "merge check failed"})
			continue
		}
		if !safe {
			report.Skipped = append(report.Skipped, SkippedEnv{Branch: env.Branch, Reason: "unmerged changes"})
			continue
		}

		err = m.removeEnv(ctx, env, false)
		if errors.Is(err, ErrUncommittedChanges) {
			err = m.removeEnv(ctx, env, true)
		}
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedEnv{Branch: env.Branch, Reason: skipReason(err)})
			continue
		}
		report.Removed = append(report.Removed, env.Branch)
	}

	m.logger.Info("stale cleanup finished",
		zap.String("codebase", codebase.Name),
		zap.Int("removed", len(report.Removed)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

// Orphans returns provider backings with no active row behind them, left
// over from crashes or out-of-band creation. Scan only; removal stays a
// deliberate operator action.
func (m *Manager) Orphans(ctx context.Context, codebase Codebase) ([]Backing, error) {
	backings, err := m.provider.List(ctx, codebase)
	if err != nil {
		return nil, err
	}
	envs, err := m.store.ListActiveByCodebase(ctx, codebase.ID)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(envs))
	for _, env := range envs {
		known[env.Path] = true
	}

	var orphans []Backing
	for _, b := range backings {
		if !known[b.Path] {
			orphans = append(orphans, b)
		}
	}
	return orphans, nil
}

func (m *Manager) removeEnv(ctx context.Context, env *Env, force bool) error {
	if err := m.provider.Destroy(ctx, env, force); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, env.ID, StatusDestroyed); err != nil {
		return err
	}
	m.announce(ctx, events.IsolationDestroyed, env)
	return nil
}

// safeToDrop reports whether a branch carries no unmerged work: merged
// into the mainline, or diffing empty against it.
func (m *Manager) safeToDrop(ctx context.Context, codebase Codebase, branch, mainline string) (bool, error) {
	merged, err := m.isMerged(ctx, codebase, branch, mainline)
	if err != nil {
		return false, err
	}
	if merged {
		return true, nil
	}
	out, err := m.git.Run(ctx, codebase.Path, "diff", "--stat", mainline+"..."+branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// isMerged reports whether branch is an ancestor of the mainline tip.
func (m *Manager) isMerged(ctx context.Context, codebase Codebase, branch, mainline string) (bool, error) {
	_, err := m.git.Run(ctx, codebase.Path, "merge-base", "--is-ancestor", branch, mainline)
	if err == nil {
		return true, nil
	}
	// Exit code 1 means "not an ancestor"; the output is empty then.
	if strings.Contains(err.Error(), "fatal") || strings.Contains(err.Error(), "error") {
		return false, err
	}
	return false, nil
}

// lastActivity is the later of the row's update time and the branch tip
// commit time.
func (m *Manager) lastActivity(ctx context.Context, codebase Codebase, env *Env) time.Time {
	last := env.UpdatedAt
	out, err := m.git.Run(ctx, codebase.Path, "log", "-1", "--format=%ct", env.Branch)
	if err != nil {
		return last
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return last
	}
	if tip := time.Unix(secs, 0).UTC(); tip.After(last) {
		return tip
	}
	return last
}

// defaultBranch resolves the mainline name from origin's advertised HEAD,
// falling back to the configured default.
func (m *Manager) defaultBranch(ctx context.Context, codebase Codebase) string {
	out, err := m.git.Run(ctx, codebase.Path, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		if name := strings.TrimPrefix(strings.TrimSpace(out), "origin/"); name != "" {
			return name
		}
	}
	return m.cfg.DefaultBranch
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrUncommittedChanges):
		return "uncommitted changes"
	case errors.Is(err, ErrEnvNotFound):
		return "row missing"
	default:
		return err.Error()
	}
}
