// Package gitexec runs git subprocesses for clone, worktree, and inspection
// operations. All invocations are argv-based (never shell-interpolated) and
// bounded by a per-command timeout.
package gitexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single git invocation. Network operations such as
// clone and fetch get their own, longer bound.
const (
	DefaultTimeout = 30 * time.Second
	NetworkTimeout = 5 * time.Minute
)

// ErrGitCommandFailed indicates a git subprocess exited non-zero. The wrapped
// error message carries the command's combined output.
var ErrGitCommandFailed = errors.New("git command failed")

// Git abstracts git subprocess execution so callers can substitute a fake in
// tests.
type Git interface {
	// Run executes git with args in dir and returns trimmed combined output.
	// An empty dir runs in the process working directory.
	Run(ctx context.Context, dir string, args ...string) (string, error)

	// RunNetwork is Run with the longer network timeout, for clone/fetch.
	RunNetwork(ctx context.Context, dir string, args ...string) (string, error)
}

// Runner executes real git subprocesses.
type Runner struct {
	timeout        time.Duration
	networkTimeout time.Duration
}

var _ Git = (*Runner)(nil)

// NewRunner creates a Runner with the default timeouts.
func NewRunner() *Runner {
	return &Runner{timeout: DefaultTimeout, networkTimeout: NetworkTimeout}
}

// NewRunnerWithTimeout creates a Runner with a custom per-command timeout.
// The network timeout is never shorter than the base timeout.
func NewRunnerWithTimeout(timeout time.Duration) *Runner {
	nt := NetworkTimeout
	if timeout > nt {
		nt = timeout
	}
	return &Runner{timeout: timeout, networkTimeout: nt}
}

// Run executes git with args in dir and returns trimmed combined output.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return r.run(ctx, dir, r.timeout, args)
}

// RunNetwork executes git with the network timeout applied.
func (r *Runner) RunNetwork(ctx context.Context, dir string, args ...string) (string, error) {
	return r.run(ctx, dir, r.networkTimeout, args)
}

func (r *Runner) run(ctx context.Context, dir string, timeout time.Duration, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return trimmed, fmt.Errorf("%w: git %s: timed out after %s", ErrGitCommandFailed, strings.Join(args, " "), timeout)
		}
		return trimmed, fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), trimmed)
	}
	return trimmed, nil
}

// AddSafeDirectory marks path as a safe git directory in the global config.
// Clones and worktrees created by one uid and read by another are rejected by
// git without this.
func AddSafeDirectory(ctx context.Context, g Git, path string) error {
	_, err := g.Run(ctx, "", "config", "--global", "--add", "safe.directory", path)
	return err
}
