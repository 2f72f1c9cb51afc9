package isolation

import "errors"

var (
	// ErrEnvNotFound is returned when the requested environment does not exist.
	ErrEnvNotFound = errors.New("isolation environment not found")

	// ErrEnvDestroyed is returned when an operation targets a destroyed environment.
	ErrEnvDestroyed = errors.New("isolation environment already destroyed")

	// ErrWorktreeLimitReached is returned when a codebase is at its worktree
	// capacity and automatic cleanup freed nothing.
	ErrWorktreeLimitReached = errors.New("worktree limit reached for codebase")

	// ErrPathOutsideWorkspace is returned when a computed environment path
	// would escape the workspace base directory.
	ErrPathOutsideWorkspace = errors.New("environment path outside workspace")

	// ErrUncommittedChanges is returned when a non-forced destroy hits a
	// worktree with local modifications.
	ErrUncommittedChanges = errors.New("worktree has uncommitted changes")

	// ErrNothingToAdopt is returned by Adopt when neither a worktree nor a
	// branch with the expected name exists.
	ErrNothingToAdopt = errors.New("no existing branch or worktree to adopt")

	// ErrInvalidWorkflow is returned when a workflow is missing its type or id.
	ErrInvalidWorkflow = errors.New("invalid workflow")
)
