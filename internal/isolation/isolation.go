// Package isolation manages sandboxed working directories for conversations.
//
// Every conversation that touches a codebase works inside an isolation
// environment: a git worktree on a dedicated branch, registered in the
// database and bound to exactly one workflow (an issue, a PR review, a chat
// thread, or an ad-hoc task). The manager resolves the right environment for
// each incoming request, creating, reusing, or adopting worktrees as needed,
// and enforces a per-codebase capacity limit.
package isolation

import "time"

// WorkflowType classifies the unit of work an environment is bound to.
type WorkflowType string

const (
	WorkflowIssue  WorkflowType = "issue"
	WorkflowPR     WorkflowType = "pr"
	WorkflowReview WorkflowType = "review"
	WorkflowThread WorkflowType = "thread"
	WorkflowTask   WorkflowType = "task"
)

// Workflow identifies the unit of work behind an isolation environment.
type Workflow struct {
	Type WorkflowType `json:"type"`
	ID   string       `json:"id"`
}

// Status of an isolation environment row.
type Status string

const (
	StatusActive    Status = "active"
	StatusDestroyed Status = "destroyed"
)

// ProviderWorktree is the tag of the git-worktree provider, the only
// implementation wired today.
const ProviderWorktree = "worktree"

// Env is one isolation environment: a working directory on its own branch,
// bound to a workflow. Destroyed rows are retained for audit.
type Env struct {
	ID           string         `json:"id" db:"id"`
	CodebaseID   string         `json:"codebase_id" db:"codebase_id"`
	WorkflowType WorkflowType   `json:"workflow_type" db:"workflow_type"`
	WorkflowID   string         `json:"workflow_id" db:"workflow_id"`
	Provider     string         `json:"provider" db:"provider"`
	Path         string         `json:"path" db:"path"`
	Branch       string         `json:"branch" db:"branch"`
	Status       Status         `json:"status" db:"status"`
	CreatedBy    string         `json:"created_by,omitempty" db:"created_by"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// Adopted reports whether this environment was adopted from a pre-existing
// branch rather than created by the provider.
func (e *Env) Adopted() bool {
	if e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata["adopted"].(bool)
	return ok && v
}

// Codebase is the minimal codebase view the isolation layer needs. The
// conversation layer owns the full record; callers map into this.
type Codebase struct {
	// ID is the codebase row identifier.
	ID string
	// Name is the owner/repo pair, e.g. "alice/utils".
	Name string
	// Path is the canonical clone directory worktrees branch off from.
	Path string
}

// Hints carries optional request context that can redirect resolution, such
// as issues linked to a PR or a head SHA to pin a review at.
type Hints struct {
	// LinkedIssues are issue numbers referenced by a PR. A PR review reuses
	// an active issue environment for a linked issue instead of creating its
	// own.
	LinkedIssues []string
	// PRBranch is the head branch of a PR, e.g. "feature/auth". When a
	// worktree or branch with this name already exists it is adopted ahead
	// of the workflow-derived branch name.
	PRBranch string
	// SHA pins PR review checkouts at an exact commit.
	SHA string
}

// ResolveRequest asks the manager for the environment a request should run in.
type ResolveRequest struct {
	Codebase Codebase
	Workflow Workflow
	Hints    Hints
	// CurrentEnvID is the environment the conversation currently references,
	// empty when none.
	CurrentEnvID string
	// Platform records which chat platform triggered the creation.
	Platform string
}

// Resolution is the outcome of resolve.
type Resolution struct {
	Env *Env
	// Created is true when the provider materialized a new environment.
	Created bool
	// Adopted is true when a pre-existing branch was registered as the
	// environment.
	Adopted bool
	// Reused is true when an active environment was returned as-is.
	Reused bool
	// SharedIssue is the issue number whose environment a PR review was
	// redirected to, empty otherwise. Callers surface this to the user.
	SharedIssue string
	// StaleCleared is true when the conversation's previous reference was
	// found broken and its row marked destroyed. Callers must drop the
	// reference.
	StaleCleared bool
}
