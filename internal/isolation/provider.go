package isolation

import "context"

// CreateRequest asks a provider to materialize a new environment.
type CreateRequest struct {
	Codebase Codebase
	Workflow Workflow
	// Branch is the deterministic branch name computed by the manager.
	Branch string
	// SHA, when set, pins the checkout at an exact commit. Used for PR
	// reviews so the review sees the code as pushed, not the moving head.
	SHA string
	// Platform records which chat platform triggered the creation.
	Platform string
}

// AdoptRequest asks a provider to register a backing resource that already
// exists on disk, typically a branch a developer created by hand.
type AdoptRequest struct {
	Codebase Codebase
	Workflow Workflow
	Branch   string
	Platform string
}

// Backing describes one provider-level resource found on disk, whether or
// not the database knows about it.
type Backing struct {
	Path   string
	Branch string
	// Detached is true for worktrees checked out at a raw commit.
	Detached bool
}

// Provider creates and destroys isolation environments of one kind. The
// manager stays provider-agnostic; today the only implementation is git
// worktrees, but container-based providers slot in behind the same surface.
type Provider interface {
	// Tag identifies the provider in environment rows.
	Tag() string

	// Create materializes a new environment and returns it unpersisted; the
	// manager assigns identity and stores the row.
	Create(ctx context.Context, req CreateRequest) (*Env, error)

	// Destroy removes the environment's backing resources. Uncommitted work
	// blocks removal unless force is set. A missing path is not an error.
	Destroy(ctx context.Context, env *Env, force bool) error

	// Healthy reports whether the environment's backing resources are intact.
	Healthy(ctx context.Context, env *Env) bool

	// List enumerates backing resources for a codebase, including ones
	// created outside the platform.
	List(ctx context.Context, codebase Codebase) ([]Backing, error)

	// Adopt registers an externally created backing resource as an
	// environment, returned unpersisted like Create.
	Adopt(ctx context.Context, req AdoptRequest) (*Env, error)

	// HealthCheck verifies the provider's tooling is usable at all.
	HealthCheck(ctx context.Context) error
}
