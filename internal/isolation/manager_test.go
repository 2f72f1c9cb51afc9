package isolation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lugh-dev/lugh/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// mockStore implements Store in memory for manager tests.
type mockStore struct {
	mu   sync.Mutex
	envs map[string]*Env
}

func newMockStore() *mockStore {
	return &mockStore{envs: make(map[string]*Env)}
}

func (s *mockStore) Create(ctx context.Context, env *Env) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	env.UpdatedAt = time.Now().UTC()
	s.envs[env.ID] = env
	return nil
}

func (s *mockStore) Get(ctx context.Context, id string) (*Env, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[id]
	if !ok {
		return nil, ErrEnvNotFound
	}
	return env, nil
}

func (s *mockStore) FindByWorkflow(ctx context.Context, codebaseID string, wt WorkflowType, workflowID string) (*Env, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envs {
		if env.CodebaseID == codebaseID && env.WorkflowType == wt && env.WorkflowID == workflowID && env.Status == StatusActive {
			return env, nil
		}
	}
	return nil, nil
}

func (s *mockStore) ListActiveByCodebase(ctx context.Context, codebaseID string) ([]*Env, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Env
	for _, env := range s.envs {
		if env.CodebaseID == codebaseID && env.Status == StatusActive {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *mockStore) ListActive(ctx context.Context) ([]*Env, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Env
	for _, env := range s.envs {
		if env.Status == StatusActive {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *mockStore) CountActiveByCodebase(ctx context.Context, codebaseID string) (int, error) {
	envs, _ := s.ListActiveByCodebase(ctx, codebaseID)
	return len(envs), nil
}

func (s *mockStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[id]
	if !ok {
		return ErrEnvNotFound
	}
	env.Status = status
	env.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *mockStore) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[id]
	if !ok {
		return ErrEnvNotFound
	}
	env.Metadata = metadata
	return nil
}

// fakeProvider implements Provider without touching git or disk.
type fakeProvider struct {
	mu        sync.Mutex
	unhealthy map[string]bool // env ID -> backing broken
	branches  map[string]bool // branches adoptable without a worktree
	backings  []Backing
	destroyed []string
	destroyErr error
	createErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		unhealthy: make(map[string]bool),
		branches:  make(map[string]bool),
	}
}

func (p *fakeProvider) Tag() string { return ProviderWorktree }

func (p *fakeProvider) Create(ctx context.Context, req CreateRequest) (*Env, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	now := time.Now().UTC()
	metadata := map[string]any{}
	if req.SHA != "" {
		metadata["pinned_sha"] = req.SHA
	}
	return &Env{
		ID:           uuid.New().String(),
		CodebaseID:   req.Codebase.ID,
		WorkflowType: req.Workflow.Type,
		WorkflowID:   req.Workflow.ID,
		Provider:     ProviderWorktree,
		Path:         WorktreePath("/ws", req.Codebase.Name, req.Branch),
		Branch:       req.Branch,
		Status:       StatusActive,
		CreatedBy:    req.Platform,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, env *Env, force bool) error {
	if p.destroyErr != nil && !force {
		return p.destroyErr
	}
	p.mu.Lock()
	p.destroyed = append(p.destroyed, env.Branch)
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) Healthy(ctx context.Context, env *Env) bool {
	return !p.unhealthy[env.ID]
}

func (p *fakeProvider) List(ctx context.Context, codebase Codebase) ([]Backing, error) {
	return p.backings, nil
}

func (p *fakeProvider) Adopt(ctx context.Context, req AdoptRequest) (*Env, error) {
	found := p.branches[req.Branch]
	for _, b := range p.backings {
		if b.Branch == req.Branch {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNothingToAdopt, req.Branch)
	}
	now := time.Now().UTC()
	return &Env{
		ID:           uuid.New().String(),
		CodebaseID:   req.Codebase.ID,
		WorkflowType: req.Workflow.Type,
		WorkflowID:   req.Workflow.ID,
		Provider:     ProviderWorktree,
		Path:         WorktreePath("/ws", req.Codebase.Name, req.Branch),
		Branch:       req.Branch,
		Status:       StatusActive,
		CreatedBy:    req.Platform,
		Metadata:     map[string]any{"adopted": true, "adopted_from": "branch"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

// fakeGit returns scripted outputs keyed by the joined argument string.
type fakeGit struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     [][]string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		responses: make(map[string]string),
		errs:      make(map[string]error),
	}
}

func (g *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, args)
	g.mu.Unlock()
	key := strings.Join(args, " ")
	if err, ok := g.errs[key]; ok {
		return "", err
	}
	return g.responses[key], nil
}

func (g *fakeGit) RunNetwork(ctx context.Context, dir string, args ...string) (string, error) {
	return g.Run(ctx, dir, args...)
}

func testManager(t *testing.T, store Store, provider Provider, git *fakeGit) *Manager {
	t.Helper()
	return NewManager(store, provider, git, Config{
		WorkspaceBase:  "/ws",
		MaxPerCodebase: 3,
		StaleAfter:     14 * 24 * time.Hour,
		DefaultBranch:  "main",
	}, newTestLogger())
}

var testCodebase = Codebase{ID: "cb-1", Name: "alice/utils", Path: "/ws/alice/utils/alice/utils"}

func TestResolve_CreatesNewEnv(t *testing.T) {
	store := newMockStore()
	m := testManager(t, store, newFakeProvider(), newFakeGit())

	res, err := m.Resolve(context.Background(), ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
		Platform: "telegram",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Created || res.Reused || res.Adopted {
		t.Errorf("expected created resolution, got %+v", res)
	}
	if res.Env.Branch != "issue-42" {
		t.Errorf("branch = %q", res.Env.Branch)
	}
	if !WithinWorkspace("/ws", res.Env.Path) {
		t.Errorf("path %q escapes workspace", res.Env.Path)
	}
	if res.Env.CreatedBy != "telegram" {
		t.Errorf("created_by = %q", res.Env.CreatedBy)
	}

	// Row persisted.
	if _, err := store.Get(context.Background(), res.Env.ID); err != nil {
		t.Errorf("env not persisted: %v", err)
	}
}

func TestResolve_ReusesByWorkflow(t *testing.T) {
	store := newMockStore()
	m := testManager(t, store, newFakeProvider(), newFakeGit())
	ctx := context.Background()

	first, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	second, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !second.Reused {
		t.Error("expected reuse")
	}
	if second.Env.ID != first.Env.ID {
		t.Errorf("expected same env, got %s and %s", first.Env.ID, second.Env.ID)
	}

	// Only one active env per workflow.
	count, _ := store.CountActiveByCodebase(ctx, testCodebase.ID)
	if count != 1 {
		t.Errorf("expected 1 active env, got %d", count)
	}
}

func TestResolve_BrokenBackingGetsRecreated(t *testing.T) {
	store := newMockStore()
	provider := newFakeProvider()
	m := testManager(t, store, provider, newFakeGit())
	ctx := context.Background()

	first, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// Backing disappears out of band.
	provider.unhealthy[first.Env.ID] = true

	second, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !second.Created {
		t.Error("expected a fresh env after backing loss")
	}
	if second.Env.ID == first.Env.ID {
		t.Error("expected a new env ID")
	}

	old, _ := store.Get(ctx, first.Env.ID)
	if old.Status != StatusDestroyed {
		t.Errorf("stale env status = %s, want destroyed", old.Status)
	}
}

func TestResolve_ClearsStaleReference(t *testing.T) {
	store := newMockStore()
	m := testManager(t, store, newFakeProvider(), newFakeGit())

	res, err := m.Resolve(context.Background(), ResolveRequest{
		Codebase:     testCodebase,
		Workflow:     Workflow{Type: WorkflowThread, ID: "t-1"},
		CurrentEnvID: "gone",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.StaleCleared {
		t.Error("expected StaleCleared for a missing reference")
	}
	if !res.Created {
		t.Error("expected resolution to continue to creation")
	}
}

func TestResolve_SharedIssueEnvForPR(t *testing.T) {
	store := newMockStore()
	m := testManager(t, store, newFakeProvider(), newFakeGit())
	ctx := context.Background()

	issueRes, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("issue resolve: %v", err)
	}

	prRes, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowPR, ID: "7"},
		Hints:    Hints{LinkedIssues: []string{"42"}},
	})
	if err != nil {
		t.Fatalf("pr resolve: %v", err)
	}
	if !prRes.Reused || prRes.SharedIssue != "42" {
		t.Errorf("expected shared issue env, got %+v", prRes)
	}
	if prRes.Env.ID != issueRes.Env.ID {
		t.Error("expected the PR to share the issue env")
	}
}

func TestResolve_AdoptsExistingBranch(t *testing.T) {
	store := newMockStore()
	provider := newFakeProvider()
	provider.branches["issue-42"] = true
	m := testManager(t, store, provider, newFakeGit())

	res, err := m.Resolve(context.Background(), ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Adopted {
		t.Error("expected adoption")
	}
	if !res.Env.Adopted() {
		t.Error("expected adopted metadata")
	}
	if res.Env.Metadata["adopted_from"] != "branch" {
		t.Errorf("adopted_from = %v", res.Env.Metadata["adopted_from"])
	}
}

func TestResolve_AdoptsHintedPRBranch(t *testing.T) {
	// An externally created worktree on the PR's head branch is adopted
	// even though the workflow-derived name would be pr-42-review.
	store := newMockStore()
	provider := newFakeProvider()
	provider.backings = []Backing{
		{Path: "/ws/alice/utils/worktrees/alice/utils/feature/auth", Branch: "feature/auth"},
	}
	m := testManager(t, store, provider, newFakeGit())

	res, err := m.Resolve(context.Background(), ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowPR, ID: "42"},
		Hints:    Hints{PRBranch: "feature/auth"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Adopted || res.Created {
		t.Errorf("expected adopted resolution, got %+v", res)
	}
	if res.Env.Branch != "feature/auth" {
		t.Errorf("branch = %q, want feature/auth", res.Env.Branch)
	}
	if !res.Env.Adopted() || res.Env.Metadata["adopted_from"] != "branch" {
		t.Errorf("metadata = %v", res.Env.Metadata)
	}
}

func TestResolve_PRBranchHintFallsBackToWorkflowBranch(t *testing.T) {
	// A hint naming a branch that does not exist must not block adoption
	// of the workflow-derived branch, or creation after that.
	store := newMockStore()
	provider := newFakeProvider()
	provider.branches["pr-42-review"] = true
	m := testManager(t, store, provider, newFakeGit())

	res, err := m.Resolve(context.Background(), ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowPR, ID: "42"},
		Hints:    Hints{PRBranch: "gone/branch"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Adopted || res.Env.Branch != "pr-42-review" {
		t.Errorf("expected workflow-branch adoption, got %+v", res)
	}
}

func TestResolve_CapacityLimit(t *testing.T) {
	store := newMockStore()
	git := newFakeGit()
	git.responses["symbolic-ref --short refs/remotes/origin/HEAD"] = "origin/main"
	// Nothing is merged.
	for _, id := range []string{"1", "2", "3"} {
		git.errs["merge-base --is-ancestor issue-"+id+" main"] = errors.New("exit status 1")
	}
	m := testManager(t, store, newFakeProvider(), git)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if _, err := m.Resolve(ctx, ResolveRequest{
			Codebase: testCodebase,
			Workflow: Workflow{Type: WorkflowIssue, ID: id},
		}); err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
	}

	_, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "4"},
	})
	if !errors.Is(err, ErrWorktreeLimitReached) {
		t.Fatalf("expected ErrWorktreeLimitReached, got %v", err)
	}

	msg := m.FormatLimitMessage(ctx, testCodebase)
	if !strings.Contains(msg, "/worktree cleanup merged") || !strings.Contains(msg, "/worktree remove") {
		t.Errorf("limit message missing options:\n%s", msg)
	}
}

func TestResolve_CapacityFreedByMergedCleanup(t *testing.T) {
	store := newMockStore()
	git := newFakeGit()
	git.responses["symbolic-ref --short refs/remotes/origin/HEAD"] = "origin/main"
	// issue-1 merged, the others not.
	git.errs["merge-base --is-ancestor issue-2 main"] = errors.New("exit status 1")
	git.errs["merge-base --is-ancestor issue-3 main"] = errors.New("exit status 1")
	provider := newFakeProvider()
	m := testManager(t, store, provider, git)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if _, err := m.Resolve(ctx, ResolveRequest{
			Codebase: testCodebase,
			Workflow: Workflow{Type: WorkflowIssue, ID: id},
		}); err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
	}

	res, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "4"},
	})
	if err != nil {
		t.Fatalf("resolve at capacity: %v", err)
	}
	if !res.Created {
		t.Error("expected creation after auto-cleanup")
	}
	if len(provider.destroyed) != 1 || provider.destroyed[0] != "issue-1" {
		t.Errorf("expected issue-1 cleaned up, got %v", provider.destroyed)
	}
}

func TestResolve_InvalidWorkflow(t *testing.T) {
	m := testManager(t, newMockStore(), newFakeProvider(), newFakeGit())

	_, err := m.Resolve(context.Background(), ResolveRequest{Codebase: testCodebase})
	if !errors.Is(err, ErrInvalidWorkflow) {
		t.Errorf("expected ErrInvalidWorkflow, got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	store := newMockStore()
	provider := newFakeProvider()
	m := testManager(t, store, provider, newFakeGit())
	ctx := context.Background()

	res, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := m.Destroy(ctx, res.Env.ID, false); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	env, _ := store.Get(ctx, res.Env.ID)
	if env.Status != StatusDestroyed {
		t.Errorf("status = %s, want destroyed", env.Status)
	}

	// Double destroy is rejected.
	if err := m.Destroy(ctx, res.Env.ID, false); !errors.Is(err, ErrEnvDestroyed) {
		t.Errorf("expected ErrEnvDestroyed, got %v", err)
	}
}

func TestDestroy_UncommittedChangesNeedForce(t *testing.T) {
	store := newMockStore()
	provider := newFakeProvider()
	provider.destroyErr = ErrUncommittedChanges
	m := testManager(t, store, provider, newFakeGit())
	ctx := context.Background()

	res, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := m.Destroy(ctx, res.Env.ID, false); !errors.Is(err, ErrUncommittedChanges) {
		t.Fatalf("expected ErrUncommittedChanges, got %v", err)
	}
	if err := m.Destroy(ctx, res.Env.ID, true); err != nil {
		t.Fatalf("forced destroy: %v", err)
	}
}

func TestDestroyByBranch(t *testing.T) {
	store := newMockStore()
	m := testManager(t, store, newFakeProvider(), newFakeGit())
	ctx := context.Background()

	res, err := m.Resolve(ctx, ResolveRequest{
		Codebase: testCodebase,
		Workflow: Workflow{Type: WorkflowIssue, ID: "42"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := m.DestroyByBranch(ctx, testCodebase.ID, "issue-42", false); err != nil {
		t.Fatalf("destroy by branch: %v", err)
	}
	env, _ := store.Get(ctx, res.Env.ID)
	if env.Status != StatusDestroyed {
		t.Errorf("status = %s", env.Status)
	}

	if err := m.DestroyByBranch(ctx, testCodebase.ID, "no-such", false); !errors.Is(err, ErrEnvNotFound) {
		t.Errorf("expected ErrEnvNotFound, got %v", err)
	}
}
