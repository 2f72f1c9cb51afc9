package isolation

import (
	"testing"
)

func TestParseWorktreeList(t *testing.T) {
	out := `worktree /ws/alice/utils/alice/utils
HEAD 1234567890abcdef1234567890abcdef12345678
branch refs/heads/main

worktree /ws/alice/utils/worktrees/alice/utils/issue-42
HEAD aabbccddeeff00112233445566778899aabbccdd
branch refs/heads/issue-42

worktree /ws/alice/utils/worktrees/alice/utils/pr-7-review
HEAD ffeeddccbbaa99887766554433221100ffeeddcc
detached
`

	backings := parseWorktreeList(out)
	if len(backings) != 3 {
		t.Fatalf("expected 3 stanzas, got %d", len(backings))
	}
	if backings[0].Branch != "main" {
		t.Errorf("first branch = %q", backings[0].Branch)
	}
	if backings[1].Branch != "issue-42" || backings[1].Detached {
		t.Errorf("second = %+v", backings[1])
	}
	if !backings[2].Detached || backings[2].Branch != "" {
		t.Errorf("third = %+v", backings[2])
	}
}

func TestParseWorktreeList_Empty(t *testing.T) {
	if got := parseWorktreeList(""); len(got) != 0 {
		t.Errorf("expected no backings, got %+v", got)
	}
}

func TestWorktreeProviderRepoPath(t *testing.T) {
	p := NewWorktreeProvider(newFakeGit(), "/ws", newTestLogger())

	env := &Env{Path: "/ws/alice/utils/worktrees/alice/utils/issue-42"}
	if got := p.repoPath(env); got != "/ws/alice/utils" {
		t.Errorf("repoPath = %q, want /ws/alice/utils", got)
	}

	// External adopted paths fall back to the worktree itself.
	env = &Env{Path: "/elsewhere/checkout"}
	if got := p.repoPath(env); got != "/elsewhere/checkout" {
		t.Errorf("repoPath fallback = %q", got)
	}
}
