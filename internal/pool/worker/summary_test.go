package worker

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/pool/recovery"
)

// fakeGit replays scripted outputs per command. Repeated calls consume the
// script in order; the last output sticks.
type fakeGit struct {
	mu     sync.Mutex
	script map[string][]string
	errs   map[string]error
	calls  []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		script: make(map[string][]string),
		errs:   make(map[string]error),
	}
}

func (g *fakeGit) on(command string, outputs ...string) {
	g.script[command] = outputs
}

func (g *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, key)
	if err := g.errs[key]; err != nil {
		return "", err
	}
	outputs := g.script[key]
	if len(outputs) == 0 {
		return "", nil
	}
	out := outputs[0]
	if len(outputs) > 1 {
		g.script[key] = outputs[1:]
	}
	return out, nil
}

func (g *fakeGit) RunNetwork(ctx context.Context, dir string, args ...string) (string, error) {
	return g.Run(ctx, dir, args...)
}

func newSummaryWorker(git *fakeGit) *Worker {
	return New(Config{AgentID: "agent-sum"}, Deps{
		Queue:    newFakeQueue(),
		Registry: newFakeRegistry(),
		Recovery: recovery.NewManager(recovery.DefaultMaxAttempts, nil, newTestLogger()),
		Runner:   &session.MockRunner{},
		Broker:   newFakeBroker(),
		Git:      git,
		Logger:   newTestLogger(),
	})
}

func TestSummarizeCountsCommitsAndFiles(t *testing.T) {
	git := newFakeGit()
	git.on("rev-parse HEAD", "aaa", "bbb")
	git.on("rev-list --count HEAD", "5", "7")
	git.on("status --porcelain", "", " M pkg/extra.go")
	git.on("diff --name-only aaa bbb", "pkg/a.go\npkg/b.go")

	w := newSummaryWorker(git)
	ctx := context.Background()

	before := w.captureGitState(ctx, "/repo")
	after := w.captureGitState(ctx, "/repo")
	if !before.ok || !after.ok {
		t.Fatalf("states not ok: before=%+v after=%+v", before, after)
	}

	s := w.summarize(ctx, "/repo", before, after, "All done. 4 passed, 1 failed.")
	if s.CommitsCreated != 2 {
		t.Errorf("commits = %d, want 2", s.CommitsCreated)
	}
	// Two committed files plus one newly dirty file.
	if s.FilesModified != 3 {
		t.Errorf("files = %d, want 3", s.FilesModified)
	}
	if s.TestsRun != 5 || s.TestsPassed != 4 {
		t.Errorf("tests = %d/%d, want 4/5", s.TestsPassed, s.TestsRun)
	}
	if s.Output != "All done. 4 passed, 1 failed." {
		t.Errorf("output = %q", s.Output)
	}
}

func TestSummarizeIgnoresPreexistingDirtyFiles(t *testing.T) {
	git := newFakeGit()
	git.on("rev-parse HEAD", "aaa")
	git.on("rev-list --count HEAD", "5")
	git.on("status --porcelain", " M pkg/already.go")

	w := newSummaryWorker(git)
	ctx := context.Background()

	before := w.captureGitState(ctx, "/repo")
	after := w.captureGitState(ctx, "/repo")

	s := w.summarize(ctx, "/repo", before, after, "nothing to do")
	if s.CommitsCreated != 0 {
		t.Errorf("commits = %d, want 0", s.CommitsCreated)
	}
	if s.FilesModified != 0 {
		t.Errorf("files = %d, want 0", s.FilesModified)
	}
}

func TestCaptureGitStateOutsideRepo(t *testing.T) {
	git := newFakeGit()
	git.errs["rev-parse HEAD"] = context.DeadlineExceeded

	w := newSummaryWorker(git)
	if state := w.captureGitState(context.Background(), "/not-a-repo"); state.ok {
		t.Errorf("state = %+v, want not ok", state)
	}
	if state := w.captureGitState(context.Background(), ""); state.ok {
		t.Errorf("empty dir state = %+v, want not ok", state)
	}
}

func TestParseTestStats(t *testing.T) {
	cases := []struct {
		output string
		run    int
		passed int
	}{
		{"Tests: 12 passed, 2 failed", 14, 12},
		{"All 3 tests passed", 3, 3},
		{"Ran 14 tests in 0.2s", 14, 0},
		{"ok  \tgithub.com/x/y\t0.5s", 0, 0},
		{"", 0, 0},
		{"5 PASSED", 5, 5},
	}
	for _, tc := range cases {
		run, passed := parseTestStats(tc.output)
		if run != tc.run || passed != tc.passed {
			t.Errorf("parseTestStats(%q) = %d/%d, want %d/%d", tc.output, passed, run, tc.passed, tc.run)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := buildPrompt("do it", nil); got != "do it" {
		t.Errorf("first attempt prompt = %q", got)
	}

	rc := &recovery.RecoveryContext{
		AttemptNumber:   3,
		RecoveryHints:   []string{"Attempt 1: syntax error", "Attempt 2: tests failed"},
		WhatToAvoid:     []string{"refactor"},
		FailurePatterns: []string{"test_failure"},
	}
	got := buildPrompt("do it", rc)
	for _, want := range []string{
		"do it",
		"attempt 3",
		"Attempt 1: syntax error",
		"Attempt 2: tests failed",
		"do not repeat",
		"refactor",
		"test_failure",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestFormatToolCall(t *testing.T) {
	cases := []struct {
		name string
		ev   session.Event
		want string
	}{
		{
			name: "file path",
			ev:   session.Event{Type: session.EventTool, ToolName: "Edit", ToolInput: map[string]any{"file_path": "a/b.go"}},
			want: "Edit: a/b.go",
		},
		{
			name: "command",
			ev:   session.Event{Type: session.EventTool, ToolName: "Bash", ToolInput: map[string]any{"command": "go test ./..."}},
			want: "Bash: go test ./...",
		},
		{
			name: "no input",
			ev:   session.Event{Type: session.EventTool, ToolName: "TodoWrite"},
			want: "TodoWrite",
		},
	}
	for _, tc := range cases {
		if got := formatToolCall(tc.ev); got != tc.want {
			t.Errorf("%s: formatToolCall = %q, want %q", tc.name, got, tc.want)
		}
	}
}
