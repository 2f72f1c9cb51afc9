package worker

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/lugh-dev/lugh/internal/common/stringutil"
)

// resultOutputLimit caps the assistant output embedded in the result
// document. The chunk stream keeps the full transcript.
const resultOutputLimit = 8192

// ExecutionSummary is the result document recorded for a completed task.
type ExecutionSummary struct {
	CommitsCreated int    `json:"commits_created"`
	FilesModified  int    `json:"files_modified"`
	TestsRun       int    `json:"tests_run"`
	TestsPassed    int    `json:"tests_passed"`
	Output         string `json:"output,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// gitState snapshots a working tree around an attempt.
type gitState struct {
	ok      bool
	head    string
	commits int
	dirty   map[string]bool
}

// captureGitState snapshots the repository at dir. An empty dir, a non-repo
// dir, or a repo without commits yields a zero state, and the summary then
// skips the git-derived numbers.
func (w *Worker) captureGitState(ctx context.Context, dir string) gitState {
	if dir == "" || w.git == nil {
		return gitState{}
	}
	head, err := w.git.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return gitState{}
	}
	countOut, err := w.git.Run(ctx, dir, "rev-list", "--count", "HEAD")
	if err != nil {
		return gitState{}
	}
	commits, err := strconv.Atoi(strings.TrimSpace(countOut))
	if err != nil {
		return gitState{}
	}

	state := gitState{ok: true, head: head, commits: commits, dirty: make(map[string]bool)}
	if statusOut, err := w.git.Run(ctx, dir, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(statusOut, "\n") {
			// Porcelain lines are "XY <path>"; renames carry "old -> new".
			if len(line) > 3 {
				state.dirty[strings.TrimSpace(line[3:])] = true
			}
		}
	}
	return state
}

// summarize derives completion numbers by comparing the git snapshots and
// scanning the assistant output for test results.
func (w *Worker) summarize(ctx context.Context, dir string, before, after gitState, output string) *ExecutionSummary {
	s := &ExecutionSummary{
		Output: stringutil.TruncateStringWithEllipsis(output, resultOutputLimit),
	}
	s.TestsRun, s.TestsPassed = parseTestStats(output)

	if !before.ok || !after.ok {
		return s
	}
	if d := after.commits - before.commits; d > 0 {
		s.CommitsCreated = d
	}

	changed := make(map[string]bool)
	if after.head != before.head {
		if diffOut, err := w.git.Run(ctx, dir, "diff", "--name-only", before.head, after.head); err == nil {
			for _, f := range strings.Split(diffOut, "\n") {
				if f = strings.TrimSpace(f); f != "" {
					changed[f] = true
				}
			}
		}
	}
	for f := range after.dirty {
		if !before.dirty[f] {
			changed[f] = true
		}
	}
	s.FilesModified = len(changed)
	return s
}

var (
	testsPassedRe = regexp.MustCompile(`(?i)(\d+)\s+(?:tests?\s+)?passed`)
	testsFailedRe = regexp.MustCompile(`(?i)(\d+)\s+(?:tests?\s+)?failed`)
	testsRanRe    = regexp.MustCompile(`(?i)ran\s+(\d+)\s+tests?`)
)

// parseTestStats scans assistant output for common test-summary lines such
// as "12 passed, 2 failed" or "Ran 14 tests". Output without a recognizable
// summary reports zeros.
func parseTestStats(output string) (run, passed int) {
	if m := testsPassedRe.FindStringSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(m[1])
	}
	failed := 0
	if m := testsFailedRe.FindStringSubmatch(output); m != nil {
		failed, _ = strconv.Atoi(m[1])
	}
	run = passed + failed
	if m := testsRanRe.FindStringSubmatch(output); m != nil {
		if n, _ := strconv.Atoi(m[1]); n > run {
			run = n
		}
	}
	return run, passed
}
