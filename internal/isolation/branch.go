package isolation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxTaskSlugLen bounds the slug portion of task branch names.
const maxTaskSlugLen = 50

// BranchName returns the deterministic branch name for a workflow. The same
// workflow always maps to the same branch, which is what makes reuse and
// adoption possible.
//
//	issue 42        -> issue-42
//	pr 7            -> pr-7-review
//	review 7        -> review-7
//	thread <id>     -> thread-<8 hex chars of sha256(id)>
//	task <text>     -> task-<slug, max 50 chars>
func BranchName(w Workflow) string {
	switch w.Type {
	case WorkflowIssue:
		return "issue-" + w.ID
	case WorkflowPR:
		return "pr-" + w.ID + "-review"
	case WorkflowReview:
		return "review-" + w.ID
	case WorkflowThread:
		return "thread-" + shortHash(w.ID)
	case WorkflowTask:
		return "task-" + Slug(w.ID)
	default:
		return "env-" + Slug(w.ID)
	}
}

// shortHash returns the first 8 hex characters of sha256(s). Thread IDs vary
// wildly across platforms; hashing keeps branch names short and git-safe.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// Slug lowercases s, collapses every run of non-alphanumeric characters to a
// single hyphen, trims leading and trailing hyphens, and truncates to 50
// characters.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevHyphen := false
	for _, r := range strings.ToLower(s) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			prevHyphen = false
			continue
		}
		if !prevHyphen && b.Len() > 0 {
			b.WriteByte('-')
			prevHyphen = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxTaskSlugLen {
		out = strings.Trim(out[:maxTaskSlugLen], "-")
	}
	return out
}
