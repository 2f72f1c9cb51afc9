package isolation

import (
	"path/filepath"
	"strings"
)

// WorktreePath returns the on-disk location for a worktree:
//
//	{base}/{owner}/{repo}/worktrees/{owner}/{repo}/{branch}
//
// The owner/repo pair appears twice: the first is the codebase root next to
// the canonical clone, the second namespaces worktrees so that forks with the
// same repo name never collide.
func WorktreePath(base, codebaseName, branch string) string {
	return filepath.Join(base, codebaseName, "worktrees", codebaseName, branch)
}

// WithinWorkspace reports whether path stays under base after cleaning.
// Trailing slashes and dot segments are normalized before comparison.
func WithinWorkspace(base, path string) bool {
	base = filepath.Clean(base)
	path = filepath.Clean(path)
	if base == path {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
