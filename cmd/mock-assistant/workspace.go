package main

import (
	"bufio"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// The mock grounds its tool calls in files that actually exist: the runner
// starts the process inside the task's worktree, so discovered paths line up
// with what a real session would touch.

type wsFile struct {
	abs string
	rel string
}

// wsFiles caches the discovery walk. Nil means not yet discovered; tests
// reset it between cases.
var wsFiles []wsFile

var sourceExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".py": true,
	".rs": true, ".java": true, ".rb": true, ".c": true, ".h": true,
	".md": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".sql": true, ".sh": true, ".txt": true,
}

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "target": true, "__pycache__": true, ".cache": true,
}

const (
	maxWorkspaceFiles = 150
	maxSourceFileSize = 64 * 1024
)

// discoverWorkspace walks the working directory once and collects source
// files small enough to quote from.
func discoverWorkspace() []wsFile {
	if wsFiles != nil {
		return wsFiles
	}

	wd, err := os.Getwd()
	if err != nil {
		wsFiles = []wsFile{}
		return wsFiles
	}

	found := []wsFile{}
	_ = filepath.WalkDir(wd, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(found) >= maxWorkspaceFiles {
			return filepath.SkipAll
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSourceFileSize {
			return nil
		}
		rel, _ := filepath.Rel(wd, path)
		found = append(found, wsFile{abs: path, rel: rel})
		return nil
	})

	wsFiles = found
	return wsFiles
}

// randomWorkspaceFile picks a discovered file, or a stand-in when the
// working directory has none.
func randomWorkspaceFile() wsFile {
	files := discoverWorkspace()
	if len(files) == 0 {
		return wsFile{abs: "/tmp/workspace/main.go", rel: "main.go"}
	}
	return files[rand.Intn(len(files))]
}

// readFileSnippet returns up to maxLines lines of the file, newline
// terminated, or a placeholder when the file cannot be read.
func readFileSnippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "(unreadable file)\n"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}

// pickEditableFragment selects the longest line of the file and rewrites its
// last word, giving the Edit tool an old/new pair that really occurs in the
// file. Falls back to a fixed pair for unreadable or trivial files.
func pickEditableFragment(path string) (oldStr, newStr string) {
	f, err := os.Open(path)
	if err != nil {
		return "placeholder", "placeholder_v2"
	}
	defer func() { _ = f.Close() }()

	var longest string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 12 && len(trimmed) <= 120 && len(trimmed) > len(strings.TrimSpace(longest)) {
			longest = line
		}
	}
	if longest == "" {
		return "placeholder", "placeholder_v2"
	}

	words := strings.Fields(longest)
	rewritten := make([]string, len(words))
	copy(rewritten, words)
	rewritten[len(rewritten)-1] += "_v2"
	return longest, strings.Join(rewritten, " ")
}

// searchHits renders grep-style matches against discovered files.
func searchHits(pattern string, n int) []string {
	files := discoverWorkspace()
	if len(files) == 0 {
		return []string{"main.go:1:" + strings.TrimSpace(pattern)}
	}
	if n > len(files) {
		n = len(files)
	}
	hits := make([]string, 0, n)
	for i, idx := range rand.Perm(len(files))[:n] {
		hits = append(hits, fmt.Sprintf("%s:%d:%s", files[idx].rel, (i+1)*7, strings.TrimSpace(pattern)))
	}
	return hits
}
