package repoclone

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// commandDirs are scanned in order; the first directory defining a command
// name wins.
var commandDirs = []string{
	".lugh/commands",
	".claude/commands",
	".agents/commands",
}

// Command is one repository-defined slash command template.
type Command struct {
	// Path to the template file, relative to the repository root.
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// TemplateMeta is the YAML frontmatter block of a command template.
type TemplateMeta struct {
	Description  string `yaml:"description"`
	ArgumentHint string `yaml:"argument-hint"`
}

// LoadCommands scans the repository's command directories for *.md command
// templates and returns them keyed by command name (the file name without
// extension). Returned paths are relative to repoPath.
func LoadCommands(repoPath string) (map[string]Command, error) {
	commands := make(map[string]Command)
	for _, dir := range commandDirs {
		entries, err := os.ReadDir(filepath.Join(repoPath, dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".md")
			if _, exists := commands[name]; exists {
				continue
			}
			commands[name] = Command{
				Path:        filepath.Join(dir, entry.Name()),
				Description: ReadDescription(filepath.Join(repoPath, dir, entry.Name())),
			}
		}
	}
	return commands, nil
}

// ReadDescription extracts a one-line description from a template file: the
// frontmatter description when present, otherwise the first non-empty body
// line with any markdown heading marker stripped.
func ReadDescription(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	meta, body := SplitFrontmatter(string(data))
	if meta.Description != "" {
		return meta.Description
	}
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return strings.TrimLeft(line, "# ")
		}
	}
	return ""
}

// SplitFrontmatter separates the YAML frontmatter from a template body.
// Content without a leading "---" line is returned unchanged with empty
// metadata, as is content whose frontmatter block fails to parse.
func SplitFrontmatter(content string) (TemplateMeta, string) {
	var meta TemplateMeta
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return meta, content
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "---" {
			continue
		}
		head := strings.Join(lines[1:i], "\n")
		if err := yaml.Unmarshal([]byte(head), &meta); err != nil {
			return TemplateMeta{}, content
		}
		return meta, strings.Join(lines[i+1:], "\n")
	}
	return TemplateMeta{}, content
}
