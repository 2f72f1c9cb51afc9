package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/stringutil"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/platform"
)

// sendableExtensions is the auto-send allowlist.
var sendableExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".rb": true, ".rs": true, ".java": true, ".kt": true, ".c": true, ".h": true,
	".cpp": true, ".cs": true, ".php": true, ".swift": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".sh": true, ".sql": true, ".html": true, ".css": true, ".csv": true,
	".diff": true, ".patch": true, ".log": true,
}

// blockedFiles are never auto-sent regardless of extension.
var blockedFiles = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"go.sum":            true,
	"cargo.lock":        true,
	"poetry.lock":       true,
	"composer.lock":     true,
	"gemfile.lock":      true,
}

// blockedDirs mark build outputs and dependency trees.
var blockedDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	"__pycache__":  true,
}

// finishResponse runs post-processing after a successful stream: batch
// assembly with tool-line filtering and long-response splitting, then the
// auto file send for everything the run wrote.
func (o *Orchestrator) finishResponse(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, out *streamOutcome, cwd string) {
	if adapter.StreamingMode() == platform.ModeBatch {
		o.sendBatch(ctx, adapter, conv, out.batchText)
	}
	o.autoSendFiles(ctx, adapter, conv, cwd, out.writtenFiles)
}

// sendBatch delivers the assembled batch response. Tool indicator lines are
// dropped first; if nothing remains the unfiltered text is used. Responses
// over the threshold go out as a file plus a preview.
func (o *Orchestrator) sendBatch(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	filtered := filterToolLines(text)
	if filtered == "" {
		filtered = text
	}

	if len(filtered) <= o.cfg.LongResponseThreshold {
		o.send(ctx, adapter, conv, filtered)
		return
	}

	path, err := o.writeLongResponse(conv, filtered)
	if err != nil {
		o.logger.Warn("Failed to write long response file, sending inline",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		o.send(ctx, adapter, conv, filtered)
		return
	}

	preview := stringutil.TruncateStringWithEllipsis(filtered, o.cfg.PreviewLength)
	o.send(ctx, adapter, conv, preview)
	if err := adapter.SendFile(ctx, conv.PlatformConversationID, path, "Full response"); err != nil {
		o.logger.Warn("Failed to send long response file",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

// filterToolLines drops tool and risk notification lines from batch text.
func filterToolLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, toolLinePrefix) || strings.HasPrefix(trimmed, riskLinePrefix) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// writeLongResponse stores the full text under the workspace and returns
// the file path.
func (o *Orchestrator) writeLongResponse(conv *conversation.Conversation, text string) (string, error) {
	dir := filepath.Join(o.cfg.WorkspacePath, ".responses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.txt", conv.ID, time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// autoSendFiles attaches files the run wrote, subject to the size cap, the
// extension allowlist, and the hidden/lock/build-output blocklist.
func (o *Orchestrator) autoSendFiles(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, cwd string, files []string) {
	for _, f := range files {
		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		if !o.sendableFile(cwd, path) {
			continue
		}
		if err := adapter.SendFile(ctx, conv.PlatformConversationID, path, filepath.Base(path)); err != nil {
			o.logger.Warn("Failed to auto-send file",
				zap.String("conversation_id", conv.ID),
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

// sendableFile applies the auto-send rules to one path.
func (o *Orchestrator) sendableFile(cwd, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if info.Size() > o.cfg.MaxFileSendBytes {
		return false
	}
	if !sendableExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	if blockedFiles[strings.ToLower(filepath.Base(path))] {
		return false
	}

	// Hidden files and blocked directories are judged on the path relative
	// to the working directory: the workspace base itself may legitimately
	// live under a dot directory.
	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(seg, ".") {
			return false
		}
		if blockedDirs[seg] {
			return false
		}
	}
	return true
}
