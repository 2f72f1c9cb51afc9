package orchestrator

import (
	"strings"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/stringutil"
)

// toolLinePrefix starts every tool notification line; batch post-processing
// filters on it.
const (
	toolLinePrefix = "🔧 "
	riskLinePrefix = "⚠️ "
)

// auditedTools are recorded on the approval trail whenever they run.
var auditedTools = map[string]bool{
	"Bash":      true,
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
	"TodoWrite": true,
}

// fileWritingTools report the written path in file_path; those files are
// candidates for auto-send after the run.
var fileWritingTools = map[string]bool{
	"Write":     true,
	"Edit":      true,
	"MultiEdit": true,
}

// dangerousBashPatterns escalate a Bash call from medium to high risk.
var dangerousBashPatterns = []string{
	"rm -rf",
	"sudo",
	"chmod",
	"chown",
	"> /dev/",
	"dd if=",
}

// riskLevel classifies a tool call. Empty means the tool is not audited.
func riskLevel(toolName string, input map[string]any) string {
	if !auditedTools[toolName] {
		return ""
	}
	if toolName == "Bash" {
		cmd, _ := input["command"].(string)
		for _, pattern := range dangerousBashPatterns {
			if strings.Contains(cmd, pattern) {
				return RiskHigh
			}
		}
	}
	return RiskMedium
}

// toolDetail extracts the most useful argument of a tool call for display
// and audit.
func toolDetail(input map[string]any) string {
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "query"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// writtenFilePath returns the path a file-writing tool touched, or empty.
func writtenFilePath(ev session.Event) string {
	if !fileWritingTools[ev.ToolName] {
		return ""
	}
	fp, _ := ev.ToolInput["file_path"].(string)
	return fp
}

// formatToolLine renders the one-line tool notification.
func formatToolLine(ev session.Event) string {
	detail := toolDetail(ev.ToolInput)
	if detail == "" {
		return toolLinePrefix + ev.ToolName
	}
	return toolLinePrefix + ev.ToolName + ": " + stringutil.TruncateStringWithEllipsis(detail, 200)
}
