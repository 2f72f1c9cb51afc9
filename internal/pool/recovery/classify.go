package recovery

import "strings"

// Error classes recognized by the failure classifier.
const (
	ClassSyntaxError = "syntax_error"
	ClassTypeError   = "type_error"
	ClassImportError = "import_error"
	ClassTestFailure = "test_failure"
	ClassTimeout     = "timeout"
	ClassUnknown     = "unknown"
)

// Approach tags recognized by the approach classifier.
const (
	ApproachCreate   = "create_new_files"
	ApproachModify   = "modify_existing"
	ApproachRefactor = "refactoring"
)

// classifyError maps an error message to a coarse error class. Matching is
// keyword based; order matters because real messages often mention several
// symptoms (a timeout that aborted a test run is a timeout).
func classifyError(errText string) string {
	lower := strings.ToLower(errText)
	switch {
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return ClassTimeout
	case containsAny(lower, "syntax error", "unexpected token", "parse error", "unexpected eof"):
		return ClassSyntaxError
	case containsAny(lower, "type error", "type mismatch", "cannot use", "incompatible type"):
		return ClassTypeError
	case containsAny(lower, "import error", "cannot find module", "cannot find package", "module not found", "no required module"):
		return ClassImportError
	case containsAny(lower, "test fail", "tests failed", "fail:", "assertion"):
		return ClassTestFailure
	default:
		return ClassUnknown
	}
}

// classifyApproach guesses what kind of change an attempt made from its
// result summary, so the next attempt can be told what to avoid. Returns ""
// when nothing recognizable appears.
func classifyApproach(result string) string {
	lower := strings.ToLower(result)
	switch {
	case strings.Contains(lower, "refactor"):
		return ApproachRefactor
	case containsAny(lower, "new file", "created file", "creating file", "added file"):
		return ApproachCreate
	case containsAny(lower, "modif", "updated", "edited", "changed"):
		return ApproachModify
	default:
		return ""
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// suggestionsFor builds rule-based suggested actions from the recurring
// failure patterns, then appends the fixed fallbacks.
func suggestionsFor(patterns []string) []string {
	var actions []string
	for _, p := range patterns {
		switch p {
		case ClassSyntaxError:
			actions = append(actions, "Run a compiler or linter pass before finishing to catch syntax errors")
		case ClassTypeError:
			actions = append(actions, "Check the signatures and type definitions the change touches")
		case ClassImportError:
			actions = append(actions, "Verify dependency names and import paths against the project manifest")
		case ClassTestFailure:
			actions = append(actions, "Review the failing tests before changing the code they cover")
		case ClassTimeout:
			actions = append(actions, "Split the task into smaller steps that finish within the time limit")
		}
	}
	return append(actions,
		"Simplify the task description",
		"Provide more specific requirements",
		"Complete the task manually",
	)
}
