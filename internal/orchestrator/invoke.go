package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/lugh-dev/lugh/internal/common/errors"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/repoclone"
)

// maxTemplateBytes caps command template files; anything larger is a
// mistake, not a prompt.
const maxTemplateBytes = 1 << 20

// threadContextMarker introduces quoted thread context ahead of the prompt.
const (
	threadContextMarker    = "--- Thread context ---"
	threadContextEndMarker = "--- End thread context ---"
)

// executionEnvelope wraps codebase command templates so the assistant runs
// them instead of discussing them.
const executionEnvelope = `Execute the following command template now. Follow its instructions exactly and do not ask for confirmation before acting.

%s`

// chainStepSeparator splits a template body into sequential steps.
const chainStepSeparator = "---"

var argPattern = regexp.MustCompile(`\$(\d+|ARGUMENTS)`)

// substituteArgs replaces $1..$N with positional arguments and $ARGUMENTS
// with all of them joined. Positions beyond the argument list become empty.
func substituteArgs(body string, args []string) string {
	return argPattern.ReplaceAllStringFunc(body, func(m string) string {
		ref := m[1:]
		if ref == "ARGUMENTS" {
			return strings.Join(args, " ")
		}
		n, err := strconv.Atoi(ref)
		if err != nil || n < 1 || n > len(args) {
			return ""
		}
		return args[n-1]
	})
}

// chainSteps splits a template body on lines containing only "---". Most
// templates are a single step; multi-step bodies are chains.
func chainSteps(body string) []string {
	var steps []string
	var cur []string
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == chainStepSeparator {
			if step := strings.TrimSpace(strings.Join(cur, "\n")); step != "" {
				steps = append(steps, step)
			}
			cur = cur[:0]
			continue
		}
		cur = append(cur, line)
	}
	if step := strings.TrimSpace(strings.Join(cur, "\n")); step != "" {
		steps = append(steps, step)
	}
	return steps
}

// chainPrompt renders a multi-step template as one ordered prompt.
func chainPrompt(steps []string) string {
	if len(steps) == 1 {
		return steps[0]
	}
	var b strings.Builder
	b.WriteString("Work through the following steps in order. Complete each step before starting the next.\n")
	for i, step := range steps {
		fmt.Fprintf(&b, "\nStep %d:\n%s\n", i+1, step)
	}
	return b.String()
}

// buildCodebaseInvocation reads a codebase command template relative to the
// conversation's working directory and turns it into an executable prompt:
// arguments substituted, frontmatter stripped, execution envelope applied,
// optional issue context appended.
func buildCodebaseInvocation(cb *conversation.Codebase, cwd, name string, args []string, issueContext string) (string, error) {
	relPath, ok := cb.Commands[name]
	if !ok {
		return "", apperrors.NotFound("codebase command", name)
	}

	full := filepath.Join(cwd, relPath)
	info, err := os.Stat(full)
	if err != nil {
		return "", apperrors.BadRequest(fmt.Sprintf("command template %s is missing at %s", name, relPath))
	}
	if info.Size() > maxTemplateBytes {
		return "", apperrors.BadRequest(fmt.Sprintf("command template %s is too large to execute", name))
	}

	raw, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read command template: %w", err)
	}

	_, body := repoclone.SplitFrontmatter(string(raw))
	body = substituteArgs(strings.TrimSpace(body), args)
	prompt := fmt.Sprintf(executionEnvelope, chainPrompt(chainSteps(body)))
	if issueContext != "" {
		prompt += "\n\nIssue context:\n" + issueContext
	}
	return prompt, nil
}

// buildTemplateInvocation renders a global template with the given
// arguments. Multi-step bodies become an ordered chain prompt.
func buildTemplateInvocation(tmpl *Template, args []string) string {
	body := substituteArgs(strings.TrimSpace(tmpl.Body), args)
	return chainPrompt(chainSteps(body))
}

// applyRouter substitutes a plain message into the router template when one
// is registered. Without a router the message passes through unchanged.
func (o *Orchestrator) applyRouter(ctx context.Context, message string) string {
	tmpl, err := o.templates.Get(ctx, RouterTemplateName)
	if errors.Is(err, ErrTemplateNotFound) {
		return message
	}
	if err != nil {
		o.logger.Warn("Router template lookup failed, passing message through", zap.Error(err))
		return message
	}
	return substituteArgs(tmpl.Body, []string{message})
}

// prependThreadContext puts quoted context under a marker ahead of the
// user's prompt.
func prependThreadContext(threadContext, prompt string) string {
	return threadContextMarker + "\n" + strings.TrimSpace(threadContext) + "\n" + threadContextEndMarker + "\n\n" + prompt
}
