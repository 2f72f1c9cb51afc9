package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/repoclone"
)

var templateNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// cmdTemplateAdd saves a global prompt template. The body is the raw text
// after the name so newlines survive; a body with "---" step separators
// becomes a chain.
func (o *Orchestrator) cmdTemplateAdd(ctx context.Context, cmd *command, log *logger.Logger) Result {
	name, body := cutToken(cmd.Raw)
	name = strings.ToLower(name)
	if name == "" || body == "" {
		return failure("Usage: /template-add <name> <body>. Quote the body or use newlines freely; \"---\" on its own line separates chain steps.")
	}
	if !templateNamePattern.MatchString(name) {
		return failure("Template names use lowercase letters, digits, dots, hyphens and underscores.")
	}
	if isBuiltinName(name) {
		return failure(fmt.Sprintf("/%s is a built-in command; pick another name.", name))
	}

	meta, _ := repoclone.SplitFrontmatter(body)
	tmpl, err := o.templates.Put(ctx, name, meta.Description, body)
	if err != nil {
		log.Error("Failed to save template", zap.String("template", name), zap.Error(err))
		return failure(classifyError(err))
	}

	msg := fmt.Sprintf("Template %s saved. /%s runs it.", tmpl.Name, tmpl.Name)
	if steps := chainSteps(tmpl.Body); len(steps) > 1 {
		msg = fmt.Sprintf("Template %s saved as a %d-step chain. /%s runs it.", tmpl.Name, len(steps), tmpl.Name)
	}
	return ok(msg)
}

func (o *Orchestrator) cmdTemplateList(ctx context.Context, log *logger.Logger) Result {
	tmpls, err := o.templates.List(ctx)
	if err != nil {
		log.Error("Failed to list templates", zap.Error(err))
		return failure(classifyError(err))
	}
	if len(tmpls) == 0 {
		return ok("No templates saved. /template-add <name> <body> creates one.")
	}
	var b strings.Builder
	b.WriteString("Templates:\n")
	for _, t := range tmpls {
		line := "  /" + t.Name
		if steps := chainSteps(t.Body); len(steps) > 1 {
			line += fmt.Sprintf(" (%d steps)", len(steps))
		}
		if t.Description != "" {
			line += " - " + t.Description
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("/prompts <name> shows a body.")
	return ok(b.String())
}

func (o *Orchestrator) cmdTemplateDelete(ctx context.Context, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure("Usage: /template-delete <name>")
	}
	name := strings.ToLower(args[0])
	err := o.templates.Delete(ctx, name)
	if errors.Is(err, ErrTemplateNotFound) {
		return failure(fmt.Sprintf("No template named %s.", name))
	}
	if err != nil {
		log.Error("Failed to delete template", zap.String("template", name), zap.Error(err))
		return failure(classifyError(err))
	}
	return ok(fmt.Sprintf("Template %s deleted.", name))
}

// cmdChains lists only multi-step templates, with their step summaries.
func (o *Orchestrator) cmdChains(ctx context.Context, log *logger.Logger) Result {
	tmpls, err := o.templates.List(ctx)
	if err != nil {
		log.Error("Failed to list templates", zap.Error(err))
		return failure(classifyError(err))
	}
	var b strings.Builder
	count := 0
	for _, t := range tmpls {
		steps := chainSteps(t.Body)
		if len(steps) < 2 {
			continue
		}
		count++
		fmt.Fprintf(&b, "/%s (%d steps)\n", t.Name, len(steps))
		for i, step := range steps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, firstLine(step))
		}
	}
	if count == 0 {
		return ok("No chains saved. A template whose body has \"---\" lines between steps becomes a chain.")
	}
	return ok(strings.TrimRight(b.String(), "\n"))
}

// cmdPrompts shows template bodies: all names without an argument, one full
// body with.
func (o *Orchestrator) cmdPrompts(ctx context.Context, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return o.cmdTemplateList(ctx, log)
	}
	name := strings.ToLower(args[0])
	tmpl, err := o.templates.Get(ctx, name)
	if errors.Is(err, ErrTemplateNotFound) {
		return failure(fmt.Sprintf("No template named %s. /templates lists them.", name))
	}
	if err != nil {
		log.Error("Failed to load template", zap.String("template", name), zap.Error(err))
		return failure(classifyError(err))
	}
	return ok(fmt.Sprintf("/%s:\n%s", tmpl.Name, tmpl.Body))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}
