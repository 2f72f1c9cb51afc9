package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/repoclone"
)

// cmdClone clones (or refreshes) a repository, registers it as a codebase,
// and binds the conversation to it. Running it twice for the same repository
// converges on the same codebase row.
func (o *Orchestrator) cmdClone(ctx context.Context, conv *conversation.Conversation, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure("Usage: /clone <url or owner/repo>")
	}

	repo, path, err := o.cloner.Clone(ctx, args[0])
	if err != nil {
		log.Error("Clone failed", zap.String("ref", args[0]), zap.Error(err))
		return failure("Could not clone that. Accepted forms: an https URL, a git@ SSH URL, or owner/repo shorthand. Details are in the server logs.")
	}

	cmds, err := repoclone.LoadCommands(path)
	if err != nil {
		log.Warn("Command discovery failed", zap.String("path", path), zap.Error(err))
		cmds = nil
	}

	name := repo.Owner + "/" + repo.Name
	cb, err := o.store.FindCodebaseByName(ctx, name)
	switch {
	case err == nil:
		if uerr := o.store.UpdateCodebaseCommands(ctx, cb.ID, commandPaths(cmds)); uerr != nil {
			log.Warn("Failed to refresh codebase commands", zap.Error(uerr))
		}
	case errors.Is(err, conversation.ErrCodebaseNotFound):
		cb = &conversation.Codebase{
			Name:      name,
			RemoteURL: repo.CloneURL,
			Path:      path,
			Commands:  commandPaths(cmds),
		}
		if cerr := o.store.CreateCodebase(ctx, cb); cerr != nil {
			log.Error("Failed to register codebase", zap.Error(cerr))
			return failure(classifyError(cerr))
		}
	default:
		log.Error("Codebase lookup failed", zap.Error(err))
		return failure(classifyError(err))
	}

	if err := o.store.SetCodebase(ctx, conv.ID, cb.ID, path); err != nil {
		log.Error("Failed to bind codebase", zap.Error(err))
		return failure(classifyError(err))
	}
	if err := o.store.DeactivateSessions(ctx, conv.ID); err != nil {
		log.Warn("Failed to deactivate sessions after clone", zap.Error(err))
	}

	msg := fmt.Sprintf("Cloned %s to %s.", name, path)
	if n := len(cmds); n > 0 {
		msg += fmt.Sprintf(" Loaded %d command templates; /commands lists them.", n)
	} else {
		msg += " No command templates found."
	}
	return modified(msg)
}

func (o *Orchestrator) cmdRepos(ctx context.Context, conv *conversation.Conversation, log *logger.Logger) Result {
	cbs, err := o.store.ListCodebases(ctx)
	if err != nil {
		log.Error("Failed to list codebases", zap.Error(err))
		return failure(classifyError(err))
	}
	if len(cbs) == 0 {
		return ok("No codebases registered. /clone <url> to add one.")
	}
	var b strings.Builder
	b.WriteString("Registered codebases:\n")
	for _, cb := range cbs {
		marker := " "
		if cb.ID == conv.CodebaseID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s  %s\n", marker, cb.Name, cb.Path)
	}
	b.WriteString("/repo <name> switches this conversation.")
	return ok(b.String())
}

func (o *Orchestrator) cmdRepo(ctx context.Context, conv *conversation.Conversation, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure("Usage: /repo <name>")
	}
	cb, err := o.findCodebase(ctx, args[0])
	if errors.Is(err, conversation.ErrCodebaseNotFound) {
		return failure(fmt.Sprintf("No codebase named %s. /repos lists the registered ones.", args[0]))
	}
	if err != nil {
		log.Error("Codebase lookup failed", zap.Error(err))
		return failure(classifyError(err))
	}
	if err := o.store.SetCodebase(ctx, conv.ID, cb.ID, cb.Path); err != nil {
		log.Error("Failed to switch codebase", zap.Error(err))
		return failure(classifyError(err))
	}
	if err := o.store.DeactivateSessions(ctx, conv.ID); err != nil {
		log.Warn("Failed to deactivate sessions after codebase switch", zap.Error(err))
	}
	return modified(fmt.Sprintf("Switched to %s (%s).", cb.Name, cb.Path))
}

func (o *Orchestrator) cmdRepoRemove(ctx context.Context, conv *conversation.Conversation, args []string, log *logger.Logger) Result {
	if len(args) == 0 {
		return failure("Usage: /repo-remove <name>")
	}
	cb, err := o.findCodebase(ctx, args[0])
	if errors.Is(err, conversation.ErrCodebaseNotFound) {
		return failure(fmt.Sprintf("No codebase named %s.", args[0]))
	}
	if err != nil {
		log.Error("Codebase lookup failed", zap.Error(err))
		return failure(classifyError(err))
	}
	if err := o.store.DeleteCodebase(ctx, cb.ID); err != nil {
		log.Error("Failed to delete codebase", zap.Error(err))
		return failure(classifyError(err))
	}

	res := ok(fmt.Sprintf("Removed codebase %s. The clone stays on disk at %s.", cb.Name, cb.Path))
	if conv.CodebaseID == cb.ID {
		if err := o.store.SetCodebase(ctx, conv.ID, "", ""); err != nil {
			log.Warn("Failed to unbind removed codebase", zap.Error(err))
		}
		res.Modified = true
		res.Message += " This conversation no longer has a codebase."
	}
	return res
}

// findCodebase resolves a user-supplied name, tolerating a bare repo name
// when it is unambiguous.
func (o *Orchestrator) findCodebase(ctx context.Context, name string) (*conversation.Codebase, error) {
	cb, err := o.store.FindCodebaseByName(ctx, name)
	if err == nil || !errors.Is(err, conversation.ErrCodebaseNotFound) {
		return cb, err
	}
	if strings.Contains(name, "/") {
		return nil, conversation.ErrCodebaseNotFound
	}
	cbs, err := o.store.ListCodebases(ctx)
	if err != nil {
		return nil, err
	}
	var match *conversation.Codebase
	for _, c := range cbs {
		if strings.HasSuffix(c.Name, "/"+name) {
			if match != nil {
				return nil, conversation.ErrCodebaseNotFound
			}
			match = c
		}
	}
	if match == nil {
		return nil, conversation.ErrCodebaseNotFound
	}
	return match, nil
}

// cmdCommandSet registers a single template file as a codebase command
// without re-scanning the command directories.
func (o *Orchestrator) cmdCommandSet(ctx context.Context, conv *conversation.Conversation, args []string, log *logger.Logger) Result {
	if len(args) < 2 {
		return failure("Usage: /command-set <name> <path relative to the repository root>")
	}
	if conv.CodebaseID == "" {
		return failure("No codebase selected. Use /clone <url> or /repo <name> first.")
	}
	name, rel := args[0], filepath.ToSlash(filepath.Clean(args[1]))
	if strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return failure("Command templates must live inside the repository.")
	}

	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		log.Error("Failed to load codebase", zap.Error(err))
		return failure(classifyError(err))
	}
	cmds := cb.Commands
	if cmds == nil {
		cmds = map[string]string{}
	}
	cmds[name] = rel
	if err := o.store.UpdateCodebaseCommands(ctx, cb.ID, cmds); err != nil {
		log.Error("Failed to update codebase commands", zap.Error(err))
		return failure(classifyError(err))
	}
	return ok(fmt.Sprintf("Command %s -> %s registered. /command-invoke %s runs it.", name, rel, name))
}

// cmdLoadCommands re-scans the codebase clone's command directories.
func (o *Orchestrator) cmdLoadCommands(ctx context.Context, conv *conversation.Conversation, log *logger.Logger) Result {
	if conv.CodebaseID == "" {
		return failure("No codebase selected. Use /clone <url> or /repo <name> first.")
	}
	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		log.Error("Failed to load codebase", zap.Error(err))
		return failure(classifyError(err))
	}
	cmds, err := repoclone.LoadCommands(cb.Path)
	if err != nil {
		log.Error("Command discovery failed", zap.String("path", cb.Path), zap.Error(err))
		return failure(classifyError(err))
	}
	if err := o.store.UpdateCodebaseCommands(ctx, cb.ID, commandPaths(cmds)); err != nil {
		log.Error("Failed to update codebase commands", zap.Error(err))
		return failure(classifyError(err))
	}
	if len(cmds) == 0 {
		return ok("No command templates found in this repository.")
	}
	return ok(fmt.Sprintf("Loaded %d command templates from %s.", len(cmds), cb.Name))
}

// cmdCommands lists the current codebase's commands with live descriptions
// read from the template frontmatter.
func (o *Orchestrator) cmdCommands(ctx context.Context, conv *conversation.Conversation, log *logger.Logger) Result {
	if conv.CodebaseID == "" {
		return failure("No codebase selected. Use /clone <url> or /repo <name> first.")
	}
	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		log.Error("Failed to load codebase", zap.Error(err))
		return failure(classifyError(err))
	}
	if len(cb.Commands) == 0 {
		return ok("No command templates registered. /load-commands re-scans the repository.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Commands in %s:\n", cb.Name)
	writeCommandList(&b, cb)
	b.WriteString("/command-invoke <name> [args] runs one.")
	return ok(b.String())
}

// cmdCommandsAll lists commands grouped by codebase.
func (o *Orchestrator) cmdCommandsAll(ctx context.Context, log *logger.Logger) Result {
	cbs, err := o.store.ListCodebases(ctx)
	if err != nil {
		log.Error("Failed to list codebases", zap.Error(err))
		return failure(classifyError(err))
	}
	var b strings.Builder
	total := 0
	for _, cb := range cbs {
		if len(cb.Commands) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", cb.Name)
		writeCommandList(&b, cb)
		total += len(cb.Commands)
	}
	if total == 0 {
		return ok("No command templates registered in any codebase.")
	}
	return ok(strings.TrimRight(b.String(), "\n"))
}

// writeCommandList appends "  name - description" lines, sorted by name.
// Descriptions come from the template frontmatter on disk so edits show up
// without a /load-commands round trip.
func writeCommandList(b *strings.Builder, cb *conversation.Codebase) {
	names := make([]string, 0, len(cb.Commands))
	for name := range cb.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		desc := repoclone.ReadDescription(filepath.Join(cb.Path, cb.Commands[name]))
		if desc == "" {
			fmt.Fprintf(b, "  %s\n", name)
			continue
		}
		fmt.Fprintf(b, "  %s - %s\n", name, desc)
	}
}

func commandPaths(cmds map[string]repoclone.Command) map[string]string {
	paths := make(map[string]string, len(cmds))
	for name, c := range cmds {
		paths[name] = c.Path
	}
	return paths
}
