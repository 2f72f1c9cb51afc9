package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lugh-dev/lugh/pkg/claudecode"
)

const defaultSlowDuration = 5 * time.Second

var toolCallCounter int

func nextToolID() string {
	toolCallCounter++
	return fmt.Sprintf("toolu_%04d", toolCallCounter)
}

// delayRange returns the latency band in milliseconds for a model name.
// Tests select mock-fast to keep turns snappy; mock-slow approximates a
// thoughtful model.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 5, 25
	case "mock-slow":
		return 500, 2500
	default:
		return 75, 400
	}
}

// runTurn plays one scripted turn for the prompt. Cancelling ctx stops the
// turn where it is; an interrupted turn still ends with a result so the
// transcript is well formed.
func runTurn(ctx context.Context, e *emitter, prompt, model string) {
	e.system()

	t := &turn{ctx: ctx, e: e, model: model, prompt: prompt}
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "fail"):
		t.failTurn()
	case strings.Contains(lower, "slow"):
		t.slowTurn()
	case containsAny(lower, "edit", "fix", "refactor", "rename", "implement"):
		t.codeTurn()
	case containsAny(lower, "search", "find", "where"):
		t.searchTurn()
	default:
		t.exploreTurn()
	}

	if !t.done {
		t.e.errorResult("Interrupted by user")
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

// turn is one in-flight scripted exchange. Step methods return false when
// the turn was interrupted; scenarios bail out and runTurn emits the
// interrupted result.
type turn struct {
	ctx    context.Context
	e      *emitter
	model  string
	prompt string
	done   bool
}

func (t *turn) wait(d time.Duration) bool {
	select {
	case <-t.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// pause sleeps within the model's latency band.
func (t *turn) pause() bool {
	lo, hi := delayRange(t.model)
	return t.wait(time.Duration(lo+rand.Intn(hi-lo+1)) * time.Millisecond)
}

func (t *turn) say(text string) bool {
	if !t.pause() {
		return false
	}
	t.e.text(t.model, text)
	return true
}

func (t *turn) think(thought string) bool {
	if !t.pause() {
		return false
	}
	t.e.thinking(t.model, thought)
	return true
}

// read plays a Read tool round trip against a real workspace file.
func (t *turn) read(f wsFile) bool {
	if !t.pause() {
		return false
	}
	id := nextToolID()
	t.e.toolUse(t.model, id, claudecode.ToolRead, map[string]any{"file_path": f.abs})
	if !t.pause() {
		return false
	}
	t.e.toolResult(id, readFileSnippet(f.abs, 30))
	return true
}

// edit plays an Edit tool round trip, rewriting a fragment that actually
// occurs in the file.
func (t *turn) edit(f wsFile) bool {
	if !t.pause() {
		return false
	}
	oldStr, newStr := pickEditableFragment(f.abs)
	id := nextToolID()
	t.e.toolUse(t.model, id, claudecode.ToolEdit, map[string]any{
		"file_path":  f.abs,
		"old_string": oldStr,
		"new_string": newStr,
	})
	if !t.pause() {
		return false
	}
	t.e.toolResult(id, "The file "+f.abs+" has been updated.")
	return true
}

func (t *turn) exec(command, output string) bool {
	if !t.pause() {
		return false
	}
	id := nextToolID()
	t.e.toolUse(t.model, id, claudecode.ToolBash, map[string]any{
		"command":     command,
		"description": "Run the test suite",
	})
	if !t.pause() {
		return false
	}
	t.e.toolResult(id, output)
	return true
}

func (t *turn) search(pattern string) bool {
	if !t.pause() {
		return false
	}
	id := nextToolID()
	t.e.toolUse(t.model, id, claudecode.ToolGrep, map[string]any{"pattern": pattern})
	if !t.pause() {
		return false
	}
	t.e.toolResult(id, strings.Join(searchHits(pattern, 3), "\n"))
	return true
}

func (t *turn) finish(summary string) {
	t.done = true
	t.e.result(summary)
}

func (t *turn) fail(message string) {
	t.done = true
	t.e.errorResult(message)
}

// failTurn ends with an error result, for retry and escalation testing.
func (t *turn) failTurn() {
	if !t.say("Attempting the requested change...") {
		return
	}
	if !t.pause() {
		return
	}
	t.fail("mock failure: the requested change could not be applied")
}

// slowTurn stretches a turn over a configurable duration, for stop testing.
// A parseable duration anywhere in the prompt overrides the default.
func (t *turn) slowTurn() {
	total := defaultSlowDuration
	for _, field := range strings.Fields(t.prompt) {
		if d, err := time.ParseDuration(field); err == nil && d > 0 {
			total = d
			break
		}
	}

	const steps = 5
	stepDelay := total / steps
	if !t.say(fmt.Sprintf("Working slowly, this will take about %s.", total)) {
		return
	}
	for i := 1; i < steps; i++ {
		if !t.wait(stepDelay) {
			return
		}
		t.e.text(t.model, fmt.Sprintf("Still working (step %d of %d)...", i, steps-1))
	}
	if !t.wait(stepDelay) {
		return
	}
	t.finish(fmt.Sprintf("Finished the slow run after %s.", total))
}

// codeTurn reads, edits, and verifies a real workspace file.
func (t *turn) codeTurn() {
	f := randomWorkspaceFile()
	if !t.say("I'll take care of that. Let me look at the current code first.") {
		return
	}
	if !t.read(f) {
		return
	}
	if !t.think("The change is localized to " + f.rel + "; a single edit covers it.") {
		return
	}
	if !t.edit(f) {
		return
	}
	if !t.exec("go test ./...", "ok  \tproject\t0.31s\nPASS") {
		return
	}
	if !t.say("Change applied and the tests pass.") {
		return
	}
	t.finish("Edited " + f.rel + " as requested; the test suite passes.")
}

// searchTurn plays a code search.
func (t *turn) searchTurn() {
	if !t.say("Searching the codebase.") {
		return
	}
	if !t.search("func ") {
		return
	}
	if !t.say("Found the relevant definitions.") {
		return
	}
	t.finish("Search complete; matches are listed above.")
}

// exploreTurn is the default: look around and report back.
func (t *turn) exploreTurn() {
	f := randomWorkspaceFile()
	if !t.think("Looking over the project to answer that.") {
		return
	}
	if !t.read(f) {
		return
	}
	if !t.say("I reviewed " + f.rel + " and the surrounding code. Everything needed for this request is in place.") {
		return
	}
	t.finish("Reviewed the relevant code; notes are above.")
}
