package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/appctx"
	"github.com/lugh-dev/lugh/internal/common/stringutil"
	"github.com/lugh-dev/lugh/internal/pool/queue"
	"github.com/lugh-dev/lugh/internal/pool/recovery"
)

// failureMessageLimit caps how much assistant output lands in the task's
// error column. The full transcript stays in the result chunks.
const failureMessageLimit = 2000

// execute drives the task to a terminal state, retrying failed attempts with
// recovery guidance until the retry policy escalates. Two interruptions are
// told apart by the recorded stop reason: a stop request fails the task,
// while plain shutdown leaves the row assigned so the coordinator's
// stuck-task sweep can requeue it.
func (w *Worker) execute(ctx context.Context, task *queue.Task) {
	var spec queue.TaskPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &spec); err != nil {
			w.persistFailure(task.ID, fmt.Sprintf("invalid task payload: %v", err))
			return
		}
	}
	prompt := spec.Prompt
	if prompt == "" {
		prompt = spec.Description
	}
	if prompt == "" {
		w.persistFailure(task.ID, "task payload has no prompt")
		return
	}
	description := spec.Description
	if description == "" {
		description = stringutil.TruncateStringWithEllipsis(prompt, 120)
	}

	var rc *recovery.RecoveryContext
	for {
		summary, runErr := w.runAttempt(ctx, task, spec, prompt, rc)
		if runErr == nil {
			w.recovery.ClearHistory(task.ID)
			w.complete(task.ID, summary)
			return
		}

		if reason := w.stopRequested(); reason != "" {
			w.logger.Info("Task stopped",
				zap.String("task_id", task.ID),
				zap.String("reason", reason))
			w.persistChunk(task.ID, queue.ChunkError, reason)
			w.persistFailure(task.ID, reason)
			return
		}
		if ctx.Err() != nil {
			w.logger.Warn("Task interrupted by shutdown, leaving for reassignment",
				zap.String("task_id", task.ID))
			return
		}

		decision := w.recovery.HandleFailure(task.ID, description, w.id, runErr.Error(), nil)
		if decision == nil || !decision.Retry {
			w.persistChunk(task.ID, queue.ChunkError, runErr.Error())
			w.persistFailure(task.ID, runErr.Error())
			return
		}
		rc = decision.Context
		w.logger.Info("Retrying task with recovery context",
			zap.String("task_id", task.ID),
			zap.Int("attempt", rc.AttemptNumber))
	}
}

// runAttempt runs one assistant session for the task. Assistant text and
// tool calls are appended to the task's result chunks as they stream.
func (w *Worker) runAttempt(ctx context.Context, task *queue.Task, spec queue.TaskPayload, prompt string, rc *recovery.RecoveryContext) (*ExecutionSummary, error) {
	w.setStep("starting session")
	before := w.captureGitState(ctx, spec.Cwd)

	stream, err := w.runner.SendQuery(ctx, session.Query{
		Prompt:            buildPrompt(prompt, rc),
		Cwd:               spec.Cwd,
		PreviousSessionID: spec.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	var (
		resultText  string
		sessionID   string
		resultIsErr bool
	)
	for ev := range stream.Events() {
		switch ev.Type {
		case session.EventAssistant:
			w.setStep("working")
			w.appendChunk(ctx, task.ID, queue.ChunkText, ev.Content)
		case session.EventTool:
			w.setStep(ev.ToolName)
			w.appendChunk(ctx, task.ID, queue.ChunkToolCall, formatToolCall(ev))
		case session.EventResult:
			resultText = ev.Content
			sessionID = ev.SessionID
			resultIsErr = ev.IsError
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if resultIsErr {
		msg := resultText
		if msg == "" {
			msg = "assistant reported an error"
		}
		return nil, errors.New(stringutil.TruncateStringWithEllipsis(msg, failureMessageLimit))
	}

	after := w.captureGitState(ctx, spec.Cwd)
	summary := w.summarize(ctx, spec.Cwd, before, after, resultText)
	summary.SessionID = sessionID

	w.persistChunk(task.ID, queue.ChunkComplete, "")
	return summary, nil
}

// appendChunk streams one chunk while the task runs. Append errors are
// tolerated; the chunk stream is advisory and the final result is what
// counts.
func (w *Worker) appendChunk(ctx context.Context, taskID string, kind queue.ChunkType, content string) {
	if err := w.queue.AddResult(ctx, taskID, kind, content); err != nil && ctx.Err() == nil {
		w.logger.Debug("Failed to append result chunk",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// complete records the final result. Detached from the run context so a
// result arriving during teardown still lands.
func (w *Worker) complete(taskID string, summary *ExecutionSummary) {
	ctx, cancel := appctx.Detached(nil, persistTimeout)
	defer cancel()

	data, err := json.Marshal(summary)
	if err != nil {
		w.logger.Error("Failed to encode execution summary", zap.Error(err))
		data = []byte("{}")
	}
	if err := w.queue.Complete(ctx, taskID, data); err != nil {
		if !errors.Is(err, queue.ErrTaskTerminal) {
			w.logger.Error("Failed to mark task completed",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
	w.logger.Info("Task completed",
		zap.String("task_id", taskID),
		zap.Int("commits_created", summary.CommitsCreated),
		zap.Int("files_modified", summary.FilesModified))
}

func (w *Worker) persistFailure(taskID, reason string) {
	ctx, cancel := appctx.Detached(nil, persistTimeout)
	defer cancel()
	w.failTask(ctx, taskID, reason)
}

func (w *Worker) persistChunk(taskID string, kind queue.ChunkType, content string) {
	ctx, cancel := appctx.Detached(nil, persistTimeout)
	defer cancel()
	if err := w.queue.AddResult(ctx, taskID, kind, content); err != nil {
		w.logger.Debug("Failed to append result chunk",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// buildPrompt prepends no guidance on the first attempt and folds the
// recovery context into the prompt on retries.
func buildPrompt(prompt string, rc *recovery.RecoveryContext) string {
	if rc == nil {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\nThis is attempt %d at this task. Earlier attempts failed.\n", rc.AttemptNumber)
	if len(rc.RecoveryHints) > 0 {
		b.WriteString("\nWhat went wrong before:\n")
		for _, hint := range rc.RecoveryHints {
			fmt.Fprintf(&b, "- %s\n", hint)
		}
	}
	if len(rc.WhatToAvoid) > 0 {
		b.WriteString("\nApproaches already tried, do not repeat them:\n")
		for _, approach := range rc.WhatToAvoid {
			fmt.Fprintf(&b, "- %s\n", approach)
		}
	}
	if len(rc.FailurePatterns) > 0 {
		fmt.Fprintf(&b, "\nRecurring failure patterns: %s\n", strings.Join(rc.FailurePatterns, ", "))
	}
	return b.String()
}

// formatToolCall renders a tool event as one display line, picking the most
// informative input field for context.
func formatToolCall(ev session.Event) string {
	detail := ""
	for _, key := range []string{"file_path", "path", "command", "pattern", "url", "query"} {
		if v, ok := ev.ToolInput[key].(string); ok && v != "" {
			detail = v
			break
		}
	}
	if detail == "" {
		return ev.ToolName
	}
	return fmt.Sprintf("%s: %s", ev.ToolName, stringutil.TruncateStringWithEllipsis(detail, 200))
}
