package orchestrator

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/agent/session"
	"github.com/lugh-dev/lugh/internal/common/stringutil"
	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/platform"
)

// assistantErrorLimit caps how much of an assistant-reported error is kept
// on the internal error.
const assistantErrorLimit = 2000

// streamOutcome is what one assistant run produced.
type streamOutcome struct {
	// batchText is the accumulated response in batch mode; empty in stream
	// mode, where chunks were already forwarded.
	batchText string
	// writtenFiles are paths file-writing tools touched, in first-write order.
	writtenFiles []string
	// resumeID is the backend's session handle from the result event.
	resumeID string
}

// runStream submits the prompt and consumes the event stream, forwarding
// output per the adapter's streaming mode and auditing risky tool calls.
// The abort flag is polled at every event boundary; an aborted run returns
// what it accumulated so far with a nil error.
func (o *Orchestrator) runStream(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, sess *conversation.Session, prompt, cwd string, handle *abortHandle) (*streamOutcome, error) {
	stream, err := o.runner.SendQuery(ctx, session.Query{
		Prompt:            prompt,
		Cwd:               cwd,
		PreviousSessionID: sess.ExternalID,
	})
	if err != nil {
		return nil, err
	}

	mode := adapter.StreamingMode()
	out := &streamOutcome{}
	var text strings.Builder
	seenFiles := make(map[string]bool)
	var assistantErr string

	for ev := range stream.Events() {
		if handle.Aborted() {
			break
		}

		switch ev.Type {
		case session.EventAssistant:
			if ev.Content == "" {
				continue
			}
			if mode == platform.ModeStream {
				o.send(ctx, adapter, conv, ev.Content)
			} else {
				text.WriteString(ev.Content)
			}

		case session.EventTool:
			o.handleToolEvent(ctx, adapter, conv, sess, ev, mode, &text, seenFiles, out)

		case session.EventResult:
			out.resumeID = ev.SessionID
			if ev.IsError {
				assistantErr = ev.Content
				if assistantErr == "" {
					assistantErr = "assistant reported an error"
				}
			}
		}
	}

	out.batchText = text.String()

	if handle.Aborted() {
		return out, nil
	}
	if err := stream.Err(); err != nil {
		return out, err
	}

	// Persist the resume handle before surfacing an assistant error so the
	// session stays resumable either way.
	if out.resumeID != "" && out.resumeID != sess.ExternalID {
		if err := o.store.SetSessionExternalID(ctx, sess.ID, out.resumeID); err != nil {
			o.logger.Warn("Failed to persist session handle",
				zap.String("session_id", sess.ID), zap.Error(err))
		} else {
			sess.ExternalID = out.resumeID
		}
	}

	if assistantErr != "" {
		return out, errors.New(stringutil.TruncateStringWithEllipsis(assistantErr, assistantErrorLimit))
	}
	return out, nil
}

// handleToolEvent forwards the tool notification, tracks written files, and
// records the audit entry for risky tools.
func (o *Orchestrator) handleToolEvent(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, sess *conversation.Session, ev session.Event, mode platform.Mode, text *strings.Builder, seenFiles map[string]bool, out *streamOutcome) {
	line := formatToolLine(ev)
	if mode == platform.ModeStream {
		if conv.Verbose {
			o.send(ctx, adapter, conv, line)
		}
	} else {
		text.WriteString("\n" + line + "\n")
	}

	if fp := writtenFilePath(ev); fp != "" && !seenFiles[fp] {
		seenFiles[fp] = true
		out.writtenFiles = append(out.writtenFiles, fp)
	}

	level := riskLevel(ev.ToolName, ev.ToolInput)
	if level == "" {
		return
	}

	status := ApprovalLogged
	if o.cfg.BlockingApprovals && level == RiskHigh {
		status = ApprovalPendingReview
	}
	if err := o.approvals.Record(ctx, &Approval{
		ConversationID: conv.ID,
		SessionID:      sess.ID,
		ToolName:       ev.ToolName,
		Detail:         stringutil.TruncateStringWithEllipsis(toolDetail(ev.ToolInput), 500),
		RiskLevel:      level,
		Status:         status,
	}); err != nil {
		o.logger.Warn("Failed to record tool audit entry",
			zap.String("conversation_id", conv.ID),
			zap.String("tool", ev.ToolName),
			zap.Error(err))
	}

	if o.cfg.NotifyOnRiskTools && level == RiskHigh {
		o.send(ctx, adapter, conv, riskLinePrefix+"High-risk tool call - "+strings.TrimPrefix(line, toolLinePrefix))
	}
}

// send delivers text to the conversation's platform thread, logging rather
// than propagating failures: a reply that cannot be delivered must never
// kill the pipeline.
func (o *Orchestrator) send(ctx context.Context, adapter platform.Adapter, conv *conversation.Conversation, text string) {
	if text == "" {
		return
	}
	if err := adapter.SendMessage(ctx, conv.PlatformConversationID, text); err != nil {
		o.logger.Warn("Failed to send message",
			zap.String("conversation_id", conv.ID),
			zap.String("platform", conv.PlatformType),
			zap.Error(err))
	}
}
