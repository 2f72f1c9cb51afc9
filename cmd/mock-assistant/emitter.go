package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/lugh-dev/lugh/pkg/claudecode"
)

// emitter serializes protocol messages onto stdout. The mutex keeps the turn
// goroutine and the control-request handler from interleaving lines.
type emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEmitter(w io.Writer) *emitter {
	return &emitter{enc: json.NewEncoder(w)}
}

func (e *emitter) send(msg *claudecode.CLIMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(msg)
}

// system announces the session at the start of a turn.
func (e *emitter) system() {
	e.send(&claudecode.CLIMessage{
		Type:          claudecode.MessageTypeSystem,
		SessionID:     sessionID,
		SessionStatus: "active",
	})
}

// assistant emits one assistant message carrying the given content blocks.
func (e *emitter) assistant(model string, blocks ...claudecode.ContentBlock) {
	content, _ := json.Marshal(blocks)
	e.send(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{
			Role:    "assistant",
			Content: content,
			Model:   model,
			Usage:   &claudecode.Usage{InputTokens: 2048, OutputTokens: 256},
		},
	})
}

func (e *emitter) text(model, text string) {
	e.assistant(model, claudecode.ContentBlock{Type: "text", Text: text})
}

func (e *emitter) thinking(model, thought string) {
	e.assistant(model, claudecode.ContentBlock{Type: "thinking", Thinking: thought})
}

func (e *emitter) toolUse(model, id, name string, input map[string]any) {
	e.assistant(model, claudecode.ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input})
}

// toolResult emits the user-role message the CLI prints after running a tool.
func (e *emitter) toolResult(toolUseID, output string) {
	raw, _ := json.Marshal(output)
	content, _ := json.Marshal([]claudecode.ContentBlock{
		{Type: "tool_result", ToolUseID: toolUseID, Content: raw},
	})
	e.send(&claudecode.CLIMessage{
		Type:    claudecode.MessageTypeUser,
		Message: &claudecode.AssistantMessage{Role: "user", Content: content},
	})
}

// result ends a successful turn. The payload is the object form so readers
// exercise the ResultData path.
func (e *emitter) result(text string) {
	raw, _ := json.Marshal(claudecode.ResultData{Text: text, SessionID: sessionID})
	e.send(&claudecode.CLIMessage{
		Type:              claudecode.MessageTypeResult,
		Subtype:           "success",
		Result:            raw,
		CostUSD:           0.0021,
		DurationMS:        1800,
		DurationAPIMS:     1500,
		NumTurns:          1,
		TotalInputTokens:  2048,
		TotalOutputTokens: 256,
		ModelUsage:        mockModelUsage(),
	})
}

// errorResult ends a failed or interrupted turn. The payload is the string
// form the CLI uses for error results.
func (e *emitter) errorResult(message string) {
	raw, _ := json.Marshal(message)
	e.send(&claudecode.CLIMessage{
		Type:       claudecode.MessageTypeResult,
		Subtype:    "error_during_execution",
		Result:     raw,
		IsError:    true,
		DurationMS: 900,
		NumTurns:   1,
	})
}

// controlAck answers a control request. The request id rides inside the
// response object, which is where readers of CLI output expect it.
func (e *emitter) controlAck(requestID string, init *claudecode.InitializeResponseData) {
	e.send(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeControlResponse,
		Response: &claudecode.IncomingControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  init,
		},
	})
}

func mockModelUsage() map[string]claudecode.ModelUsageStats {
	window := int64(200000)
	return map[string]claudecode.ModelUsageStats{
		"mock-default": {ContextWindow: &window},
	}
}
