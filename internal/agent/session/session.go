// Package session defines the contract between the platform and an AI
// assistant process: submit a prompt, consume a finite stream of events,
// and keep a session handle for resumption.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrNoResult is reported when the assistant stream ends without a result
// event, which means the run died before producing an answer.
var ErrNoResult = errors.New("session ended without a result")

// EventType classifies stream events.
type EventType string

const (
	// EventAssistant carries a chunk of assistant text.
	EventAssistant EventType = "assistant"
	// EventTool announces a tool invocation.
	EventTool EventType = "tool"
	// EventResult is the final event of a successful run.
	EventResult EventType = "result"
)

// Event is one item in a session stream.
type Event struct {
	Type      EventType
	Content   string
	ToolName  string
	ToolInput map[string]any
	SessionID string
	IsError   bool
}

// Query is one prompt submission.
type Query struct {
	Prompt string
	Cwd    string
	// PreviousSessionID resumes an earlier session when set.
	PreviousSessionID string
}

// Runner starts assistant runs. Implementations: CLIRunner (real CLI
// process) and MockRunner (scripted, for tests).
type Runner interface {
	SendQuery(ctx context.Context, q Query) (*Stream, error)
}

// Stream is a finite sequence of events. Consume Events() until it closes,
// then check Err(): nil means a result event arrived; ErrNoResult or a
// process error otherwise.
type Stream struct {
	events chan Event
	closed chan struct{}

	mu  sync.Mutex
	err error
}

func newStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Events returns the event channel. It is closed when the run ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports why the stream ended. Only meaningful after Events() closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// emit delivers an event. Returns false when the run context is cancelled
// or the stream is finished, so producers never block on an abandoned
// consumer.
func (s *Stream) emit(ctx context.Context, ev Event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

// finish records the terminal error and closes the event channel. All emits
// happen on one producer goroutine and finish runs only after it stops.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.closed)
	close(s.events)
}
