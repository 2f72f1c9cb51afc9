// Package queue implements the persistent task queue the agent pool runs on.
//
// Tasks are claimed by competing workers with row-level locking on Postgres
// (FOR UPDATE SKIP LOCKED) and through the single-writer connection on
// SQLite. Streaming output is appended as ordered result chunks while a task
// runs.
package queue

import (
	"encoding/json"
	"time"
)

// Status of a task in the queue.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority bounds. 1 is served first.
const (
	HighestPriority = 1
	DefaultPriority = 5
	LowestPriority  = 10
)

// Task is one unit of pool work.
type Task struct {
	ID              string          `json:"id" db:"id"`
	ConversationID  string          `json:"conversation_id,omitempty" db:"conversation_id"`
	TaskType        string          `json:"task_type" db:"task_type"`
	Priority        int             `json:"priority" db:"priority"`
	Status          Status          `json:"status" db:"status"`
	Payload         json.RawMessage `json:"payload,omitempty" db:"payload"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	Error           string          `json:"error,omitempty" db:"error"`
	Result          json.RawMessage `json:"result,omitempty" db:"result"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// EnqueueRequest describes a task submission.
type EnqueueRequest struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	TaskType       string          `json:"task_type"`
	Priority       int             `json:"priority,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// TaskPayload is the conventional payload for agent-executed tasks.
// Submitters marshal it into EnqueueRequest.Payload; workers decode it back.
// The queue itself never inspects payloads, so other task types are free to
// carry a different shape.
type TaskPayload struct {
	// Description is a short human-readable summary, used in recovery
	// escalations and logs.
	Description string `json:"description,omitempty"`
	// Prompt is the instruction handed to the assistant session. When empty,
	// Description is used instead.
	Prompt string `json:"prompt,omitempty"`
	// Cwd is the working directory for the session, typically an isolation
	// worktree path.
	Cwd string `json:"cwd,omitempty"`
	// SessionID resumes a previous assistant session when set.
	SessionID string `json:"session_id,omitempty"`
}

// ChunkType classifies a streamed result chunk.
type ChunkType string

const (
	ChunkText     ChunkType = "chunk"
	ChunkToolCall ChunkType = "tool_call"
	ChunkComplete ChunkType = "complete"
	ChunkError    ChunkType = "error"
)

// ResultChunk is one streamed piece of task output, ordered by insertion.
type ResultChunk struct {
	Seq       int64     `json:"seq" db:"seq"`
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	ChunkType ChunkType `json:"chunk_type" db:"chunk_type"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Stats summarizes queue depth by status.
type Stats struct {
	Queued    int `json:"queued"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
