// Package conversation persists chat conversations, registered codebases,
// and assistant sessions.
//
// A conversation is one chat context on one platform (a Telegram chat, a
// Slack thread). It optionally points at a codebase and an isolation
// environment, and carries at most one active assistant session at a time.
package conversation

import "time"

// Conversation is one chat context bound to a platform conversation ID.
type Conversation struct {
	ID                     string    `json:"id" db:"id"`
	PlatformType           string    `json:"platform_type" db:"platform_type"`
	PlatformConversationID string    `json:"platform_conversation_id" db:"platform_conversation_id"`
	CodebaseID             string    `json:"codebase_id,omitempty" db:"codebase_id"`
	IsolationEnvID         string    `json:"isolation_env_id,omitempty" db:"isolation_env_id"`
	Cwd                    string    `json:"cwd,omitempty" db:"cwd"`
	ParentID               string    `json:"parent_id,omitempty" db:"parent_id"`
	Verbose                bool      `json:"verbose" db:"verbose"`
	LastActivityAt         time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
}

// Codebase is a cloned repository registered with the platform.
type Codebase struct {
	ID            string            `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"` // owner/repo
	RemoteURL     string            `json:"remote_url" db:"remote_url"`
	Path          string            `json:"path" db:"path"` // canonical clone directory
	AssistantKind string            `json:"assistant_kind,omitempty" db:"assistant_kind"`
	Commands      map[string]string `json:"commands,omitempty"` // command name -> file path relative to the clone
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// Session is one assistant session handle. The external ID is the backend's
// resume token; metadata carries orchestration breadcrumbs such as the last
// invoked command.
type Session struct {
	ID             string            `json:"id" db:"id"`
	ConversationID string            `json:"conversation_id" db:"conversation_id"`
	CodebaseID     string            `json:"codebase_id,omitempty" db:"codebase_id"`
	Kind           string            `json:"kind" db:"kind"`
	ExternalID     string            `json:"external_id,omitempty" db:"external_id"`
	Active         bool              `json:"active" db:"active"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// MetaLastCommand is the session metadata key recording the most recent
// codebase command invoked in the session.
const MetaLastCommand = "lastCommand"
