// Package platform defines the chat-platform contract the orchestrator
// replies through. Platform bots (Telegram, Slack, Discord, GitHub) live
// outside this repository and implement Adapter; in-tree there is a local
// adapter that publishes replies onto the event bus for the WebSocket
// gateway, and a test adapter that records traffic.
package platform

import "context"

// Mode selects how assistant output reaches the platform.
type Mode string

const (
	// ModeStream forwards assistant chunks as they arrive.
	ModeStream Mode = "stream"
	// ModeBatch accumulates the full response and sends it once.
	ModeBatch Mode = "batch"
)

// Known platform types.
const (
	TypeTelegram = "telegram"
	TypeSlack    = "slack"
	TypeDiscord  = "discord"
	TypeGitHub   = "github"
	TypeLocal    = "local"
	TypeTest     = "test"
)

// Adapter is one chat platform connection.
type Adapter interface {
	// PlatformType identifies the platform, e.g. "telegram".
	PlatformType() string

	// StreamingMode reports whether the platform takes streamed chunks or
	// one batched reply.
	StreamingMode() Mode

	// SendMessage delivers text to the conversation's thread. The text is
	// already within the platform limit; callers split long responses
	// before sending.
	SendMessage(ctx context.Context, conversationID, text string) error

	// SendFile delivers a file with an optional caption.
	SendFile(ctx context.Context, conversationID, path, caption string) error
}
