package platform

import (
	"context"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
)

// LocalAdapter publishes replies onto the event bus as conversation.reply
// events. The WebSocket gateway forwards them to connected clients, so a
// browser session behaves like any other chat platform.
type LocalAdapter struct {
	bus    bus.EventBus
	mode   Mode
	logger *logger.Logger
}

var _ Adapter = (*LocalAdapter)(nil)

// NewLocalAdapter creates a bus-backed adapter. Mode defaults to streaming.
func NewLocalAdapter(eventBus bus.EventBus, mode Mode, log *logger.Logger) *LocalAdapter {
	if mode == "" {
		mode = ModeStream
	}
	return &LocalAdapter{
		bus:    eventBus,
		mode:   mode,
		logger: log.WithFields(zap.String("component", "platform-local")),
	}
}

func (a *LocalAdapter) PlatformType() string {
	return TypeLocal
}

func (a *LocalAdapter) StreamingMode() Mode {
	return a.mode
}

// SendMessage publishes the text on the conversation's reply subject.
func (a *LocalAdapter) SendMessage(ctx context.Context, conversationID, text string) error {
	event := bus.NewEvent(events.ConversationReply, "platform-local", map[string]interface{}{
		"conversation_id": conversationID,
		"text":            text,
	})
	return a.bus.Publish(ctx, events.BuildConversationReplySubject(conversationID), event)
}

// SendFile publishes a file reference. Local clients read the path
// directly; there is no upload step.
func (a *LocalAdapter) SendFile(ctx context.Context, conversationID, path, caption string) error {
	event := bus.NewEvent(events.ConversationReply, "platform-local", map[string]interface{}{
		"conversation_id": conversationID,
		"file_path":       path,
		"caption":         caption,
	})
	return a.bus.Publish(ctx, events.BuildConversationReplySubject(conversationID), event)
}
