package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
	ws "github.com/lugh-dev/lugh/pkg/websocket"
)

// ConversationEventBroadcaster bridges conversation replies and aborts from
// the bus to the hub, targeted at the conversation's subscribers.
type ConversationEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterConversationNotifications subscribes the hub to conversation
// events on the bus. The broadcaster closes itself when ctx ends.
func RegisterConversationNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *ConversationEventBroadcaster {
	b := &ConversationEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-conversation-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildConversationReplyWildcardSubject(), ws.ActionConversationReply)
	b.subscribe(eventBus, events.ConversationAborted, ws.ActionConversationAborted)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from all bus subjects.
func (b *ConversationEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *ConversationEventBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}

		conversationID, _ := event.Data["conversation_id"].(string)
		if conversationID != "" {
			b.hub.BroadcastToConversation(conversationID, msg)
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
