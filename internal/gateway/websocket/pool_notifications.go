package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
	ws "github.com/lugh-dev/lugh/pkg/websocket"
)

// PoolEventBroadcaster bridges pool lifecycle events from the bus to the
// hub. Task lifecycle, agent, and isolation events go to every client;
// result chunks go only to the task's subscribers.
type PoolEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterPoolNotifications subscribes the hub to pool events on the bus.
// The broadcaster closes itself when ctx ends.
func RegisterPoolNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *PoolEventBroadcaster {
	b := &PoolEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-pool-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.TaskEnqueued, ws.ActionTaskEnqueued)
	b.subscribe(eventBus, events.TaskAssigned, ws.ActionTaskAssigned)
	b.subscribe(eventBus, events.TaskRunning, ws.ActionTaskRunning)
	b.subscribe(eventBus, events.TaskCompleted, ws.ActionTaskCompleted)
	b.subscribe(eventBus, events.TaskFailed, ws.ActionTaskFailed)
	b.subscribe(eventBus, events.TaskReassigned, ws.ActionTaskReassigned)
	b.subscribe(eventBus, events.BuildTaskResultWildcardSubject(), ws.ActionTaskResult)
	b.subscribe(eventBus, events.AgentRegistered, ws.ActionAgentRegistered)
	b.subscribe(eventBus, events.AgentHeartbeat, ws.ActionAgentHeartbeat)
	b.subscribe(eventBus, events.AgentOffline, ws.ActionAgentOffline)
	b.subscribe(eventBus, events.IsolationCreated, ws.ActionIsolationCreated)
	b.subscribe(eventBus, events.IsolationAdopted, ws.ActionIsolationAdopted)
	b.subscribe(eventBus, events.IsolationDestroyed, ws.ActionIsolationDestroyed)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from all bus subjects.
func (b *PoolEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *PoolEventBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}

		// Result chunks are high volume; only subscribers see them.
		if action == ws.ActionTaskResult {
			taskID, _ := event.Data["task_id"].(string)
			if taskID != "" {
				b.hub.BroadcastToTask(taskID, msg)
			}
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
