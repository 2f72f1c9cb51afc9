package main

import (
	"context"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events/bus"
	gateways "github.com/lugh-dev/lugh/internal/gateway/websocket"
	"github.com/lugh-dev/lugh/internal/orchestrator"
	"github.com/lugh-dev/lugh/internal/platform"
	ws "github.com/lugh-dev/lugh/pkg/websocket"
)

// provideGateway creates the WebSocket gateway, registers the inbound
// handlers, and attaches the bus broadcasters that fan task and conversation
// events out to subscribed clients.
func provideGateway(
	ctx context.Context,
	log *logger.Logger,
	eventBus bus.EventBus,
	pool *PoolServices,
	orch *orchestrator.Orchestrator,
	adapter platform.Adapter,
) (*gateways.Gateway, error) {
	gateway := gateways.NewGateway(log)

	gateways.RegisterPoolStatusHandler(gateway.Dispatcher, pool.Coordinator)
	gateways.RegisterConversationSendHandler(gateway.Dispatcher, orch, adapter, log)

	// Late subscribers replay a task's stored chunks before live results.
	gateway.Hub.SetResultHistoryProvider(func(ctx context.Context, taskID string) ([]*ws.Message, error) {
		chunks, err := pool.Queue.GetResults(ctx, taskID)
		if err != nil {
			return nil, err
		}
		messages := make([]*ws.Message, 0, len(chunks))
		for _, chunk := range chunks {
			msg, err := ws.NewNotification(ws.ActionTaskResult, map[string]interface{}{
				"task_id":    chunk.TaskID,
				"chunk_type": chunk.ChunkType,
				"content":    chunk.Content,
			})
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		}
		return messages, nil
	})

	go gateway.Hub.Run(ctx)
	gateways.RegisterPoolNotifications(ctx, eventBus, gateway.Hub, log)
	gateways.RegisterConversationNotifications(ctx, eventBus, gateway.Hub, log)

	return gateway, nil
}
