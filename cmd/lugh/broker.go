package main

import (
	"context"
	"fmt"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events/bus"
	"github.com/lugh-dev/lugh/internal/pubsub"
)

// provideBroker creates the persistent pub/sub broker. On PostgreSQL the
// transport rides LISTEN/NOTIFY so notifications reach external worker
// processes; on SQLite it rides the event bus, which spans processes only
// when NATS is configured.
func provideBroker(storage *Storage, eventBus bus.EventBus, log *logger.Logger) (*pubsub.Broker, func() error, error) {
	store, err := pubsub.NewSQLiteStore(storage.Pool)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize message store: %w", err)
	}

	factory := func(deliver pubsub.DeliverFunc) pubsub.Transport {
		if storage.Listener != nil {
			return pubsub.NewPostgresTransport(storage.Listener, deliver, log)
		}
		return pubsub.NewBusTransport(eventBus, deliver)
	}

	broker := pubsub.NewBroker(store, factory, log)
	cleanup := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return broker.Shutdown(ctx)
	}
	return broker, cleanup, nil
}
