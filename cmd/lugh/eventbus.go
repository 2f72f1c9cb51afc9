package main

import (
	"github.com/lugh-dev/lugh/internal/common/config"
	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/events"
	"github.com/lugh-dev/lugh/internal/events/bus"
)

// provideEventBus creates the in-process event bus, bridged to NATS when a
// server URL is configured.
func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	return events.Provide(cfg, log)
}
