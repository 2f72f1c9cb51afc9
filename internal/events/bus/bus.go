// Package bus defines the in-process event bus the services coordinate
// over, with an in-memory implementation for single-process deployments
// and a NATS-backed one for multi-process ones.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Source names the service that
// published it, Data carries the type-specific fields.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with an ID and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Returning an error is
// logged by the bus but does not retry delivery.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe contract shared by the memory and
// NATS implementations. Subjects are dot-separated and may end in a
// ".*" wildcard on subscribe.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to one member of the named
	// queue group instead of every subscriber.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes and waits for a single reply on the event's
	// reply subject, or times out.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	Close()

	IsConnected() bool
}
