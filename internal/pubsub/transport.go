package pubsub

import (
	"context"
	"sync"

	"github.com/lugh-dev/lugh/internal/events/bus"
)

// Transport moves notifications between processes. Channel names handed to a
// transport are already canonical.
type Transport interface {
	// Notify delivers a payload to every listener of the channel.
	Notify(ctx context.Context, channel string, payload []byte) error

	// Listen starts delivering the channel's notifications to the
	// transport's delivery callback.
	Listen(channel string) error

	// Unlisten stops delivery for the channel.
	Unlisten(channel string) error

	// Close releases all transport resources.
	Close(ctx context.Context) error
}

// DeliverFunc receives one notification from a transport.
type DeliverFunc func(channel string, payload []byte)

// busSubjectPrefix namespaces pub/sub traffic on the shared event bus.
const busSubjectPrefix = "pubsub."

// BusTransport adapts the in-process event bus (memory or NATS) as a pub/sub
// transport. With NATS configured this spans processes; with the memory bus
// it serves single-process deployments on SQLite.
type BusTransport struct {
	bus     bus.EventBus
	deliver DeliverFunc

	mu   sync.Mutex
	subs map[string]bus.Subscription
}

// NewBusTransport creates a transport over the given event bus.
func NewBusTransport(eventBus bus.EventBus, deliver DeliverFunc) *BusTransport {
	return &BusTransport{
		bus:     eventBus,
		deliver: deliver,
		subs:    make(map[string]bus.Subscription),
	}
}

// Notify publishes the payload on the channel's bus subject.
func (t *BusTransport) Notify(ctx context.Context, channel string, payload []byte) error {
	event := bus.NewEvent("pubsub.notify", "pubsub", map[string]interface{}{
		"payload": string(payload),
	})
	return t.bus.Publish(ctx, busSubjectPrefix+channel, event)
}

// Listen subscribes the channel's bus subject once.
func (t *BusTransport) Listen(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[channel]; ok {
		return nil
	}

	sub, err := t.bus.Subscribe(busSubjectPrefix+channel, func(ctx context.Context, event *bus.Event) error {
		payload, _ := event.Data["payload"].(string)
		t.deliver(channel, []byte(payload))
		return nil
	})
	if err != nil {
		return err
	}
	t.subs[channel] = sub
	return nil
}

// Unlisten drops the channel's bus subscription.
func (t *BusTransport) Unlisten(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[channel]
	if !ok {
		return nil
	}
	delete(t.subs, channel)
	return sub.Unsubscribe()
}

// Close unsubscribes every channel. The underlying bus is shared and stays open.
func (t *BusTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for channel, sub := range t.subs {
		_ = sub.Unsubscribe()
		delete(t.subs, channel)
	}
	return nil
}

// Ensure BusTransport implements Transport interface.
var _ Transport = (*BusTransport)(nil)
