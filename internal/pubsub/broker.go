package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
)

// Handler receives messages published to a subscribed channel. Handlers run
// concurrently with each other and with the publisher.
type Handler func(ctx context.Context, channel string, payload []byte)

// TransportFactory builds the delivery transport around the broker's
// dispatch callback.
type TransportFactory func(deliver DeliverFunc) Transport

// Broker is the persistent pub/sub fabric. Every publish is recorded in the
// message store (best effort) and then pushed through the transport; local
// subscribers receive whatever the transport delivers, including messages
// published by other processes sharing the same database.
type Broker struct {
	store     Store
	transport Transport
	logger    *logger.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]Handler
	closed   bool
}

// NewBroker creates a broker persisting to store and delivering through the
// transport built by the factory.
func NewBroker(store Store, build TransportFactory, log *logger.Logger) *Broker {
	b := &Broker{
		store:    store,
		logger:   log.WithFields(zap.String("component", "pubsub")),
		handlers: make(map[string]map[string]Handler),
	}
	b.transport = build(b.dispatch)
	return b
}

// Publish records the message and notifies all subscribers of the channel.
// The channel name is canonicalized first, so "agent-stop:42" and
// "agent_stop_42" address the same channel. Persistence failures are logged
// and do not block delivery.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBrokerClosed
	}

	canonical := CanonicalChannel(channel)
	if canonical == "" {
		return ErrEmptyChannel
	}

	if len(payload) > MaxNotifyPayload {
		b.logger.Warn("payload exceeds notify size limit",
			zap.String("channel", canonical),
			zap.Int("size", len(payload)),
			zap.Int("limit", MaxNotifyPayload))
	}

	if err := b.store.SaveMessage(ctx, canonical, payload); err != nil {
		b.logger.Warn("failed to persist message",
			zap.String("channel", canonical),
			zap.Error(err))
	}

	return b.transport.Notify(ctx, canonical, payload)
}

// Subscribe registers a handler for the channel and returns an unsubscribe
// function. The first subscriber on a channel opens the transport listen;
// the last one to leave closes it.
func (b *Broker) Subscribe(channel string, handler Handler) (func(), error) {
	canonical := CanonicalChannel(channel)
	if canonical == "" {
		return nil, ErrEmptyChannel
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}

	id := uuid.New().String()
	first := len(b.handlers[canonical]) == 0
	if b.handlers[canonical] == nil {
		b.handlers[canonical] = make(map[string]Handler)
	}
	b.handlers[canonical][id] = handler
	b.mu.Unlock()

	if first {
		if err := b.transport.Listen(canonical); err != nil {
			b.mu.Lock()
			delete(b.handlers[canonical], id)
			if len(b.handlers[canonical]) == 0 {
				delete(b.handlers, canonical)
			}
			b.mu.Unlock()
			return nil, err
		}
	}

	return func() { b.unsubscribe(canonical, id) }, nil
}

// Recent returns the most recent persisted messages on the channel, newest
// first.
func (b *Broker) Recent(ctx context.Context, channel string, limit int) ([]*Message, error) {
	canonical := CanonicalChannel(channel)
	if canonical == "" {
		return nil, ErrEmptyChannel
	}
	return b.store.RecentMessages(ctx, canonical, limit)
}

// PurgeOlderThan deletes persisted messages older than the given age and
// returns how many were removed.
func (b *Broker) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return b.store.PurgeOlderThan(ctx, age)
}

// Shutdown closes the transport and rejects further publishes and
// subscriptions with ErrBrokerClosed.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]map[string]Handler)
	b.mu.Unlock()

	return b.transport.Close(ctx)
}

func (b *Broker) unsubscribe(channel, id string) {
	b.mu.Lock()
	subs, ok := b.handlers[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(b.handlers, channel)
	}
	closed := b.closed
	b.mu.Unlock()

	if last && !closed {
		if err := b.transport.Unlisten(channel); err != nil {
			b.logger.Warn("failed to stop listening",
				zap.String("channel", channel),
				zap.Error(err))
		}
	}
}

// dispatch fans a delivered message out to the channel's handlers, each on
// its own goroutine.
func (b *Broker) dispatch(channel string, payload []byte) {
	b.mu.RLock()
	subs := b.handlers[channel]
	snapshot := make([]Handler, 0, len(subs))
	for _, h := range subs {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		go h(context.Background(), channel, payload)
	}
}
