package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
)

// MemoryEventBus is the single-process EventBus. Delivery is synchronous
// and in publish order, which streamed conversation content depends on.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSubscription
	groups map[string]*queueRing
	closed bool
	logger *logger.Logger
}

// memSubscription is one registered handler. pattern is non-nil only
// when the subject carries wildcards.
type memSubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	group   string

	mu     sync.Mutex
	active bool
}

// queueRing rotates delivery across the members of one queue group.
type queueRing struct {
	mu      sync.Mutex
	members []*memSubscription
	next    int
}

func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memSubscription),
		groups: make(map[string]*queueRing),
		logger: log,
	}
}

// Subscribe registers handler for every event matching subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe registers handler as a member of the named queue group;
// each matching event goes to exactly one member.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memSubscription{
		bus:     b,
		subject: subject,
		pattern: compileSubject(subject),
		handler: handler,
		group:   queue,
		active:  true,
	}
	b.subs[subject] = append(b.subs[subject], sub)

	if queue != "" {
		key := groupKey(queue, subject)
		ring, ok := b.groups[key]
		if !ok {
			ring = &queueRing{}
			b.groups[key] = ring
		}
		ring.members = append(ring.members, sub)
		b.logger.Info("Queue subscribed to subject",
			zap.String("subject", subject),
			zap.String("queue", queue))
	} else {
		b.logger.Info("Subscribed to subject", zap.String("subject", subject))
	}
	return sub, nil
}

// Publish delivers event to every matching subscriber, and to one member
// per matching queue group. Handlers are collected under the lock and
// invoked outside it, so a handler may publish or subscribe itself.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var handlers []EventHandler
	seenGroups := make(map[string]bool)
	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if !sub.IsValid() || !subjectMatches(subject, pattern, sub.pattern) {
				continue
			}
			if sub.group == "" {
				handlers = append(handlers, sub.handler)
				continue
			}
			key := groupKey(sub.group, pattern)
			if seenGroups[key] {
				continue
			}
			seenGroups[key] = true
			if h := b.groups[key].take(); h != nil {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Request publishes event with a reply inbox in Data["_reply"] and waits
// for the first event published there.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := fmt.Sprintf("_INBOX.%s", event.ID)
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(ctx context.Context, e *Event) error {
		select {
		case replies <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data["_reply"] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription. Further calls error.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subs = make(map[string][]*memSubscription)
	b.groups = make(map[string]*queueRing)

	b.logger.Info("Memory event bus closed")
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memSubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *memSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Unsubscribe deactivates the subscription and removes it from the bus
// and its queue group.
func (s *memSubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if s.group != "" {
		if ring, ok := s.bus.groups[groupKey(s.group, s.subject)]; ok {
			ring.remove(s)
		}
	}
	return nil
}

// take returns the next active member's handler, round-robin, or nil
// when the ring has no active members.
func (r *queueRing) take() EventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(r.members); i++ {
		idx := (r.next + i) % len(r.members)
		if sub := r.members[idx]; sub.IsValid() {
			r.next = (idx + 1) % len(r.members)
			return sub.handler
		}
	}
	return nil
}

func (r *queueRing) remove(s *memSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, member := range r.members {
		if member == s {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

func groupKey(queue, subject string) string {
	return queue + ":" + subject
}

// subjectMatches applies NATS-style matching: "*" matches one token,
// ">" matches the rest of the subject.
func subjectMatches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compileSubject turns a wildcard subject into a regexp, or nil for
// literal subjects.
func compileSubject(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves > alone, it is not a regex metacharacter.
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
