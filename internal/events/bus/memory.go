package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/common/logger"
)

// MemoryEventBus implements EventBus in process. Each subscription has its
// own mailbox and delivery goroutine, so a slow handler never blocks the
// publisher or other subscribers, and events arrive in publish order.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler EventHandler

	mu     sync.Mutex
	active bool
	queue  []delivery
	wake   chan struct{}
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish enqueues the event for every matching subscription.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	// Handlers outlive the publisher's request.
	ctx = context.WithoutCancel(ctx)
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if matches(subject, pattern, sub.pattern) {
				sub.enqueue(delivery{ctx: ctx, subject: subject, event: event})
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
		wake:    make(chan struct{}, 1),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription. Events already queued are dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until Close is called
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.bus.subscriptions[s.subject]) == 0 {
			delete(s.bus.subscriptions, s.subject)
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) enqueue(d delivery) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.signal()
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *memorySubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events one at a time until the subscription ends.
func (s *memorySubscription) run() {
	for {
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.handler(d.ctx, d.event); err != nil {
			s.bus.logger.Error("Event handler error",
				zap.String("subject", d.subject),
				zap.Error(err))
		}
	}
}

// matches checks if a subject matches a pattern
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex, or nil when the
// pattern has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
