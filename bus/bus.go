// Package bus provides an in-process publish/subscribe registry mapping named
// topics to ordered handler lists. Delivery is synchronous on the emitter's
// goroutine and isolated per handler, so components can notify each other of
// job status changes without knowing who is listening.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler receives the data passed to Emit.
type Handler func(data any)

// Config configures a Bus.
type Config struct {
	// Logger receives handler fault reports (default: slog.Default()).
	Logger *slog.Logger
}

// Bus is a topic-keyed handler registry. The zero value is not usable; create
// one with New and pass it to the components that need it.
//
// Handler slices are copy-on-write: Subscribe and Close install a new slice,
// so an in-flight Emit keeps iterating the slice it captured.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*Subscription
	nextID uint64
	logger *slog.Logger
}

// New creates an empty Bus.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics: make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscription is one registration of a handler on a topic.
type Subscription struct {
	bus     *Bus
	topic   string
	id      uint64
	handler Handler
	once    sync.Once
}

// Subscribe registers h for topic and returns its Subscription. Registering
// the same handler twice yields two independent subscriptions, and each
// receives every emission. A nil handler returns an inert subscription.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:     b,
		topic:   topic,
		id:      b.nextID,
		handler: h,
	}
	if h == nil {
		return sub
	}

	current := b.topics[topic]
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	b.topics[topic] = append(next, sub)
	return sub
}

// SubscribeFunc is Subscribe returning the release function directly.
func (b *Bus) SubscribeFunc(topic string, h Handler) (unsubscribe func()) {
	return b.Subscribe(topic, h).Close
}

// Emit calls every handler subscribed to topic at the time of the call, in
// registration order. A panicking handler is logged and skipped; the rest
// still run and nothing propagates to the caller. Handlers may call Emit,
// Subscribe or Close re-entrantly.
func (b *Bus) Emit(topic string, data any) {
	b.mu.Lock()
	snapshot := b.topics[topic]
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, data)
	}
}

// Count returns the number of live subscriptions for topic.
func (b *Bus) Count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *Bus) deliver(sub *Subscription, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panic recovered",
				"topic", sub.topic,
				"subscription", sub.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(data)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.topics[sub.topic]
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.topics, sub.topic)
		return
	}
	b.topics[sub.topic] = next
}

// Topic returns the topic this subscription is registered on.
func (s *Subscription) Topic() string {
	return s.topic
}

// Close removes this registration and nothing else. It is safe to call more
// than once and from inside a handler.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		if s.handler != nil {
			s.bus.remove(s)
		}
	})
}
