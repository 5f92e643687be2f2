// Package bus implements the in-process event bus: a typed multicast where
// the tick engine publishes and report collectors subscribe per topic.
//
// Delivery is synchronous with respect to the publisher and strictly ordered
// within a topic. A subscriber panic is recovered and logged; it never
// reaches the publisher. Back-pressure is the subscriber's problem —
// subscribers must copy events they want to hold past the callback.
package bus

import (
	"log/slog"
	"sync"
)

// Topic names one event stream on the bus.
type Topic string

const (
	TopicTickBacktest  Topic = "tick-backtest"
	TopicTickLive      Topic = "tick-live"
	TopicTickAny       Topic = "tick-any"
	TopicPartialProfit Topic = "partial-profit"
	TopicPartialLoss   Topic = "partial-loss"
	TopicBreakeven     Topic = "breakeven"
	TopicPing          Topic = "ping"
	TopicRiskReject    Topic = "risk-reject"
	TopicPerformance   Topic = "performance"
)

// Topics lists every topic the engine publishes on.
func Topics() []Topic {
	return []Topic{
		TopicTickBacktest, TopicTickLive, TopicTickAny,
		TopicPartialProfit, TopicPartialLoss, TopicBreakeven,
		TopicPing, TopicRiskReject, TopicPerformance,
	}
}

// Handler receives one published event. The event value is shared across
// subscribers; handlers must not mutate it.
type Handler func(event any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the in-process multicast. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscription
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic][]subscription),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// handle. After the handle is called no further events are delivered.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, sub := range list {
			if sub.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber of the topic, in
// subscription order. Handler panics are swallowed and logged.
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.RLock()
	list := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range list {
		b.deliver(topic, sub, event)
	}
}

func (b *Bus) deliver(topic Topic, sub subscription, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscriber panicked",
				"topic", string(topic),
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}
