// Package bus is the messaging bus (C3): topic-to-queue fan-out, long-poll
// receive with receipt handles and visibility timeouts, and a scheduled
// (delayed) one-shot delivery primitive. No message-broker client library
// appears anywhere in the wider example corpus's non-test code (see
// DESIGN.md), so the bus is built directly on sync/chan/time — the same
// primitives the teacher's in-memory connected-agent registry uses — rather
// than on a fabricated client for a broker nothing in the corpus actually
// imports.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const defaultQueueCapacity = 256

// Bus owns every topic and queue in the process and wires topic publishes
// to every queue subscribed to that topic, fanning a single Publish call out
// to each subscriber exactly once.
type Bus struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	topics map[string][]string // topic name -> subscribed queue names
	logger *zap.Logger
}

// New creates an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		queues: make(map[string]*Queue),
		topics: make(map[string][]string),
		logger: logger.Named("bus"),
	}
}

// DeclareQueue registers a queue by name, creating it if it does not
// already exist. Safe to call multiple times.
func (b *Bus) DeclareQueue(name string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = newQueue(defaultQueueCapacity)
		b.queues[name] = q
	}
	return q
}

// Subscribe fans future Publish calls on topic out to queueName in addition
// to the topic's existing subscribers. The queue must already exist
// (DeclareQueue it first).
func (b *Bus) Subscribe(topic, queueName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("bus: subscribe: queue %q not declared", queueName)
	}
	b.topics[topic] = append(b.topics[topic], queueName)
	return nil
}

// Queue returns the named queue, or nil if it has not been declared.
func (b *Bus) Queue(name string) *Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queues[name]
}

// Publish marshals v to JSON, wraps it in the topic-notification envelope,
// and delivers one copy to every queue currently subscribed to topic.
// Delivery to a subscriber whose buffer is full is logged and dropped —
// exactly like a real broker's queue-full behavior, the publisher is not
// blocked by a slow consumer.
func (b *Bus) Publish(ctx context.Context, topic string, v any) error {
	inner, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: publish to %s: marshal payload: %w", topic, err)
	}
	return b.publishRaw(topic, inner)
}

func (b *Bus) publishRaw(topic string, inner []byte) error {
	envelope := wrapNotification(inner)

	b.mu.RLock()
	subscribers := append([]string(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, qName := range subscribers {
		q := b.Queue(qName)
		if q == nil {
			continue
		}
		if !q.enqueue(envelope) {
			b.logger.Warn("queue full, dropping delivery",
				zap.String("topic", topic),
				zap.String("queue", qName),
			)
		}
	}
	return nil
}
