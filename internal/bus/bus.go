// Package bus is the event bus client: a durable, partitioned log with
// per-key ordering, consumer-group offsets and manual or automatic commit.
//
// Two backends implement the same Producer and Consumer contracts: LogBus
// keeps the log in the relational store, KafkaBus talks to Kafka.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/roach88/funnel/internal/event"
)

var (
	// ErrPublishFailed means a publish exhausted its retry budget.
	// It is fatal to the loop that owns the producer.
	ErrPublishFailed = errors.New("bus: publish failed")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("bus: closed")
)

// Message is one record read from or written to the log.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Timestamp time.Time
}

// Producer appends messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Consumer reads messages for a consumer group.
//
// Poll blocks until at least one message is available or maxWait elapses,
// returning an empty batch on timeout. Commit marks msgs (and everything
// before them in their partitions) as processed.
type Consumer interface {
	Poll(ctx context.Context, maxBatch int, maxWait time.Duration) ([]Message, error)
	Commit(ctx context.Context, msgs ...Message) error
	Close() error
}

// Partition maps a key onto one of n partitions with FNV-1a, so every
// message of a key lands in the same partition and keeps its order.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Publisher puts envelopes on one topic of a Producer.
type Publisher struct {
	producer Producer
	topic    string
}

// NewPublisher creates a Publisher for topic.
func NewPublisher(p Producer, topic string) *Publisher {
	return &Publisher{producer: p, topic: topic}
}

// Topic returns the destination topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish sends env keyed by its route key.
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	return p.PublishKey(ctx, env.RouteKey(), env)
}

// PublishKey sends env with an explicit bus key.
func (p *Publisher) PublishKey(ctx context.Context, key string, env event.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Event, err)
	}
	if key == "" {
		key = event.DefaultRouteKey
	}
	if err := p.producer.Publish(ctx, p.topic, key, value); err != nil {
		return fmt.Errorf("publish %s: %w", env.Event, err)
	}
	return nil
}

// DecodeEnvelope parses a message value.
func DecodeEnvelope(msg Message) (event.Envelope, error) {
	var env event.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return event.Envelope{}, fmt.Errorf("decode message %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return env, nil
}

// lastPerPartition reduces msgs to the highest offset per topic partition.
func lastPerPartition(msgs []Message) map[topicPartition]int64 {
	last := make(map[topicPartition]int64)
	for _, m := range msgs {
		tp := topicPartition{m.Topic, m.Partition}
		if cur, ok := last[tp]; !ok || m.Offset > cur {
			last[tp] = m.Offset
		}
	}
	return last
}

type topicPartition struct {
	topic     string
	partition int
}
