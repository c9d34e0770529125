package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/funnel/internal/store"
)

// LogStore is the persistence LogBus needs; *store.Store implements it.
type LogStore interface {
	AppendMessage(ctx context.Context, topic string, partition int, key string, value []byte) (int64, error)
	ReadMessages(ctx context.Context, topic string, partition int, fromOffset int64, limit int) ([]store.LogMessage, error)
	CommittedOffset(ctx context.Context, group, topic string, partition int) (int64, error)
	CommitOffset(ctx context.Context, group, topic string, partition int, next int64) error
	PartitionEnds(ctx context.Context, topic string) (map[int]int64, error)
}

// LogOptions configures a LogBus.
type LogOptions struct {
	// Partitions per topic. Defaults to 1.
	Partitions int
	// Group is the consumer group whose offsets are tracked.
	Group string
	// Topics consumed by Poll.
	Topics []string
	// AutoCommit commits every polled batch immediately.
	AutoCommit bool
	// PollInterval is the pause between empty reads. Defaults to 200ms.
	PollInterval time.Duration
}

// LogBus is a durable partitioned log kept in the relational store.
//
// Each consumer tracks an in-memory read position per partition, seeded from
// the group's committed offset. Messages polled but never committed are
// delivered again by the next LogBus opened for the group.
type LogBus struct {
	store  LogStore
	opts   LogOptions
	logger *slog.Logger

	mu        sync.Mutex
	positions map[topicPartition]int64
	closed    bool
}

// NewLogBus creates a LogBus over st.
func NewLogBus(st LogStore, opts LogOptions, logger *slog.Logger) *LogBus {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBus{
		store:     st,
		opts:      opts,
		logger:    logger,
		positions: make(map[topicPartition]int64),
	}
}

// Publish implements Producer.
func (b *LogBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	p := Partition(key, b.opts.Partitions)
	offset, err := b.store.AppendMessage(ctx, topic, p, key, value)
	if err != nil {
		return fmt.Errorf("log bus publish: %w", err)
	}
	b.logger.Debug("message appended", "topic", topic, "partition", p, "offset", offset, "key", key)
	return nil
}

// Poll implements Consumer.
func (b *LogBus) Poll(ctx context.Context, maxBatch int, maxWait time.Duration) ([]Message, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	deadline := time.Now().Add(maxWait)

	for {
		if b.isClosed() {
			return nil, ErrClosed
		}
		msgs, err := b.readBatch(ctx, maxBatch)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			if b.opts.AutoCommit {
				if err := b.Commit(ctx, msgs...); err != nil {
					return nil, err
				}
			}
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(b.opts.PollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *LogBus) readBatch(ctx context.Context, maxBatch int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, topic := range b.opts.Topics {
		ends, err := b.store.PartitionEnds(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("log bus poll: %w", err)
		}
		for p := 0; p < b.opts.Partitions; p++ {
			if len(out) >= maxBatch {
				return out, nil
			}
			end, written := ends[p]
			if !written {
				continue
			}
			tp := topicPartition{topic, p}
			pos, ok := b.positions[tp]
			if !ok {
				committed, err := b.store.CommittedOffset(ctx, b.opts.Group, topic, p)
				if err != nil {
					return nil, fmt.Errorf("log bus poll: %w", err)
				}
				pos = committed
				b.positions[tp] = pos
			}
			if pos >= end {
				continue
			}

			rows, err := b.store.ReadMessages(ctx, topic, p, pos, maxBatch-len(out))
			if err != nil {
				return nil, fmt.Errorf("log bus poll: %w", err)
			}
			for _, r := range rows {
				out = append(out, Message{
					Topic:     r.Topic,
					Partition: r.Partition,
					Offset:    r.Offset,
					Key:       r.Key,
					Value:     r.Value,
					Timestamp: r.CreatedAt,
				})
				b.positions[tp] = r.Offset + 1
			}
		}
	}
	return out, nil
}

// Commit implements Consumer.
func (b *LogBus) Commit(ctx context.Context, msgs ...Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	for tp, last := range lastPerPartition(msgs) {
		if err := b.store.CommitOffset(ctx, b.opts.Group, tp.topic, tp.partition, last+1); err != nil {
			return fmt.Errorf("log bus commit: %w", err)
		}
	}
	return nil
}

// Close stops the bus. The underlying store stays open.
func (b *LogBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *LogBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
