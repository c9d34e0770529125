package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaOptions configures a KafkaBus.
type KafkaOptions struct {
	Brokers    []string
	ClientID   string
	Group      string
	Topics     []string
	AutoCommit bool
}

// KafkaBus implements Producer and Consumer on a Kafka cluster.
//
// Keys are partitioned by the client's key hashing (murmur2, compatible with
// other Kafka clients) so per-key ordering holds across producers.
type KafkaBus struct {
	client     *kgo.Client
	autoCommit bool
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[kafkaOffset]*kgo.Record
}

type kafkaOffset struct {
	topic     string
	partition int32
	offset    int64
}

// NewKafkaBus connects to the brokers. With a Group set the client joins it
// and consumes Topics.
func NewKafkaBus(ctx context.Context, opts KafkaOptions, logger *slog.Logger) (*KafkaBus, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka bus: no brokers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	}
	if opts.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(opts.ClientID))
	}
	if opts.Group != "" {
		kopts = append(kopts,
			kgo.ConsumerGroup(opts.Group),
			kgo.ConsumeTopics(opts.Topics...),
		)
		if !opts.AutoCommit {
			kopts = append(kopts, kgo.DisableAutoCommit())
		}
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka bus: new client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka bus: ping: %w", err)
	}

	logger.Info("kafka bus connected", "brokers", opts.Brokers, "group", opts.Group)
	return &KafkaBus{
		client:     client,
		autoCommit: opts.AutoCommit,
		logger:     logger,
		pending:    make(map[kafkaOffset]*kgo.Record),
	}, nil
}

// Publish implements Producer.
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if errors.Is(err, kgo.ErrClientClosed) {
			return ErrClosed
		}
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Poll implements Consumer.
func (b *KafkaBus) Poll(ctx context.Context, maxBatch int, maxWait time.Duration) ([]Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	fetches := b.client.PollRecords(pollCtx, maxBatch)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("kafka poll %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var out []Message
	b.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Message{
			Topic:     r.Topic,
			Partition: int(r.Partition),
			Offset:    r.Offset,
			Key:       string(r.Key),
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
		if !b.autoCommit {
			b.pending[kafkaOffset{r.Topic, r.Partition, r.Offset}] = r
		}
	})
	b.mu.Unlock()
	return out, nil
}

// Commit implements Consumer. Only messages returned by Poll can be committed.
func (b *KafkaBus) Commit(ctx context.Context, msgs ...Message) error {
	if b.autoCommit || len(msgs) == 0 {
		return nil
	}
	b.mu.Lock()
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		k := kafkaOffset{m.Topic, int32(m.Partition), m.Offset}
		if r, ok := b.pending[k]; ok {
			recs = append(recs, r)
			delete(b.pending, k)
		}
	}
	b.mu.Unlock()

	if err := b.client.CommitRecords(ctx, recs...); err != nil {
		return fmt.Errorf("kafka commit: %w", err)
	}
	return nil
}

// Close leaves the group and closes the client.
func (b *KafkaBus) Close() error {
	b.client.Close()
	return nil
}
