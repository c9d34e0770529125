package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/funnel/internal/metrics"
)

// Default publish retry policy: a broker that is down is given time to
// come back rather than hammered.
const (
	DefaultRetryBackoff  = 10 * time.Second
	DefaultRetryAttempts = 5
)

// RetryPolicy bounds publish retries.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts uint64
	// Backoff is the constant pause between tries.
	Backoff time.Duration
	// Timeout bounds each try; a try that runs out counts as a transient
	// failure. Zero leaves tries bounded only by the caller's context.
	Timeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts == 0 {
		p.Attempts = DefaultRetryAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryBackoff
	}
	return p
}

// RetryingProducer retries transient publish failures with constant
// backoff and reports ErrPublishFailed once the budget is spent.
type RetryingProducer struct {
	next    Producer
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRetryingProducer wraps next. logger and m may be nil.
func NewRetryingProducer(next Producer, policy RetryPolicy, logger *slog.Logger, m *metrics.Metrics) *RetryingProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingProducer{
		next:    next,
		policy:  policy.withDefaults(),
		logger:  logger,
		metrics: m,
	}
}

// Publish implements Producer.
func (p *RetryingProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	b := retry.WithMaxRetries(p.policy.Attempts-1, retry.NewConstant(p.policy.Backoff))

	attempt := 0
	var lastErr error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := p.try(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrClosed) {
			return err
		}
		p.logger.Warn("publish failed, retrying",
			"topic", topic,
			"key", key,
			"attempt", attempt,
			"error", err)
		return retry.RetryableError(err)
	})
	p.metrics.Published(ctx, topic, err)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrClosed) {
		return err
	}
	return fmt.Errorf("%w: topic %s after %d attempts: %w", ErrPublishFailed, topic, attempt, lastErr)
}

func (p *RetryingProducer) try(ctx context.Context, topic, key string, value []byte) error {
	if p.policy.Timeout <= 0 {
		return p.next.Publish(ctx, topic, key, value)
	}
	tctx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
	defer cancel()
	return p.next.Publish(tctx, topic, key, value)
}

// Close closes the wrapped producer.
func (p *RetryingProducer) Close() error {
	return p.next.Close()
}
