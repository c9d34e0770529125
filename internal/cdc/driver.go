// Package cdc pulls entity collections from an external source, pushes each
// row through the versioned store and publishes change events.
package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/funnel/internal/canon"
	"github.com/roach88/funnel/internal/event"
	"github.com/roach88/funnel/internal/metrics"
	"github.com/roach88/funnel/internal/store"
)

// Store is the versioned store the driver writes through.
type Store interface {
	Upsert(ctx context.Context, table, id string, payload any) (store.Change, error)
	Delete(ctx context.Context, table, id string) (store.Change, error)
	LiveIDs(ctx context.Context, table string) ([]string, error)
}

// Publisher puts change envelopes on the bus.
type Publisher interface {
	PublishKey(ctx context.Context, key string, env event.Envelope) error
}

// Stats summarizes one Sync pass.
type Stats struct {
	Kind      string `json:"kind"`
	Pages     int    `json:"pages"`
	Seen      int    `json:"seen"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Deleted   int    `json:"deleted"`
}

// Published returns how many events the pass emitted.
func (s Stats) Published() int {
	return s.Inserted + s.Updated + s.Deleted
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records store mutations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithRateLimit paces page fetches to r pages per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(d *Driver) {
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(r, burst)
	}
}

// WithPrune deletes live rows of kind that a complete pass did not see.
func WithPrune(kinds ...string) Option {
	return func(d *Driver) {
		for _, k := range kinds {
			d.prune[k] = true
		}
	}
}

// WithStoreTimeout bounds each store call. Zero leaves calls bounded only by
// the pass context.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.storeTimeout = timeout }
}

// WithIDs overrides envelope id generation.
func WithIDs(fn event.IDFunc) Option {
	return func(d *Driver) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// Driver runs CDC passes. Safe for concurrent Sync calls on different kinds.
type Driver struct {
	source  Source
	store   Store
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	prune   map[string]bool
	newID   event.IDFunc

	storeTimeout time.Duration
}

// NewDriver creates a Driver.
func NewDriver(src Source, st Store, pub Publisher, opts ...Option) *Driver {
	d := &Driver{
		source:  src,
		store:   st,
		pub:     pub,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		prune:   make(map[string]bool),
		newID:   event.NewID,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sync runs one full pass over kind.
//
// Every row is upserted; inserts and updates publish {kind}.inserted and
// {kind}.updated keyed by entity id, unchanged rows publish nothing. With
// pruning enabled for kind, live ids absent from the pass are deleted and
// {kind}.deleted is published; a pass cut short by a source that repeats its
// cursor is incomplete and prunes nothing. A pass that fails midway keeps what it wrote;
// re-running it is safe because unchanged rows are silent.
func (d *Driver) Sync(ctx context.Context, kind string) (Stats, error) {
	stats := Stats{Kind: kind}
	seen := make(map[string]bool)
	cursor := ""
	complete := true

	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return stats, fmt.Errorf("sync %s: %w", kind, err)
		}
		page, err := d.source.FetchPage(ctx, kind, cursor)
		if err != nil {
			return stats, fmt.Errorf("sync %s: %w", kind, err)
		}
		stats.Pages++

		for _, row := range page.Rows {
			stats.Seen++
			seen[row.ID] = true
			if err := d.apply(ctx, kind, row, &stats); err != nil {
				return stats, fmt.Errorf("sync %s: %w", kind, err)
			}
		}

		if page.Next == "" {
			break
		}
		if page.Next == cursor {
			d.logger.Warn("source repeated its cursor, ending pass early",
				"kind", kind,
				"cursor", cursor,
				"pages", stats.Pages)
			complete = false
			break
		}
		cursor = page.Next
	}

	if d.prune[kind] && complete {
		if err := d.pruneMissing(ctx, kind, seen, &stats); err != nil {
			return stats, fmt.Errorf("sync %s: %w", kind, err)
		}
	}

	d.logger.Info("sync pass complete",
		"kind", kind,
		"pages", stats.Pages,
		"seen", stats.Seen,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"deleted", stats.Deleted)
	return stats, nil
}

func (d *Driver) apply(ctx context.Context, kind string, row Row, stats *Stats) error {
	sctx, cancel := d.storeCall(ctx)
	change, err := d.store.Upsert(sctx, kind, row.ID, row.Data)
	cancel()
	if err != nil {
		return err
	}
	d.metrics.StoreMutation(ctx, kind, string(change.Outcome))

	switch change.Outcome {
	case store.Inserted:
		stats.Inserted++
		return d.publish(ctx, kind, event.SuffixInserted, change)
	case store.Updated:
		stats.Updated++
		return d.publish(ctx, kind, event.SuffixUpdated, change)
	default:
		stats.Unchanged++
		return nil
	}
}

func (d *Driver) pruneMissing(ctx context.Context, kind string, seen map[string]bool, stats *Stats) error {
	sctx, cancel := d.storeCall(ctx)
	ids, err := d.store.LiveIDs(sctx, kind)
	cancel()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		sctx, cancel := d.storeCall(ctx)
		change, err := d.store.Delete(sctx, kind, id)
		cancel()
		if err != nil {
			return err
		}
		d.metrics.StoreMutation(ctx, kind, string(change.Outcome))
		stats.Deleted++
		if err := d.publish(ctx, kind, event.SuffixDeleted, change); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) publish(ctx context.Context, kind, suffix string, change store.Change) error {
	payload := event.RecordChange{ID: event.ID(change.ID), Diff: change.Diff}
	var err error
	if payload.Data, err = rawDoc(change.New); err != nil {
		return err
	}
	if payload.Old, err = rawDoc(change.Old); err != nil {
		return err
	}
	if suffix == event.SuffixDeleted {
		// Deleted events carry the last known data.
		payload.Data, payload.Old = payload.Old, nil
	}

	env, err := event.New(event.RecordEventName(kind, suffix), payload, d.newID)
	if err != nil {
		return err
	}
	env.Source = "cdc"
	if err := d.pub.PublishKey(ctx, change.ID, env); err != nil {
		return err
	}
	d.logger.Debug("change published", "event", env.Event, "id", change.ID, "uuid", env.UUID)
	return nil
}

func (d *Driver) storeCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.storeTimeout)
}

func rawDoc(doc any) (json.RawMessage, error) {
	if doc == nil {
		return nil, nil
	}
	return canon.Marshal(doc)
}
