// Package runner supervises the long-running service: one cycle consumes the
// bus, polls due workflow stages and fires cron jobs concurrently. Any
// unrecoverable error tears the whole cycle down; after a cooldown a fresh
// cycle starts with new bus connections.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/funnel/internal/bus"
	"github.com/roach88/funnel/internal/cdc"
	"github.com/roach88/funnel/internal/event"
	"github.com/roach88/funnel/internal/funnel"
	"github.com/roach88/funnel/internal/metrics"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/router"
	"github.com/roach88/funnel/internal/store"
	"github.com/roach88/funnel/internal/workflow"
)

// Defaults for Config fields left zero.
const (
	DefaultPollBatch         = 100
	DefaultPollWait          = time.Second
	DefaultStagePollInterval = 10 * time.Second
	DefaultStageBatch        = 50
	DefaultStageRetryAfter   = 5 * time.Minute
	DefaultCooldown          = 10 * time.Second
	DefaultCronTick          = time.Second
	DefaultDBTimeout         = 5 * time.Second
	DefaultBusTimeout        = 5 * time.Second
	DefaultStageTimeout      = 2 * time.Minute
)

// SyncJob schedules a CDC sync of one entity kind.
type SyncJob struct {
	Kind     string
	Schedule string
}

// Config tunes the cycle.
type Config struct {
	// ServiceName is announced in service.started. Empty disables the notice.
	ServiceName string
	// Topic is where the cycle publishes.
	Topic string
	// AutoCommit leaves offset commits to the consumer.
	AutoCommit bool

	PollBatch         int
	PollWait          time.Duration
	StagePollInterval time.Duration
	StageBatch        int
	// StageRetryAfter is how long an attempted but unfinished stage waits
	// before it is picked up again.
	StageRetryAfter time.Duration
	Cooldown        time.Duration
	CronTick        time.Duration

	// DBTimeout bounds the due-stage listing, BusTimeout each offset
	// commit and StageTimeout one whole stage run.
	DBTimeout    time.Duration
	BusTimeout   time.Duration
	StageTimeout time.Duration

	Syncs []SyncJob
}

func (c Config) withDefaults() Config {
	if c.PollBatch <= 0 {
		c.PollBatch = DefaultPollBatch
	}
	if c.PollWait <= 0 {
		c.PollWait = DefaultPollWait
	}
	if c.StagePollInterval <= 0 {
		c.StagePollInterval = DefaultStagePollInterval
	}
	if c.StageBatch <= 0 {
		c.StageBatch = DefaultStageBatch
	}
	if c.StageRetryAfter <= 0 {
		c.StageRetryAfter = DefaultStageRetryAfter
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.CronTick <= 0 {
		c.CronTick = DefaultCronTick
	}
	if c.DBTimeout <= 0 {
		c.DBTimeout = DefaultDBTimeout
	}
	if c.BusTimeout <= 0 {
		c.BusTimeout = DefaultBusTimeout
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	return c
}

// Conn is one cycle's bus connection.
type Conn struct {
	Producer bus.Producer
	Consumer bus.Consumer
	// Close releases the connection. When nil the consumer and producer
	// are closed in that order.
	Close func() error
}

func (c Conn) close() error {
	if c.Close != nil {
		return c.Close()
	}
	return errors.Join(c.Consumer.Close(), c.Producer.Close())
}

// Dialer opens the bus connection for a new cycle.
type Dialer func(ctx context.Context) (Conn, error)

// Engine is the workflow surface the runner drives; *workflow.Engine
// implements it.
type Engine interface {
	Start(ctx context.Context, funnelName, identID string, js json.RawMessage) (workflow.StartResult, error)
	RunStage(ctx context.Context, exec store.StageExecution) (workflow.Outcome, error)
	Funnels() *funnel.Set
}

// Syncer pulls one entity kind; *cdc.Driver implements it.
type Syncer interface {
	Sync(ctx context.Context, kind string) (cdc.Stats, error)
}

// Services are the components of one cycle, bound to its publisher.
type Services struct {
	Engine Engine
	// Syncer may be nil when no syncs are scheduled.
	Syncer Syncer
}

// Wire builds the cycle services around pub.
type Wire func(pub *bus.Publisher) (Services, error)

// Stages lists stages due for execution; *store.Store implements it.
type Stages interface {
	DueStages(ctx context.Context, now, retryBefore time.Time, limit int) ([]store.StageExecution, error)
}

// QueryRunner runs funnel start queries; *query.Runner implements it.
type QueryRunner interface {
	Run(ctx context.Context, ref string, params map[string]any) (query.Result, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDs replaces the envelope id generator.
func WithIDs(fn event.IDFunc) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithQueries sets the runner for funnel start queries.
func WithQueries(q QueryRunner) Option {
	return func(r *Runner) { r.queries = q }
}

// WithHealth shares an existing Health, typically with the HTTP front door.
func WithHealth(h *Health) Option {
	return func(r *Runner) {
		if h != nil {
			r.health = h
		}
	}
}

// Runner supervises cycles until its context ends.
type Runner struct {
	cfg     Config
	dial    Dialer
	wire    Wire
	stages  Stages
	queries QueryRunner
	health  *Health
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   event.IDFunc
}

// New creates a Runner.
func New(cfg Config, dial Dialer, wire Wire, stages Stages, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		wire:   wire,
		stages: stages,
		logger: slog.Default(),
		now:    time.Now,
		newID:  event.NewID,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.health == nil {
		r.health = NewHealth(r.now, r.logger)
	}
	return r
}

// Health returns the runner health.
func (r *Runner) Health() *Health {
	return r.health
}

// Run supervises cycles until ctx is cancelled. It returns nil on a clean
// shutdown.
func (r *Runner) Run(ctx context.Context) error {
	for {
		err := r.cycle(ctx)
		if ctx.Err() != nil {
			_ = r.health.Stop()
			r.logger.Info("runner stopped")
			return nil
		}
		if err == nil {
			err = errors.New("cycle exited")
		}
		r.logger.Error("runner cycle failed", "error", err, "cooldown", r.cfg.Cooldown)
		if ferr := r.health.Fail(err); ferr != nil {
			return ferr
		}
		if ferr := r.health.Cool(); ferr != nil {
			return ferr
		}

		select {
		case <-ctx.Done():
			_ = r.health.Stop()
			r.logger.Info("runner stopped")
			return nil
		case <-time.After(r.cfg.Cooldown):
		}
		if ferr := r.health.Restart(); ferr != nil {
			return ferr
		}
	}
}

// cycle runs one supervised cycle and returns the error that ended it.
func (r *Runner) cycle(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer func() {
		if err := conn.close(); err != nil {
			r.logger.Warn("close bus", "error", err)
		}
	}()

	pub := bus.NewPublisher(conn.Producer, r.cfg.Topic)
	svc, err := r.wire(pub)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}

	rt := router.New(r.logger, r.metrics)
	r.register(rt, svc.Engine)

	sched := NewScheduler(r.cfg.CronTick, r.now, r.logger)
	if err := r.schedule(sched, svc); err != nil {
		return err
	}

	if err := r.announce(ctx, pub); err != nil {
		return err
	}
	if err := r.health.Ready(); err != nil {
		return err
	}
	r.logger.Info("runner cycle started",
		"topic", r.cfg.Topic,
		"handlers", rt.Names(),
		"cron_jobs", sched.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consume(gctx, conn.Consumer, rt, pub) })
	g.Go(func() error { return r.pollStages(gctx, svc.Engine) })
	g.Go(func() error { return sched.Run(gctx) })
	return g.Wait()
}

func (r *Runner) announce(ctx context.Context, pub *bus.Publisher) error {
	if r.cfg.ServiceName == "" {
		return nil
	}
	env, err := event.New(event.ServiceStarted, event.ServiceStartedNotice{ServiceName: r.cfg.ServiceName}, r.newID)
	if err != nil {
		return fmt.Errorf("announce start: %w", err)
	}
	env.Source = r.cfg.ServiceName
	if err := pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("announce start: %w", err)
	}
	return nil
}

// consume polls, dispatches and commits until ctx ends or a message fails
// in a way that needs a fresh cycle.
func (r *Runner) consume(ctx context.Context, c bus.Consumer, rt *router.Router, pub *bus.Publisher) error {
	for {
		msgs, err := c.Poll(ctx, r.cfg.PollBatch, r.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("poll: %w", err)
		}
		for i, msg := range msgs {
			if err := r.handle(ctx, rt, pub, msg); err != nil {
				// Keep what was handled; the failed message is redelivered.
				if cerr := r.commit(ctx, c, msgs[:i]); cerr != nil {
					r.logger.Warn("commit handled prefix", "error", cerr)
				}
				return err
			}
		}
		if err := r.commit(ctx, c, msgs); err != nil {
			return err
		}
	}
}

// handle dispatches one message. Malformed messages are dropped and
// reported as system.error through pub (when set); configuration problems
// are logged and skipped; everything else is returned.
func (r *Runner) handle(ctx context.Context, rt *router.Router, pub *bus.Publisher, msg bus.Message) error {
	env, err := bus.DecodeEnvelope(msg)
	if err != nil {
		r.logger.Error("dropping undecodable message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return r.reportDrop(ctx, pub, msg, nil, err)
	}
	err = rt.Dispatch(ctx, env)
	switch {
	case err == nil:
		return nil
	case router.IsDecodeError(err):
		r.logger.Error("dropping malformed event", "event", env.Event, "uuid", env.UUID, "error", err)
		return r.reportDrop(ctx, pub, msg, &env, err)
	case workflow.IsConfigError(err):
		r.logger.Warn("event not handled", "event", env.Event, "uuid", env.UUID, "error", err)
		return nil
	}
	return fmt.Errorf("consume %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
}

// reportDrop publishes system.error for a dropped message, chained to the
// dropped envelope when it could be read. Only a failed publish is returned.
func (r *Runner) reportDrop(ctx context.Context, pub *bus.Publisher, msg bus.Message, dropped *event.Envelope, cause error) error {
	if pub == nil {
		return nil
	}
	report := event.ErrorMessage{
		Text: fmt.Sprintf("dropped %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, cause),
	}
	var (
		env event.Envelope
		err error
	)
	if dropped != nil {
		env, err = event.Child(*dropped, event.SystemError, report, r.newID)
	} else {
		env, err = event.New(event.SystemError, report, r.newID)
	}
	if err != nil {
		return fmt.Errorf("report dropped message: %w", err)
	}
	env.Source = r.cfg.ServiceName
	if err := pub.Publish(ctx, env); err != nil {
		if errors.Is(err, bus.ErrPublishFailed) {
			return err
		}
		r.logger.Warn("report dropped message", "error", err)
	}
	return nil
}

func (r *Runner) commit(ctx context.Context, c bus.Consumer, msgs []bus.Message) error {
	if r.cfg.AutoCommit || len(msgs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BusTimeout)
	defer cancel()
	if err := c.Commit(ctx, msgs...); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// pollStages runs due stages on every interval, starting immediately.
func (r *Runner) pollStages(ctx context.Context, eng Engine) error {
	ticker := time.NewTicker(r.cfg.StagePollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.RunDue(ctx, eng); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunDue executes one batch of due stages and returns how many ran.
// A stage error or timeout leaves that row for a retry, and a listing that
// times out is retried on the next tick; a failed publish or a store that
// cannot list stages ends the cycle.
func (r *Runner) RunDue(ctx context.Context, eng Engine) (int, error) {
	now := r.now()
	lctx, cancel := context.WithTimeout(ctx, r.cfg.DBTimeout)
	due, err := r.stages.DueStages(lctx, now, now.Add(-r.cfg.StageRetryAfter), r.cfg.StageBatch)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("listing due stages timed out, will retry", "timeout", r.cfg.DBTimeout, "error", err)
			return 0, nil
		}
		return 0, fmt.Errorf("list due stages: %w", err)
	}
	ran := 0
	for _, exec := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		sctx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
		out, err := eng.RunStage(sctx, exec)
		cancel()
		if err != nil {
			if errors.Is(err, bus.ErrPublishFailed) {
				return ran, err
			}
			r.logger.Warn("stage failed, will retry",
				"workflow", exec.Workflow,
				"ident_id", exec.IdentID,
				"stage", exec.Stage,
				"stage_id", exec.ID,
				"retry_after", r.cfg.StageRetryAfter,
				"error", err)
			continue
		}
		if !out.Skipped && !out.Stalled {
			ran++
		}
	}
	return ran, nil
}
