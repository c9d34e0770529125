package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/funnel/internal/bus"
	"github.com/roach88/funnel/internal/cdc"
	"github.com/roach88/funnel/internal/config"
	"github.com/roach88/funnel/internal/funnel"
	"github.com/roach88/funnel/internal/messaging"
	"github.com/roach88/funnel/internal/metrics"
	"github.com/roach88/funnel/internal/query"
	"github.com/roach88/funnel/internal/runner"
	"github.com/roach88/funnel/internal/store"
	"github.com/roach88/funnel/internal/workflow"
)

// app is the wired service shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *store.Store
	loc     *time.Location
}

// openApp loads the configuration, builds the logger and opens the store.
// Logs go to logOut.
func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, opts.Verbose, logOut)
	loc, err := cfg.Location()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger.Debug("opening store", "dsn", cfg.Masked().Database.DSN)
	st, err := store.Open(cfg.Database.DSN, store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, orDefault(cfg.Timeouts.DB, 5*time.Second))
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "database not reachable", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		store:   st,
		loc:     loc,
	}, nil
}

// Close closes the store.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// now is the wall clock in the configured location.
func (a *app) now() time.Time {
	return time.Now().In(a.loc)
}

// dirFS returns the directory as a file system, or nil when it is absent.
func dirFS(dir string) fs.FS {
	if dir == "" {
		return nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	return os.DirFS(dir)
}

func (a *app) loadFunnels() (*funnel.Set, error) {
	set, err := funnel.Load(a.cfg.Funnels.Dir, funnel.WithStageCheck(workflow.CheckStage))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load funnels", err)
	}
	return set, nil
}

func (a *app) queries() (*query.Runner, error) {
	q, err := query.NewRunner(a.store, dirFS(a.cfg.Templates.Queries),
		query.WithClock(a.now),
		query.WithLogger(a.logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load query templates", err)
	}
	return q, nil
}

// engine builds a workflow engine whose messages go out through pub.
// A nil pub leaves the engine without a messenger.
func (a *app) engine(set *funnel.Set, q *query.Runner, pub *bus.Publisher) *workflow.Engine {
	opts := []workflow.Option{
		workflow.WithQueries(q),
		workflow.WithLogger(a.logger),
		workflow.WithMetrics(a.metrics),
		workflow.WithClock(a.now),
		workflow.WithLocation(a.loc),
		workflow.WithRetryAfter(orDefault(a.cfg.Runner.StageRetryAfter, runner.DefaultStageRetryAfter)),
		workflow.WithCallTimeout(orDefault(a.cfg.Timeouts.DB, runner.DefaultDBTimeout)),
	}
	if pub != nil {
		sender := messaging.NewBusSender(pub, a.cfg.Runner.ServiceName, nil)
		opts = append(opts, workflow.WithMessenger(
			messaging.NewComposer(dirFS(a.cfg.Templates.Dir), sender, a.logger)))
	}
	return workflow.New(a.store, set, opts...)
}

// syncer builds the CDC driver publishing through pub.
func (a *app) syncer(pub *bus.Publisher) *cdc.Driver {
	sc := a.cfg.Sync
	src := &cdc.HTTPSource{
		BaseURL:  sc.SourceURL,
		PageSize: sc.PageSize,
		IDField:  sc.IDField,
		Token:    sc.Token,
		Client:   &http.Client{Timeout: a.cfg.Timeouts.HTTP},
		Retry:    cdc.RetryPolicy{Attempts: sc.RetryAttempts, Backoff: sc.RetryBackoff},
	}
	opts := []cdc.Option{
		cdc.WithLogger(a.logger),
		cdc.WithMetrics(a.metrics),
		cdc.WithPrune(sc.Prune...),
		cdc.WithStoreTimeout(orDefault(a.cfg.Timeouts.DB, runner.DefaultDBTimeout)),
	}
	if sc.Rate > 0 {
		opts = append(opts, cdc.WithRateLimit(rate.Limit(sc.Rate), sc.Burst))
	}
	return cdc.NewDriver(src, a.store, pub, opts...)
}

// dialer opens the configured bus backend. Publishes are retried per the
// bus retry policy.
func (a *app) dialer() runner.Dialer {
	bc := a.cfg.Bus
	policy := bus.RetryPolicy{
		Attempts: bc.RetryAttempts,
		Backoff:  bc.RetryBackoff,
		Timeout:  orDefault(a.cfg.Timeouts.Bus, runner.DefaultBusTimeout),
	}
	return func(ctx context.Context) (runner.Conn, error) {
		switch bc.Backend {
		case "kafka":
			dialCtx, cancel := context.WithTimeout(ctx, orDefault(a.cfg.Timeouts.Bus, 5*time.Second))
			defer cancel()
			kb, err := bus.NewKafkaBus(dialCtx, bus.KafkaOptions{
				Brokers:    bc.Brokers,
				ClientID:   a.cfg.Runner.ServiceName,
				Group:      bc.Group,
				Topics:     []string{bc.Topic},
				AutoCommit: bc.AutoCommit,
			}, a.logger)
			if err != nil {
				return runner.Conn{}, err
			}
			return runner.Conn{
				Producer: bus.NewRetryingProducer(kb, policy, a.logger, a.metrics),
				Consumer: kb,
				Close:    kb.Close,
			}, nil
		case "log":
			lb := bus.NewLogBus(a.store, bus.LogOptions{
				Partitions: bc.Partitions,
				Group:      bc.Group,
				Topics:     []string{bc.Topic},
				AutoCommit: bc.AutoCommit,
			}, a.logger)
			return runner.Conn{
				Producer: bus.NewRetryingProducer(lb, policy, a.logger, a.metrics),
				Consumer: lb,
				Close:    lb.Close,
			}, nil
		}
		return runner.Conn{}, fmt.Errorf("unknown bus backend %q", bc.Backend)
	}
}

// publisher opens a one-off bus connection for operator commands.
func (a *app) publisher(ctx context.Context) (*bus.Publisher, func(), error) {
	conn, err := a.dialer()(ctx)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to connect to bus", err)
	}
	closeFn := func() {
		if err := conn.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			a.logger.Warn("close bus", "error", err)
		}
	}
	return bus.NewPublisher(conn.Producer, a.cfg.Bus.Topic), closeFn, nil
}

// runnerConfig maps the service configuration onto the runner.
func (a *app) runnerConfig() runner.Config {
	rc := a.cfg.Runner
	cfg := runner.Config{
		ServiceName:       rc.ServiceName,
		Topic:             a.cfg.Bus.Topic,
		AutoCommit:        a.cfg.Bus.AutoCommit,
		PollBatch:         a.cfg.Bus.BatchMaxRecords,
		PollWait:          a.cfg.Bus.BatchTimeout,
		StagePollInterval: rc.StagePollInterval,
		StageBatch:        rc.StageBatch,
		StageRetryAfter:   rc.StageRetryAfter,
		Cooldown:          rc.Cooldown,
		CronTick:          rc.CronTick,
		DBTimeout:         a.cfg.Timeouts.DB,
		BusTimeout:        a.cfg.Timeouts.Bus,
		StageTimeout:      rc.StageTimeout,
	}
	for _, kind := range a.cfg.SyncKinds() {
		cfg.Syncs = append(cfg.Syncs, runner.SyncJob{Kind: kind, Schedule: a.cfg.Sync.Schedules[kind]})
	}
	return cfg
}
