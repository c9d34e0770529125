package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/funnel/internal/api"
	"github.com/roach88/funnel/internal/bus"
	"github.com/roach88/funnel/internal/config"
	"github.com/roach88/funnel/internal/runner"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	// NoHTTP disables the HTTP front door regardless of http.enabled.
	NoHTTP bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the funnel service",
		Long: `Run the long-lived service: consume bus events, execute due stages,
run scheduled syncs and funnel starts, and serve /health, /envs and /stats.

The service reconnects after bus or store failures and stops on SIGINT or
SIGTERM.

Example:
  funnel run --config ./funnel.yaml
  FUNNEL_BUS_BACKEND=kafka FUNNEL_BUS_BROKERS=localhost:9092 funnel run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "do not start the HTTP server")

	return cmd
}

func runService(cmd *cobra.Command, opts *RunOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	set, err := a.loadFunnels()
	if err != nil {
		return err
	}
	q, err := a.queries()
	if err != nil {
		return err
	}
	a.logger.Info("funnels loaded", "count", len(set.Names()), "names", set.Names())

	syncs := len(a.cfg.SyncKinds()) > 0
	wire := func(pub *bus.Publisher) (runner.Services, error) {
		svc := runner.Services{Engine: a.engine(set, q, pub)}
		if syncs {
			svc.Syncer = a.syncer(pub)
		}
		return svc, nil
	}

	health := runner.NewHealth(a.now, a.logger)
	r := runner.New(a.runnerConfig(), a.dialer(), wire, a.store,
		runner.WithLogger(a.logger),
		runner.WithMetrics(a.metrics),
		runner.WithClock(a.now),
		runner.WithQueries(q),
		runner.WithHealth(health))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	if a.cfg.HTTP.Enabled && !opts.NoHTTP {
		handler := api.NewRouter(api.Deps{
			Health:  health,
			DB:      a.store,
			Metrics: a.metrics,
			Env:     config.Environ,
			Logger:  a.logger,
		})
		g.Go(func() error { return api.Serve(gctx, a.cfg.HTTP.Address, handler, a.logger) })
	}

	fmt.Fprintf(cmd.OutOrStdout(), "funnel started (service %s, bus %s, topic %s)\n",
		a.cfg.Runner.ServiceName, a.cfg.Bus.Backend, a.cfg.Bus.Topic)

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "service error", err)
	}
	a.logger.Info("funnel stopped")
	return nil
}
