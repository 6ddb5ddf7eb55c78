package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/olivergale/metis-portal2-sub002/pkg/api"
	"github.com/olivergale/metis-portal2-sub002/pkg/config"
	"github.com/olivergale/metis-portal2-sub002/pkg/diagnostician"
	"github.com/olivergale/metis-portal2-sub002/pkg/queue"
)

func newServeCommand() *cobra.Command {
	var (
		noMonitor       bool
		noDiagnostician bool
		watchConfig     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor, the diagnostician worker and the HTTP API",
		Long: `Run the long-lived service:

  - the Tier-1 monitor sweeping on its configured interval
  - the queue worker running diagnostician batches
  - the HTTP API for agents and operators

Stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a, serveOptions{
				monitor:       !noMonitor,
				diagnostician: !noDiagnostician,
				watchConfig:   watchConfig,
			})
		},
	}

	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not run scheduled sweeps")
	cmd.Flags().BoolVar(&noDiagnostician, "no-diagnostician", false, "do not run the diagnostician worker")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "apply config file changes to monitor and diagnostician")

	return cmd
}

type serveOptions struct {
	monitor       bool
	diagnostician bool
	watchConfig   bool
}

func serve(ctx context.Context, a *app, opts serveOptions) error {
	engine, err := a.policyEngine(ctx)
	if err != nil {
		return err
	}
	q := a.newQueue()
	dispatcher := queue.NewDispatcher(q)

	mon, err := a.newMonitor(engine, dispatcher)
	if err != nil {
		return err
	}

	if opts.diagnostician && a.cfg.Reasoner.Endpoint == "" {
		log.Warn().Msg("No reasoner endpoint configured, diagnostician disabled")
		opts.diagnostician = false
	}

	g, ctx := errgroup.WithContext(ctx)
	serverOpts := []api.Option{api.WithSweepRunner(mon)}

	if opts.monitor {
		g.Go(func() error { return mon.Run(ctx) })
	}

	var diag *diagnostician.Diagnostician
	if opts.diagnostician {
		diag, err = a.newDiagnostician(dispatcher)
		if err != nil {
			return err
		}
		worker := queue.NewWorker(q, queue.WorkerConfig{
			Name:         a.cfg.Diagnostician.Worker,
			Kind:         queue.KindDiagnose,
			PollInterval: a.cfg.Queue.PollInterval,
			RetryDelay:   a.cfg.Queue.RetryDelay,
		}, diag.HandleTask)
		g.Go(func() error { return worker.Run(ctx) })
		serverOpts = append(serverOpts, api.WithDiagnoseTrigger(dispatcher))
	}

	if opts.watchConfig {
		w := config.NewWatcher(resolveConfigPath(), func(cfg *config.Config) error {
			err := mon.UpdateConfig(cfg.Monitor)
			if diag != nil {
				err = errors.Join(err, diag.UpdateConfig(cfg.Diagnostician))
			}
			return err
		}, a.tel.Logger)
		g.Go(func() error { return w.Run(ctx) })
	}
	if a.cfg.Escalation.Watch && len(a.cfg.Escalation.PolicyPaths) > 0 {
		g.Go(func() error { return engine.Watch(ctx, a.cfg.Escalation.PolicyPaths) })
	}

	server := api.NewServer(a.cfg.Server, a.store, a.gateway, a.tel, serverOpts...)
	g.Go(func() error { return server.Run(ctx) })

	log.Info().
		Str("address", a.cfg.Server.Address).
		Bool("monitor", opts.monitor).
		Bool("diagnostician", opts.diagnostician).
		Msg("Metis serving")

	return g.Wait()
}
