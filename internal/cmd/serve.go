package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dreamteam/internal/api"
	"github.com/aristath/dreamteam/internal/executor"
	"github.com/aristath/dreamteam/internal/logging"
	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/tui"
)

// eventLogBuffer sizes the subscription that mirrors events into the log.
const eventLogBuffer = 256

func newServeCmd(a *app) *cobra.Command {
	var withTUI bool
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, dispatchers and HTTP API",
		Long: `Run dispatchers for the configured roles, the watchdog, retry and
metrics sweeps, and the HTTP API until interrupted.

With --tui the monitor takes over the terminal and logs go to a file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			return runServe(cmd, a, withTUI)
		},
	}
	cmd.Flags().BoolVar(&withTUI, "tui", false, "show the terminal monitor")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, withTUI bool) error {
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logOpts := logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File}
	var fallback io.Writer = cmd.ErrOrStderr()
	if withTUI && logOpts.File == "" {
		logOpts.File = filepath.Join(".dreamteam", "dreamteam.log")
	}
	logger, closer, err := logging.New(logOpts, fallback)
	if err != nil {
		return err
	}
	defer closer.Close()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	pm := executor.NewProcessManager()
	router, err := buildRouter(cfg, pm)
	if err != nil {
		return err
	}
	if len(cfg.Executors) == 0 {
		logger.Warn("no executors configured, claimed tasks will fail with validation_error")
	}

	breakers := orchestrator.NewCircuitBreakerRegistry(breakerConfig(cfg), logger)
	sup := orchestrator.NewSupervisor(rt.svc, router, breakers, logger)

	var dispatchers []*orchestrator.Dispatcher
	for _, dc := range dispatcherConfigs(cfg) {
		dispatchers = append(dispatchers, orchestrator.NewDispatcher(dc, rt.svc, sup, rt.notifier, logger))
	}
	daemon := orchestrator.NewDaemon(daemonConfig(cfg), rt.svc, dispatchers, rt.locker, logger)
	handler := api.NewHandler(rt.svc, rt.bus, rt.recorder.Handler(), logger)

	sub := rt.bus.SubscribeAll(eventLogBuffer)
	defer sub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daemon.Run(gctx) })
	g.Go(func() error { return api.Serve(gctx, cfg.HTTP.Addr, handler.Routes(), logger) })
	g.Go(func() error {
		logging.Events(gctx, sub, logger)
		return nil
	})
	if withTUI {
		g.Go(func() error {
			// Quitting the monitor stops the server.
			defer stop()
			if err := tui.Run(gctx, rt.svc, rt.bus, 0); err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		})
	}

	logger.Info("dreamteam started",
		"store", rt.store.Driver(),
		"addr", cfg.HTTP.Addr,
		"redis", cfg.Redis.Enabled,
		"executors", len(cfg.Executors),
	)
	err = g.Wait()

	if kerr := pm.KillAll(); kerr != nil {
		logger.Warn("failed to kill executor processes", "error", kerr)
	}
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newTopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Monitor the queue in the terminal",
		Long: `Show the task list and queue health, polling the store. Run it next to
a 'dreamteam serve' process sharing the same store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, a.cfg, cliLogger(io.Discard))
			if err != nil {
				return err
			}
			defer rt.Close()
			return tui.Run(ctx, rt.svc, nil, 0)
		},
	}
}
