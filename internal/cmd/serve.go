package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/taskmesh/internal/auth"
	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/coordinator"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/metrics"
	"github.com/Iron-Ham/taskmesh/internal/natsbridge"
	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator until interrupted.

The coordinator accepts encrypted connections from clients and workers,
authenticates clients against the users file, queues submitted tasks and
dispatches them to idle workers that advertise the task type.

Optional integrations:
  metrics.listen   serve Prometheus metrics on /metrics
  nats.url         mirror task and worker events onto NATS subjects`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "address to accept connections on (overrides server.listen)")
	serveCmd.Flags().String("metrics-listen", "", "address for the /metrics endpoint (overrides metrics.listen)")
	_ = viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("metrics.listen", serveCmd.Flags().Lookup("metrics-listen"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	key, err := channelKey(cfg)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus(event.WithLogger(logger))
	authority, err := auth.New([]byte(cfg.Auth.SigningKey),
		auth.WithTTL(cfg.Auth.TokenTTL),
		auth.WithUsersFile(cfg.Auth.UsersFile),
		auth.WithBus(bus),
		auth.WithLogger(logger.WithComponent("auth")),
	)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	if len(authority.Users()) == 0 {
		logger.Warn("no users configured; add one with 'taskmesh users add'", "users_file", cfg.Auth.UsersFile)
	}
	if cfg.Auth.SigningKey == "" {
		logger.Warn("auth.signing_key not set; sessions will not survive a restart")
	}

	watcher, err := auth.NewWatcher(authority, auth.WithReloadHook(func(err error) {
		if err != nil {
			logger.Error("users file reload failed", "error", err)
			return
		}
		logger.Info("users file reloaded", "users", len(authority.Users()))
	}))
	if err != nil {
		logger.Warn("users file not watched", "error", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	srv, err := coordinator.New(coordinator.Config{
		Address:   cfg.Server.Listen,
		Key:       key,
		Authority: authority,
	}, serverOptions(cfg, bus, logger)...)
	if err != nil {
		return err
	}

	var wg conc.WaitGroup
	defer wg.Wait()

	if cfg.Metrics.Listen != "" {
		collector := metrics.New(bus, metrics.Sources{
			Tasks:       srv.Tasks().Counts,
			Workers:     srv.Dispatcher().Workers().Counts,
			Connections: srv.Connections,
			Sessions:    authority.ActiveSessions,
		})
		defer collector.Close()
		wg.Go(func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, collector.Handler(), logger); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		})
	}

	if cfg.NATS.URL != "" {
		nc, err := natsbridge.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		bridge := natsbridge.New(bus, nc,
			natsbridge.WithPrefix(cfg.NATS.SubjectPrefix),
			natsbridge.WithLogger(logger))
		defer bridge.Close()
		logger.Info("mirroring events to nats", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "taskmesh coordinator listening on %s\n", srv.Addr())

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Stop()
}

func serverOptions(cfg *config.Config, bus *event.Bus, logger *logging.Logger) []coordinator.Option {
	chanOpts := channelOptions(cfg, logger)
	if cfg.Server.IdleTimeout > 0 {
		chanOpts = append(chanOpts, securechan.WithIdleTimeout(cfg.Server.IdleTimeout))
	}
	return []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithBus(bus),
		coordinator.WithLiveness(cfg.Liveness.HeartbeatInterval, cfg.Liveness.MissedHeartbeats),
		coordinator.WithSweepInterval(cfg.Liveness.SweepInterval),
		coordinator.WithRetention(cfg.Tasks.Retention),
		coordinator.WithForgetUnreachable(cfg.Liveness.ForgetAfter),
		coordinator.WithWorkerAuth(cfg.Auth.RequireWorkerAuth),
		coordinator.WithChannelOptions(chanOpts...),
	}
}
