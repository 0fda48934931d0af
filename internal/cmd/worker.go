package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/taskmesh/internal/handlers"
	"github.com/Iron-Ham/taskmesh/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker that executes tasks",
	Long: `Connect to the coordinator, register, and execute assigned tasks until
interrupted. The worker reconnects with backoff when the connection drops.

Built-in task types:
  computation       sum, average, matrix_multiply
  data_processing   filter, sort, aggregate over a list of records
  io_operation      read, write, list files under worker.io_root`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("id", "", "worker id (default: worker-<host>-<pid>)")
	workerCmd.Flags().StringSlice("capabilities", nil, "task types to accept (default: all built-in types)")
	workerCmd.Flags().String("address", "", "coordinator address (overrides client.address)")
	workerCmd.Flags().String("io-root", "", "directory io_operation tasks are confined to")
	_ = viper.BindPFlag("worker.id", workerCmd.Flags().Lookup("id"))
	_ = viper.BindPFlag("worker.capabilities", workerCmd.Flags().Lookup("capabilities"))
	_ = viper.BindPFlag("client.address", workerCmd.Flags().Lookup("address"))
	_ = viper.BindPFlag("worker.io_root", workerCmd.Flags().Lookup("io-root"))
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	registry := handlers.Default(cfg.Worker.IORoot)
	if len(cfg.Worker.Capabilities) > 0 {
		registry = registry.Restrict(cfg.Worker.Capabilities)
	}
	exec := handlers.NewExecutor(registry,
		handlers.WithStepDelay(cfg.Worker.StepDelay),
		handlers.WithLogger(logger))

	chanOpts := channelOptions(cfg, logger)
	agent, err := worker.New(worker.Config{
		ID:                cfg.Worker.ID,
		Address:           cfg.Client.Address,
		Key:               key,
		Capabilities:      cfg.Worker.Capabilities,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RequestTimeout:    cfg.Client.RequestTimeout,
		Username:          cfg.Worker.Username,
		Password:          cfg.Worker.Password,
		Version:           Version,
	}, exec,
		worker.WithLogger(logger),
		worker.WithChannelOptions(chanOpts...),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "worker_id", agent.ID(), "coordinator", cfg.Client.Address,
		"capabilities", agent.Capabilities())
	err = agent.Run(ctx)
	logger.Info("worker stopped", "completed", agent.Completed(), "failed", agent.Failed())
	return explain(err)
}
