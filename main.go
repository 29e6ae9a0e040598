package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mq-bridge/api"
	"mq-bridge/backoff"
	"mq-bridge/bridge"
	"mq-bridge/collector"
	"mq-bridge/config"
	"mq-bridge/logger"
	"mq-bridge/nats"
	"mq-bridge/queue"
	"mq-bridge/rabbitmq"
	"mq-bridge/storage"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

var errShutdownTimeout = errors.New("pair workers did not stop within the shutdown timeout")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "mq-bridge",
		Short: "Exactly-once message bridge between queue pairs",
		Long: `mq-bridge moves messages one at a time from inbound to outbound queues,
possibly on different brokers, committing the outbound side before the inbound
side and discarding redeliveries of the last forwarded message.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bridge until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBridge(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration without connecting",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return validateConfig(cmd, configPath)
			},
		},
		newLadderCmd(),
		newLocalCmd(),
	)
	return root
}

func loadBridge(path string) (*config.Config, *config.BridgeConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	bridgeCfg, err := cfg.Bridge()
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(bridgeCfg); err != nil {
		return nil, nil, err
	}
	return cfg, bridgeCfg, nil
}

func validateConfig(cmd *cobra.Command, path string) error {
	_, bridgeCfg, err := loadBridge(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration is valid: %d pairs, %d connections\n",
		len(bridgeCfg.QueuePairs), len(bridgeCfg.ReferencedConnections()))
	for _, p := range bridgeCfg.QueuePairs {
		fmt.Fprintf(out, "  %s\n", p.Name())
	}
	return nil
}

// newRegistry registers every transport. The sqlite transport is returned
// separately because its databases must be closed on exit.
func newRegistry(cfg *config.Config, log *slog.Logger) (*queue.Registry, *storage.Transport) {
	local := storage.NewTransport(cfg.DataDir, log)

	registry := queue.NewRegistry(cfg.DefaultTransport)
	registry.Register(config.TransportAMQP, rabbitmq.New(log, cfg.DeclareQueues))
	registry.Register(config.TransportNATS, nats.New(log, nats.WithDeclare(cfg.DeclareQueues)))
	registry.Register(config.TransportSQLite, local)
	return registry, local
}

func runBridge(ctx context.Context, configPath string) error {
	cfg, bridgeCfg, err := loadBridge(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	log, logCloser, err := logger.New(logger.Options{
		Version: version,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Dir:     cfg.LogDir,
		MaxAge:  time.Duration(cfg.LogMaxAgeHours) * time.Hour,
	})
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		return err
	}
	defer logCloser.Close()
	log.Info("config loaded",
		"pairs", len(bridgeCfg.QueuePairs),
		"failure_policy", cfg.FailurePolicy,
		"default_transport", cfg.DefaultTransport,
		"metrics_addr", cfg.MetricsAddr,
	)

	registry, local := newRegistry(cfg, log)
	defer local.Close()

	waitMin, waitMax := cfg.ReceiveWait()
	ladder := backoff.Generate(cfg.BackoffMinSeconds, cfg.BackoffMaxSeconds)
	log.Debug("backoff ladder", "milliseconds", ladder.Milliseconds())

	supervisor, err := bridge.NewSupervisor(bridgeCfg, bridge.NewConnector(registry), cfg.FailurePolicy, bridge.WorkerOptions{
		Ladder:  ladder,
		WaitMin: waitMin,
		WaitMax: waitMax,
		Logger:  log,
	})
	if err != nil {
		log.Error("invalid bridge configuration", "error", err)
		return err
	}

	statusCollector := collector.NewService(supervisor, log)
	if err := statusCollector.Start(cfg.StatusSchedule); err != nil {
		log.Error("failed to start status collector", "error", err)
		return err
	}
	defer func() { <-statusCollector.Stop().Done() }()

	if cfg.MetricsAddr != "" {
		server := api.NewServer(cfg.MetricsAddr, log, api.NewRouter(api.NewHandler(supervisor, log, version)))
		go func() {
			if err := server.Start(); err != nil {
				log.Error("server failed to start", "error", err)
			}
		}()
		defer func() {
			if err := server.Shutdown(cfg.ShutdownGrace()); err != nil {
				log.Error("failed to stop server", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- supervisor.Run(ctx) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		log.Info("shutdown requested, waiting for pair workers", "timeout", cfg.ShutdownGrace())
		select {
		case err = <-done:
		case <-time.After(cfg.ShutdownGrace()):
			err = errShutdownTimeout
		}
	}

	if err != nil {
		log.Error("bridge stopped with error", "error", err)
		return err
	}
	log.Info("bridge stopped")
	return nil
}

func newLadderCmd() *cobra.Command {
	var minSeconds, maxSeconds int

	cmd := &cobra.Command{
		Use:   "ladder",
		Short: "Print the reconnect backoff ladder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if minSeconds <= 0 || maxSeconds < minSeconds {
				return fmt.Errorf("invalid backoff bounds %d..%d", minSeconds, maxSeconds)
			}
			ladder := backoff.Generate(minSeconds, maxSeconds)
			for i, ms := range ladder.Milliseconds() {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d  %8d ms  %s\n", i, ms, ladder.At(i))
			}
			return nil
		},
	}
	defaults := config.DefaultSettings()
	cmd.Flags().IntVar(&minSeconds, "min", defaults.BackoffMinSeconds, "minimum delay in seconds")
	cmd.Flags().IntVar(&maxSeconds, "max", defaults.BackoffMaxSeconds, "maximum delay in seconds")
	return cmd
}
