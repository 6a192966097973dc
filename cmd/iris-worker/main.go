// Command iris-worker is the thin cobra launcher for the worker process
// (spec §4.2): load config, connect to the bus, object store, and
// registry, and run the round pipeline until signaled to stop.
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

	"github.com/spf13/cobra"

	"github.com/traceroute-cloud/iris/internal/bus"
	"github.com/traceroute-cloud/iris/internal/command"
	"github.com/traceroute-cloud/iris/internal/config"
	"github.com/traceroute-cloud/iris/internal/database"
	"github.com/traceroute-cloud/iris/internal/log"
	"github.com/traceroute-cloud/iris/internal/metrics"
	"github.com/traceroute-cloud/iris/internal/storage"
	"github.com/traceroute-cloud/iris/internal/worker"
)

var (
	configFile string
	socketPath string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "iris-worker",
		Short: "Iris measurement worker",
		Long:  "iris-worker observes round-complete notifications, ingests results, computes next-round probes, and dispatches or finalizes each measurement-agent participation.",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	root.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "control socket path (overrides config)")

	root.AddCommand(runCmd(), statusCmd(), reloadCmd(), shutdownCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if socketPath != "" {
		cfg.Control.Socket = socketPath
	}

	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logger := slog.Default()

	b, err := bus.New(cfg.Bus)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	st, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}

	reg, err := database.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect registry: %w", err)
	}
	defer reg.Close()
	if err := reg.CreateTables(ctx, false); err != nil {
		return fmt.Errorf("create registry tables: %w", err)
	}

	w := worker.New(cfg.Worker, b, st, reg, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := command.NewCommandHandler("worker", nil)
	handler.SetShutdownFunc(cancel)
	udsServer := command.NewUDSServer(cfg.Control.Socket, handler)
	go func() {
		if err := udsServer.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("uds server failed", "error", err)
		}
	}()
	defer udsServer.Stop()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer metricsServer.Stop(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	logger.Info("worker started", "node", cfg.Node.Hostname)
	err = w.Run(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd.Context(), func(ctx context.Context, client *command.UDSClient) (*command.Response, error) {
				return client.DaemonStatus(ctx)
			})
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the worker daemon's configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd.Context(), func(ctx context.Context, client *command.UDSClient) (*command.Response, error) {
				return client.ConfigReload(ctx)
			})
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd.Context(), func(ctx context.Context, client *command.UDSClient) (*command.Response, error) {
				return client.Shutdown(ctx)
			})
		},
	}
}

func printResult(ctx context.Context, call func(context.Context, *command.UDSClient) (*command.Response, error)) error {
	path := socketPath
	if path == "" {
		path = "/var/run/iris-worker.sock"
	}
	client := command.NewUDSClient(path, 10*time.Second)
	resp, err := call(ctx, client)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s", resp.Error.Message)
	}
	fmt.Printf("%+v\n", resp.Result)
	return nil
}
