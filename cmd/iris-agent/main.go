// Command iris-agent is the thin cobra launcher for the agent process
// (spec §4.1): load config, connect to the bus and object store, register
// liveness, and run the measurement loop until signaled to stop.
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

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/traceroute-cloud/iris/internal/agent"
	"github.com/traceroute-cloud/iris/internal/bus"
	"github.com/traceroute-cloud/iris/internal/command"
	"github.com/traceroute-cloud/iris/internal/config"
	"github.com/traceroute-cloud/iris/internal/log"
	"github.com/traceroute-cloud/iris/internal/metrics"
	"github.com/traceroute-cloud/iris/internal/model"
	"github.com/traceroute-cloud/iris/internal/storage"
)

var (
	configFile string
	socketPath string
)

// version is stamped at build time via -ldflags "-X main.version=...";
// left at this default for local/dev builds.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "iris-agent",
		Short: "Iris measurement agent",
		Long:  "iris-agent runs round tasks dispatched by the worker: it stages probe inputs, runs the prober subprocess, and uploads results.",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	root.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "control socket path (overrides config)")

	root.AddCommand(runCmd(), statusCmd(), reloadCmd(), shutdownCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent daemon in the foreground",
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

	agentUUID := uuid.New()
	a := agent.New(cfg.Agent, cfg.Storage.TargetsBucketPrefix, b, st, logger, agentUUID)

	registration := model.AgentRegistration{
		AgentUUID: agentUUID,
		Parameters: model.AgentParameters{
			Hostname:     cfg.Node.Hostname,
			Version:      version,
			IPAddress:    cfg.Node.IP,
			ProbingRate:  cfg.Agent.MaxProbingRate,
			IPsPerSubnet: cfg.Agent.IPsPerSubnet,
			MinTTL:       cfg.Agent.MinTTL,
			MaxTTL:       cfg.Agent.MaxTTL,
		},
		State:     model.AgentIdle,
		Heartbeat: time.Now().Unix(),
	}
	if err := b.Register(ctx, agentUUID.String(), registration); err != nil {
		return fmt.Errorf("register on bus: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := command.NewCommandHandler("agent", nil)
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

	go heartbeatLoop(runCtx, b, agentUUID.String(), cfg.Bus.HeartbeatInterval, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	logger.Info("agent started", "agent_uuid", agentUUID, "node", cfg.Node.Hostname)
	err = a.Run(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

func heartbeatLoop(ctx context.Context, b *bus.Bus, agentUUID string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Heartbeat(ctx, agentUUID); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent daemon status",
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
		Short: "Reload the agent daemon's configuration",
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
		Short: "Gracefully stop the agent daemon",
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
		path = "/var/run/iris-agent.sock"
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
