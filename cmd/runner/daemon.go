package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/benchrunner/internal/config"
	"github.com/cuongbtq/benchrunner/internal/sandbox"
	"github.com/cuongbtq/benchrunner/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Claim jobs from the server and run them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDaemon(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateRunnerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	runnerUUID, err := uuid.Parse(cfg.Runner.RunnerUUID)
	if err != nil {
		return fmt.Errorf("invalid config: runner_uuid: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting runner daemon",
		slog.String("app", cfg.App.Name),
		slog.String("version", version),
		slog.String("runner_uuid", runnerUUID.String()),
		slog.String("server_url", cfg.Runner.ServerURL),
	)

	client, err := worker.NewClient(&worker.ClientConfig{
		ServerURL:      cfg.Runner.ServerURL,
		RunnerUUID:     runnerUUID,
		Token:          cfg.Runner.Token,
		RequestTimeout: cfg.Runner.RequestTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	sb, err := initSandbox(&cfg.Sandbox, appLogger)
	if err != nil {
		return err
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Client:            client,
		Sandbox:           sb,
		Concurrency:       cfg.Runner.Concurrency,
		PollTimeout:       cfg.Runner.PollTimeout,
		HeartbeatInterval: cfg.Runner.HeartbeatInterval,
		AckTimeout:        cfg.Runner.AckTimeout,
		RetryInterval:     cfg.Runner.RetryInterval,
		Defaults: sandbox.Defaults{
			VCPUs:       cfg.Runner.DefaultVCPU,
			MemoryBytes: cfg.Runner.DefaultMemory,
		},
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Runner daemon started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
			slog.Duration("timeout", cfg.Runner.ShutdownTimeout),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		cancel()
		workerInstance.Stop(cfg.Runner.ShutdownTimeout)
		return err
	}

	// Stop claiming; running jobs get ShutdownTimeout to report
	cancel()

	if !workerInstance.Stop(cfg.Runner.ShutdownTimeout) {
		appLogger.Warn("Running jobs were canceled at shutdown")
	}

	appLogger.Info("Runner daemon shutdown complete")
	return nil
}
