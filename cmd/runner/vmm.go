package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/benchrunner/internal/vmm"
	"github.com/cuongbtq/benchrunner/shared/logger"
	"github.com/spf13/cobra"
)

// newVMMCmd is the sandboxed child the microVM sandbox spawns per job. It
// logs JSON to stderr, which the parent captures into the job directory.
func newVMMCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:    "vmm",
		Short:  "Boot one guest from a VMM config file",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := vmm.LoadConfig(configPath)
			if err != nil {
				return err
			}

			vmmLogger, err := logger.New(&logger.Config{
				Level:      logLevel,
				Format:     "json",
				Output:     "stderr",
				TimeFormat: time.RFC3339,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return vmm.Run(ctx, cfg, vmmLogger.Component("vmm").Logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the VMM config written by the runner")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
