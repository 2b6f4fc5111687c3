package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/benchrunner/internal/config"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/cuongbtq/benchrunner/internal/sandbox"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newExecCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "exec <jobspec.json>",
		Short: "Run one job spec in the sandbox without a server and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := runExec(cmd.Context(), configPath, args[0])
			if err != nil {
				return err
			}

			data, err := protocol.EncodeRunnerMessage(msg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))

			if failed, ok := msg.(protocol.Failed); ok {
				return errors.New(failed.Error)
			}
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// runExec maps the sandbox result the same way the daemon does before it
// reports to the server
func runExec(ctx context.Context, configPath, specPath string) (protocol.RunnerMessage, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateSandboxConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	data, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	var spec protocol.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	jobID := uuid.NewString()
	sbCfg, err := sandbox.Translate(jobID, &spec, sandbox.Defaults{
		VCPUs:       max(cfg.Runner.DefaultVCPU, 1),
		MemoryBytes: max(cfg.Runner.DefaultMemory, 256<<20),
	})
	if err != nil {
		return nil, err
	}

	sb, err := initSandbox(&cfg.Sandbox, appLogger)
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Running job locally",
		slog.String("job_id", jobID),
		slog.String("image", sbCfg.Image),
	)

	outcome, err := sb.Run(ctx, sbCfg)
	if err != nil {
		return sandbox.FailureMessage(err), nil
	}
	return outcome.Message(), nil
}
