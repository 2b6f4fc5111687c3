package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/benchrunner/internal/config"
	"github.com/cuongbtq/benchrunner/internal/sandbox"
	"github.com/cuongbtq/benchrunner/internal/tuning"
	"github.com/cuongbtq/benchrunner/shared/logger"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "runner",
		Short:         "Claims benchmark jobs and runs them in microVMs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newExecCmd(),
		newVMMCmd(),
		newVersionCmd(),
	)
	return root
}

// addConfigFlag registers --config, defaulting to RUNNER_CONFIG_PATH
func addConfigFlag(cmd *cobra.Command, path *string) {
	defaultConfigPath := os.Getenv("RUNNER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/runner/config.yaml"
	}
	cmd.Flags().StringVar(path, "config", defaultConfigPath, "Path to configuration file")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runner version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initSandbox builds the job sandbox. The VMM child is this same binary
// unless the config names another.
func initSandbox(cfg *config.SandboxConfig, appLogger *logger.Logger) (sandbox.Sandbox, error) {
	vmmBinary := cfg.VMMBinary
	if vmmBinary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate runner binary: %w", err)
		}
		vmmBinary = self
	}

	var tuner tuning.Tuner = tuning.Noop{}
	if cfg.Tuning {
		tuner = tuning.NewGovernor(tuning.DefaultSysfsRoot, cfg.TuningCPUs, cfg.TuningGovernor, appLogger.Logger)
	}

	return sandbox.New(sandbox.MicroVMConfig{
		VMMBinary:      vmmBinary,
		KernelPath:     cfg.KernelPath,
		KernelSHA256:   cfg.KernelSHA256,
		KernelCmdline:  cfg.KernelCmdline,
		ImageDir:       cfg.ImageDir,
		WorkDir:        cfg.WorkDir,
		CollectorPoll:  cfg.CollectorPoll,
		CollectorGrace: cfg.CollectorGrace,
		MaxOutputBytes: cfg.MaxOutputBytes,
		KeepNetAdmin:   cfg.KeepNetAdmin,
		Seccomp:        !cfg.NoSeccomp,
	}, tuner, appLogger.Logger), nil
}
