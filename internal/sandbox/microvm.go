package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/benchrunner/internal/artifact"
	"github.com/cuongbtq/benchrunner/internal/tuning"
	"github.com/cuongbtq/benchrunner/internal/vmm"
	"github.com/cuongbtq/benchrunner/internal/vsock"
)

const (
	// stopTimeout is how long a guest that reported its exit code gets to power off
	stopTimeout = 2 * time.Second
	// logTailBytes of the VMM log are attached to a VMM failure
	logTailBytes = 2048
)

// MicroVMConfig holds the host side settings shared by every job
type MicroVMConfig struct {
	// VMMBinary is re-executed as "VMMBinary vmm --config <file>"
	VMMBinary      string
	KernelPath     string
	KernelSHA256   string
	KernelCmdline  string
	ImageDir       string
	WorkDir        string
	CollectorPoll  time.Duration
	CollectorGrace time.Duration
	MaxOutputBytes int64
	KeepNetAdmin   bool
	Seccomp        bool
}

// MicroVM runs each job in a fresh KVM guest owned by a child VMM process
type MicroVM struct {
	cfg    MicroVMConfig
	tuner  tuning.Tuner
	logger *slog.Logger
}

func NewMicroVM(cfg MicroVMConfig, tuner tuning.Tuner, logger *slog.Logger) *MicroVM {
	if tuner == nil {
		tuner = tuning.Noop{}
	}
	return &MicroVM{
		cfg:    cfg,
		tuner:  tuner,
		logger: logger,
	}
}

// ImagePath is where the initrd built from an image digest is expected.
// Next to it, {hex}.cpio.sha256 pins its content.
func ImagePath(imageDir, digest string) string {
	return filepath.Join(imageDir, strings.TrimPrefix(digest, "sha256:")+".cpio")
}

// Run boots the job's guest and collects its results. The guest gets
// cfg.Timeout of wall-clock time from the moment the VMM starts.
func (s *MicroVM) Run(ctx context.Context, cfg *Config) (*Outcome, error) {
	logger := s.logger.With(slog.String("job_uuid", cfg.JobID))

	runDir := filepath.Join(s.cfg.WorkDir, cfg.JobID)
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, &SetupError{Stage: "workdir", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(runDir); err != nil {
			logger.Warn("Failed to remove job directory", slog.Any("error", err))
		}
	}()

	if err := artifact.Verify(s.cfg.KernelPath, s.cfg.KernelSHA256); err != nil {
		return nil, &SetupError{Stage: "kernel", Err: err}
	}

	initrd, err := s.verifyImage(cfg.Digest)
	if err != nil {
		return nil, &SetupError{Stage: "image", Err: err}
	}

	if cfg.Network {
		logger.Warn("Job requested networking; the guest only has loopback")
	}

	param, err := cfg.Command.CmdlineParam()
	if err != nil {
		return nil, &SetupError{Stage: "config", Err: err}
	}

	vmCfg := &vmm.Config{
		KernelPath:   s.cfg.KernelPath,
		InitrdPath:   initrd,
		Cmdline:      strings.TrimSpace(s.cfg.KernelCmdline + " " + param),
		VCPUs:        cfg.VCPUs,
		MemoryBytes:  cfg.MemoryBytes,
		UDSPath:      filepath.Join(runDir, "v.sock"),
		GuestCID:     vmm.DefaultGuestCID,
		ConsolePath:  filepath.Join(runDir, "console.log"),
		KeepNetAdmin: s.cfg.KeepNetAdmin,
		Seccomp:      s.cfg.Seccomp,
	}
	if err := vmCfg.Validate(); err != nil {
		return nil, &SetupError{Stage: "config", Err: err}
	}
	configPath := filepath.Join(runDir, "vmm.json")
	if err := vmm.WriteConfig(configPath, vmCfg); err != nil {
		return nil, &SetupError{Stage: "config", Err: err}
	}

	collector, err := vsock.Listen(vsock.Config{
		UDSPath:      vmCfg.UDSPath,
		PollInterval: s.cfg.CollectorPoll,
		Grace:        s.cfg.CollectorGrace,
		MaxBytes:     s.cfg.MaxOutputBytes,
	}, logger)
	if err != nil {
		return nil, &SetupError{Stage: "collector", Err: err}
	}
	defer collector.Close()

	restore, err := s.tuner.Apply(ctx)
	if err != nil {
		return nil, &SetupError{Stage: "tuning", Err: err}
	}
	defer func() {
		if err := restore(); err != nil {
			logger.Warn("Failed to restore host tuning", slog.Any("error", err))
		}
	}()

	logPath := filepath.Join(runDir, "vmm.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, &SetupError{Stage: "vmm", Err: err}
	}
	defer logFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := exec.Command(s.cfg.VMMBinary, "vmm", "--config", configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = vmmProcAttr()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SetupError{Stage: "vmm", Err: err}
	}
	logger.Info("VMM started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("vcpus", vmCfg.VCPUs),
		slog.Int64("memory_bytes", vmCfg.MemoryBytes),
		slog.Duration("timeout", cfg.Timeout),
	)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	collectCtx, stopCollect := context.WithCancel(runCtx)
	defer stopCollect()
	resultCh := make(chan *vsock.Result, 1)
	go func() {
		resultCh <- collector.Collect(collectCtx)
	}()

	var (
		result  *vsock.Result
		waitErr error
	)
	select {
	case result = <-resultCh:
		waitErr = s.stopVM(runCtx, cmd, waitCh, result.ExitCode != nil)
	case waitErr = <-waitCh:
		// connections may still be draining after the VMM is gone
		timer := time.AfterFunc(s.cfg.CollectorGrace, stopCollect)
		result = <-resultCh
		timer.Stop()
	}
	elapsed := time.Since(started)

	if ctx.Err() != nil && result.ExitCode == nil {
		return nil, ctx.Err()
	}

	if waitErr != nil && result.ExitCode == nil && runCtx.Err() == nil {
		return nil, &SetupError{Stage: "vmm", Err: fmt.Errorf("%w: %s", waitErr, logTail(logPath))}
	}
	if waitErr != nil {
		logger.Warn("VMM exited with error", slog.Any("error", waitErr))
	}

	outcome := &Outcome{
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Output:    result.Output,
		ExitCode:  result.ExitCode,
		Truncated: result.Truncated,
		TimedOut:  result.ExitCode == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Elapsed:   elapsed,
	}

	logger.Info("Guest finished",
		slog.Duration("elapsed", elapsed),
		slog.Bool("exit_code_reported", outcome.ExitCode != nil),
		slog.Bool("timed_out", outcome.TimedOut),
		slog.Bool("truncated", outcome.Truncated),
	)

	return outcome, nil
}

// verifyImage checks the initrd for digest against its pinned sha256
func (s *MicroVM) verifyImage(digest string) (string, error) {
	path := ImagePath(s.cfg.ImageDir, digest)

	pin, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return "", fmt.Errorf("image %s has no pinned sha256: %w", digest, err)
	}
	// sha256sum format: "<hex>  <name>"
	fields := strings.Fields(string(pin))
	if len(fields) == 0 {
		return "", fmt.Errorf("image %s has an empty sha256 pin", digest)
	}

	if err := artifact.Verify(path, fields[0]); err != nil {
		return "", err
	}
	return path, nil
}

// stopVM waits for a guest that reported its exit code to power off, and
// kills the VMM otherwise
func (s *MicroVM) stopVM(ctx context.Context, cmd *exec.Cmd, waitCh <-chan error, graceful bool) error {
	if graceful && ctx.Err() == nil {
		select {
		case err := <-waitCh:
			return err
		case <-time.After(stopTimeout):
			s.logger.Warn("Guest did not power off, killing VMM", slog.Duration("waited", stopTimeout))
		}
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Failed to kill VMM", slog.Any("error", err))
	}
	err := <-waitCh
	if !graceful {
		// the kill itself is not a VMM failure
		return nil
	}
	return err
}

func logTail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > logTailBytes {
		if _, err := f.Seek(-logTailBytes, io.SeekEnd); err != nil {
			return ""
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
