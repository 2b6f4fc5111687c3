// Command sandbox-init is the guest agent and init process of a benchmark
// microVM. It reads the command from the kernel command line, runs it, sends
// the results to the host over vsock and powers the guest off.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o init ./cmd/sandbox-init
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/cuongbtq/benchrunner/shared/logger"
	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

const outputPath = "/tmp/bench-output"

type mount struct {
	source, target, fstype string
	flags                  uintptr
}

var mounts = []mount{
	{"proc", "/proc", "proc", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{"sysfs", "/sys", "sysfs", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{"devtmpfs", "/dev", "devtmpfs", unix.MS_NOSUID},
	{"tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV},
}

func main() {
	appLogger, err := logger.New(&logger.Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	})
	if err != nil {
		appLogger = logger.NewDefault()
	}
	log := appLogger.Component("sandbox-init")

	if os.Getpid() == 1 {
		setupInit(log.Logger)
		defer powerOff(log.Logger)
	}

	r := runFromCmdline(log.Logger)

	if err := report(dialHost, r); err != nil {
		log.Error("Failed to report results", slog.String("error", err.Error()))
		return
	}
	log.Info("Results reported", slog.Int("exit_code", r.exitCode))
}

func runFromCmdline(log *slog.Logger) result {
	cmdline, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		log.Error("Failed to read kernel command line", slog.String("error", err.Error()))
		return failed(err)
	}

	cmd, err := protocol.ParseGuestCommand(string(cmdline))
	if err != nil {
		log.Error("No benchmark to run", slog.String("error", err.Error()))
		return failed(err)
	}

	cmd, err = resolveCommand(cmd, protocol.ImageCommandPath)
	if err != nil {
		log.Error("No benchmark to run", slog.String("error", err.Error()))
		return failed(err)
	}

	log.Info("Running benchmark", slog.Any("argv", cmd.Argv))
	return runCommand(context.Background(), cmd, outputPath)
}

func dialHost(port uint32) (io.WriteCloser, error) {
	conn, err := vsock.Dial(vsock.Host, port, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// setupInit mounts the pseudo filesystems a minimal initramfs lacks
func setupInit(log *slog.Logger) {
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Warn("Failed to create mount point", slog.String("target", m.target), slog.String("error", err.Error()))
			continue
		}
		err := unix.Mount(m.source, m.target, m.fstype, m.flags, "")
		if err != nil && !errors.Is(err, unix.EBUSY) {
			log.Warn("Failed to mount", slog.String("target", m.target), slog.String("error", err.Error()))
		}
	}
}

// powerOff restarts the guest, which the VMM treats as shutdown. PID 1 must
// never return.
func powerOff(log *slog.Logger) {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		log.Error("Reboot failed", slog.String("error", err.Error()))
	}
	select {}
}
