package sandbox

import (
	"log/slog"

	"github.com/cuongbtq/benchrunner/internal/tuning"
	"golang.org/x/sys/unix"
)

// New returns the microVM sandbox when this host can open /dev/kvm, and an
// Unsupported sandbox naming the reason otherwise
func New(cfg MicroVMConfig, tuner tuning.Tuner, logger *slog.Logger) Sandbox {
	if err := unix.Access("/dev/kvm", unix.R_OK|unix.W_OK); err != nil {
		logger.Error("KVM is not available, every job will fail", slog.Any("error", err))
		return Unsupported{Reason: "/dev/kvm: " + err.Error()}
	}
	return NewMicroVM(cfg, tuner, logger)
}
