//go:build !(linux && amd64)

package sandbox

import (
	"log/slog"
	"runtime"

	"github.com/cuongbtq/benchrunner/internal/tuning"
)

// New always returns an Unsupported sandbox off linux/amd64
func New(cfg MicroVMConfig, tuner tuning.Tuner, logger *slog.Logger) Sandbox {
	logger.Error("MicroVM sandbox is not available on this platform, every job will fail",
		slog.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
	)
	return Unsupported{Reason: runtime.GOOS + "/" + runtime.GOARCH}
}
