package vmm

import (
	"context"
	"errors"
	"log/slog"
)

// Run boots the guest described by cfg and blocks until it powers off or ctx
// is done. Capabilities are dropped and the seccomp filter installed after
// every host resource is acquired and before the first guest instruction.
func Run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m, err := NewMachine(cfg, logger)
	if err != nil {
		return err
	}

	if err := DropCapabilities(cfg.KeepNetAdmin); err != nil {
		return errors.Join(err, m.Close())
	}

	if cfg.Seccomp {
		filter, err := compileSeccomp(allowedSyscalls)
		if err != nil {
			return errors.Join(err, m.Close())
		}
		if err := applySeccomp(filter); err != nil {
			return errors.Join(err, m.Close())
		}
	} else {
		logger.Warn("Seccomp filter disabled")
	}

	logger.Info("Booting guest",
		slog.Int("vcpus", cfg.VCPUs),
		slog.Int64("memory_bytes", cfg.MemoryBytes),
		slog.Uint64("guest_cid", cfg.GuestCID),
		slog.Bool("seccomp", cfg.Seccomp),
	)

	err = m.Run(ctx)
	closeErr := m.Close()
	if ctx.Err() != nil {
		return err
	}
	return errors.Join(err, closeErr)
}
