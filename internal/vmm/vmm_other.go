//go:build !(linux && amd64)

package vmm

import (
	"context"
	"log/slog"
)

func Run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	return ErrUnsupported
}
