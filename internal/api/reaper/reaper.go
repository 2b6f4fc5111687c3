package reaper

import (
	"context"
	"log/slog"
	"time"
)

// batchSize bounds how many stale jobs one sweep fails
const batchSize = 100

// Sweeper fails jobs whose runner stopped heartbeating; satisfied by *service.JobService
type Sweeper interface {
	ReapStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error)
}

// Reaper periodically fails Claimed/Running jobs whose last heartbeat is older
// than staleAfter. It covers runners that vanished without the lifecycle
// channel noticing, e.g. after a server restart.
type Reaper struct {
	sweeper    Sweeper
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

func New(sweeper Sweeper, interval, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		sweeper:    sweeper,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run sweeps every interval until ctx is canceled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("stale_after", r.staleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of jobs failed
func (r *Reaper) Sweep(ctx context.Context) int {
	total := 0
	for {
		n, err := r.sweeper.ReapStale(ctx, r.staleAfter, batchSize)
		total += n
		if err != nil {
			r.logger.Error("Stale job sweep failed", slog.Any("error", err))
			break
		}
		if n < batchSize {
			break
		}
	}

	if total > 0 {
		r.logger.Warn("Failed jobs with lost heartbeat", slog.Int("count", total))
	}
	return total
}
