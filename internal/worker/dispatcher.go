package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuongbtq/benchrunner/internal/worker/domain"
)

// startJobDispatcher claims a job each time a pool slot reports idle and
// hands it to that slot. Only one claim long-poll is in flight at a time.
// Rejected credentials stop it; every other claim error is retried.
func (w *Worker) startJobDispatcher(ctx context.Context) {
	defer close(w.dispatcherDone)
	defer close(w.jobsChan)

	w.logger.Info("Job dispatcher started")

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = w.retryInterval
	retry.MaxInterval = 30 * w.retryInterval

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Job dispatcher stopped - context canceled")
			return
		case <-w.ready:
		}

		for {
			job, err := w.client.Claim(ctx, w.pollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					w.logger.Info("Job dispatcher stopped during claim")
					return
				}
				if errors.Is(err, domain.ErrUnauthorized) {
					w.logger.Error("Claim rejected, check the runner uuid and token",
						slog.String("error", err.Error()),
					)
					w.fatal <- err
					return
				}

				wait := retry.NextBackOff()
				w.logClaimError(err, wait)
				if !sleep(ctx, wait) {
					w.logger.Info("Job dispatcher stopped - context canceled")
					return
				}
				continue
			}
			retry.Reset()

			if job == nil {
				w.logger.Debug("No job available")
				continue
			}

			w.logger.Info("Job claimed",
				slog.String("job_uuid", job.UUID.String()),
				slog.Int("priority", job.Priority),
				slog.String("image", job.Spec.ImageRef()),
			)

			// the slot that signaled ready is waiting on jobsChan
			w.jobsChan <- job
			break
		}
	}
}

func (w *Worker) logClaimError(err error, wait time.Duration) {
	attrs := []any{
		slog.String("error", err.Error()),
		slog.Duration("retry_in", wait),
	}

	switch {
	case errors.Is(err, domain.ErrForbidden):
		w.logger.Warn("Claim forbidden, runner may be locked or archived", attrs...)
	case domain.IsRetryable(err):
		w.logger.Warn("Claim failed", attrs...)
	default:
		w.logger.Error("Claim failed", attrs...)
	}
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
