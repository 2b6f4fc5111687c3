package worker

import (
	"log/slog"
)

// spawnWorkerPool spawns N job slots based on concurrency configuration
func (w *Worker) spawnWorkerPool() {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop offers the slot to the dispatcher and runs each job it hands over
func (w *Worker) workerLoop(workerNum int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("worker_num", workerNum))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Worker goroutine stopping - stopChan closed")
			return

		case <-w.dispatcherDone:
			logger.Info("Worker goroutine stopping - dispatcher stopped")
			return

		case w.ready <- struct{}{}:
		}

		job, ok := <-w.jobsChan
		if !ok {
			logger.Info("Worker goroutine stopping - jobsChan closed")
			return
		}

		logger.Info("Worker received job",
			slog.String("job_uuid", job.UUID.String()),
		)

		w.processJob(w.jobCtx, job, logger.With(slog.String("job_uuid", job.UUID.String())))
	}
}
