package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/cuongbtq/benchrunner/internal/sandbox"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Client            *Client
	Sandbox           sandbox.Sandbox
	Concurrency       int
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	RetryInterval     time.Duration
	Defaults          sandbox.Defaults
}

// Worker is the runner daemon: one dispatcher claims jobs while idle pool
// slots execute them
type Worker struct {
	logger            *slog.Logger
	client            *Client
	sandbox           sandbox.Sandbox
	concurrency       int
	pollTimeout       time.Duration
	heartbeatInterval time.Duration
	ackTimeout        time.Duration
	retryInterval     time.Duration
	defaults          sandbox.Defaults

	// jobCtx outlives the Start context so in-flight jobs can finish after
	// claiming stops
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	ready          chan struct{}
	jobsChan       chan *protocol.ClaimedJob
	dispatcherDone chan struct{}
	fatal          chan error
	stopChan       chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Second
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout < time.Second {
		pollTimeout = 30 * time.Second
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())

	return &Worker{
		logger:            cfg.Logger,
		client:            cfg.Client,
		sandbox:           cfg.Sandbox,
		concurrency:       concurrency,
		pollTimeout:       pollTimeout,
		heartbeatInterval: heartbeatInterval,
		ackTimeout:        ackTimeout,
		retryInterval:     retryInterval,
		defaults:          cfg.Defaults,
		jobCtx:            jobCtx,
		cancelJobs:        cancelJobs,
		ready:             make(chan struct{}),
		jobsChan:          make(chan *protocol.ClaimedJob),
		dispatcherDone:    make(chan struct{}),
		fatal:             make(chan error, 1),
		stopChan:          make(chan struct{}),
	}
}

// Start claims and runs jobs until ctx is canceled or the server rejects the
// runner's credentials. Jobs already running keep going; Stop decides how
// long they get.
func (w *Worker) Start(ctx context.Context) error {
	if w.client == nil || w.sandbox == nil {
		return errors.New("worker needs a client and a sandbox")
	}

	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_timeout", w.pollTimeout),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
	)

	w.spawnWorkerPool()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startJobDispatcher(ctx)
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, no new jobs will be claimed")
		return nil
	case err := <-w.fatal:
		return fmt.Errorf("job dispatcher stopped: %w", err)
	}
}

// Stop waits up to timeout for running jobs to report, then cancels them and
// waits for their failure reports. It returns false when the timeout was hit.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	defer w.cancelJobs()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return true
	case <-time.After(timeout):
	}

	w.logger.Warn("Worker shutdown timeout exceeded, canceling running jobs")
	w.cancelJobs()

	select {
	case <-done:
	case <-time.After(w.ackTimeout + w.heartbeatInterval):
		w.logger.Error("Jobs did not report after cancellation")
	}
	return false
}
