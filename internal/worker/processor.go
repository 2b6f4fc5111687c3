package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/cuongbtq/benchrunner/internal/sandbox"
	"github.com/google/uuid"
)

// execState is shared between the heartbeat task and the executing slot
type execState struct {
	canceled atomic.Bool
	lost     atomic.Bool
}

// processJob drives one claimed job: open the channel, report Running,
// execute under heartbeats, then report the outcome. Failures before the
// channel is open are left to the server's timeouts.
func (w *Worker) processJob(ctx context.Context, job *protocol.ClaimedJob, logger *slog.Logger) {
	start := time.Now()

	ch, err := w.client.OpenChannel(ctx, job.UUID)
	if err != nil {
		logger.Error("Failed to open lifecycle channel, leaving job to server timeout",
			slog.String("error", err.Error()),
		)
		return
	}
	defer ch.Close()

	if err := ch.Send(protocol.Running{}); err != nil {
		logger.Error("Failed to report running",
			slog.String("error", err.Error()),
		)
		return
	}

	cfg, err := sandbox.Translate(job.UUID.String(), &job.Spec, w.defaults)
	if err != nil {
		logger.Error("Failed to translate job spec",
			slog.String("error", err.Error()),
		)
		w.finish(ctx, ch, job.UUID, sandbox.FailureMessage(err), logger)
		return
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	state := &execState{}
	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		w.sendHeartbeats(ch, state, cancelExec, heartbeatDone, logger)
	}()

	logger.Info("Executing job",
		slog.String("image", cfg.Image),
		slog.Int("vcpus", cfg.VCPUs),
		slog.Int64("memory_bytes", cfg.MemoryBytes),
		slog.Duration("timeout", cfg.Timeout),
	)

	outcome, runErr := w.sandbox.Run(execCtx, cfg)

	close(heartbeatDone)
	<-heartbeatStopped

	if state.canceled.Load() {
		// the cancel wins even if the benchmark finished meanwhile
		logger.Info("Job canceled by server",
			slog.Duration("elapsed", time.Since(start)),
		)
		w.reportCanceled(ctx, ch, job.UUID, logger)
		return
	}

	var msg protocol.RunnerMessage
	switch {
	case runErr != nil && ctx.Err() != nil:
		msg = sandbox.FailureMessage(errors.New("runner shutting down"))
	case runErr != nil && state.lost.Load():
		msg = sandbox.FailureMessage(fmt.Errorf("lifecycle channel lost: %w", runErr))
	case runErr != nil:
		logger.Error("Sandbox failed",
			slog.String("error", runErr.Error()),
		)
		msg = sandbox.FailureMessage(runErr)
	default:
		msg = outcome.Message()
	}

	logger.Info("Job finished",
		slog.String("event", eventName(msg)),
		slog.Duration("elapsed", time.Since(start)),
	)

	w.finish(ctx, ch, job.UUID, msg, logger)
}

// sendHeartbeats sends a Heartbeat every interval and then drains whatever
// the server sent. A Cancel sets the flag and stops execution. A dead channel
// stops execution too since nobody is left to report to.
func (w *Worker) sendHeartbeats(ch *Channel, state *execState, cancelExec context.CancelFunc, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ch.Done():
			reason, _ := ch.CloseReason()
			logger.Warn("Lifecycle channel closed during execution",
				slog.String("reason", string(reason)),
			)
			state.lost.Store(true)
			cancelExec()
			return

		case <-ticker.C:
			if err := ch.Send(protocol.Heartbeat{}); err != nil {
				logger.Warn("Failed to send heartbeat",
					slog.String("error", err.Error()),
				)
				state.lost.Store(true)
				cancelExec()
				return
			}

			for {
				msg, ok := ch.Poll()
				if !ok {
					break
				}
				if _, isCancel := msg.(protocol.Cancel); isCancel {
					logger.Info("Cancel received")
					state.canceled.Store(true)
					cancelExec()
					return
				}
				logger.Warn("Unexpected server message during execution",
					slog.String("event", fmt.Sprintf("%T", msg)),
				)
			}
		}
	}
}

// finish sends the terminal report and waits a bounded time for the Ack.
// A missing Ack is not an error. If the channel is gone the report goes
// through the update endpoint instead.
func (w *Worker) finish(ctx context.Context, ch *Channel, jobUUID uuid.UUID, msg protocol.RunnerMessage, logger *slog.Logger) {
	reportCtx := context.WithoutCancel(ctx)

	if err := ch.Send(msg); err != nil {
		logger.Warn("Failed to send report over channel, falling back to update",
			slog.String("error", err.Error()),
		)
		w.reportFallback(reportCtx, jobUUID, msg, logger)
		return
	}

	ackCtx, cancel := context.WithTimeout(reportCtx, w.ackTimeout)
	defer cancel()

	for {
		reply, err := ch.Receive(ackCtx)
		if err != nil {
			reason, _ := ch.CloseReason()
			logger.Info("Report sent without ack",
				slog.String("reason", string(reason)),
				slog.String("error", err.Error()),
			)
			return
		}

		switch reply.(type) {
		case protocol.Ack:
			logger.Info("Report acknowledged")
			return
		case protocol.Cancel:
			// too late, the terminal report stands
			logger.Debug("Ignoring cancel after report")
		}
	}
}

// reportCanceled acknowledges a server cancel. The server answers by closing
// the channel, not with an Ack.
func (w *Worker) reportCanceled(ctx context.Context, ch *Channel, jobUUID uuid.UUID, logger *slog.Logger) {
	if err := ch.Send(protocol.Canceled{}); err != nil {
		logger.Warn("Failed to send canceled over channel, falling back to update",
			slog.String("error", err.Error()),
		)
		w.reportFallback(context.WithoutCancel(ctx), jobUUID, protocol.Canceled{}, logger)
		return
	}

	select {
	case <-ch.Done():
		reason, _ := ch.CloseReason()
		logger.Info("Cancel acknowledged",
			slog.String("reason", string(reason)),
		)
	case <-time.After(w.ackTimeout):
		logger.Info("Server did not close channel after cancel")
	}
}

// reportFallback reports a terminal message through PATCH
func (w *Worker) reportFallback(ctx context.Context, jobUUID uuid.UUID, msg protocol.RunnerMessage, logger *slog.Logger) {
	req := updateRequest(msg)

	resp, err := w.client.UpdateJob(ctx, jobUUID, req)
	if err != nil {
		logger.Error("Failed to report job status",
			slog.String("status", string(req.Status)),
			slog.String("error", err.Error()),
		)
		return
	}

	if resp.Canceled && req.Status != protocol.JobStatusCanceled {
		logger.Warn("Job was canceled on the server before the report landed",
			slog.String("status", string(req.Status)),
		)
		return
	}

	logger.Info("Job status reported through update",
		slog.String("status", string(req.Status)),
	)
}

// updateRequest converts a terminal message into its PATCH body. The exit
// code is the last iteration's.
func updateRequest(msg protocol.RunnerMessage) protocol.UpdateJobRequest {
	var results []protocol.IterationOutput
	var req protocol.UpdateJobRequest

	switch m := msg.(type) {
	case protocol.Completed:
		req.Status = protocol.JobStatusCompleted
		results = m.Results
	case protocol.Failed:
		req.Status = protocol.JobStatusFailed
		results = m.Results
	default:
		req.Status = protocol.JobStatusCanceled
	}

	if len(results) > 0 {
		code := results[len(results)-1].ExitCode
		req.ExitCode = &code
	}
	return req
}

func eventName(msg protocol.RunnerMessage) string {
	switch msg.(type) {
	case protocol.Completed:
		return protocol.EventCompleted
	case protocol.Failed:
		return protocol.EventFailed
	case protocol.Canceled:
		return protocol.EventCanceled
	default:
		return fmt.Sprintf("%T", msg)
	}
}
