package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/api/service"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/gorilla/websocket"
)

// Jobs is the subset of the job service a session drives
type Jobs interface {
	UpdateStatus(ctx context.Context, runner *model.Runner, job *model.Job, change service.StatusChange) error
	Heartbeat(ctx context.Context, job *model.Job) (bool, error)
	FailJob(ctx context.Context, job *model.Job, reason string) error
}

// Config holds lifecycle channel timing
type Config struct {
	HeartbeatWindow time.Duration
	TimeoutGrace    time.Duration
	WriteTimeout    time.Duration
}

// NewUpgrader accepts only the runner.v1 subprotocol. Runners are not
// browsers, so the origin is not checked.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		Subprotocols: []string{protocol.SubprotocolV1},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
}

// Session is the server side of one job's lifecycle channel
type Session struct {
	conn   *websocket.Conn
	jobs   Jobs
	runner *model.Runner
	job    *model.Job
	cfg    Config
	logger *slog.Logger

	cancelSent bool
}

func NewSession(conn *websocket.Conn, jobs Jobs, runner *model.Runner, job *model.Job, cfg Config, logger *slog.Logger) *Session {
	return &Session{
		conn:   conn,
		jobs:   jobs,
		runner: runner,
		job:    job,
		cfg:    cfg,
		logger: logger.With(
			slog.String("job_uuid", job.UUID.String()),
			slog.String("runner_uuid", runner.UUID.String()),
		),
	}
}

type inbound struct {
	data []byte
	err  error
}

// Run processes runner messages until a terminal message, a timeout or ctx
// cancellation, and returns the close reason sent to the runner. An empty
// reason means the server is shutting down.
func (s *Session) Run(ctx context.Context) protocol.CloseReason {
	defer s.conn.Close()

	reads := make(chan inbound)
	done := make(chan struct{})
	defer close(done)
	go s.readLoop(reads, done)

	heartbeat := time.NewTimer(s.cfg.HeartbeatWindow)
	defer heartbeat.Stop()

	deadline := time.NewTimer(time.Until(s.job.Deadline(s.cfg.TimeoutGrace)))
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close(websocket.CloseGoingAway, "")
			return ""

		case <-heartbeat.C:
			s.logger.Warn("No message within heartbeat window",
				slog.Duration("window", s.cfg.HeartbeatWindow),
			)
			s.fail(ctx, "heartbeat timeout")
			s.close(websocket.CloseNormalClosure, protocol.CloseHeartbeatTimeout)
			return protocol.CloseHeartbeatTimeout

		case <-deadline.C:
			s.logger.Warn("Job exceeded its timeout",
				slog.Int("timeout_seconds", s.job.Spec.Timeout),
			)
			s.fail(ctx, "job timeout exceeded")
			s.close(websocket.CloseNormalClosure, protocol.CloseJobTimeoutExceeded)
			return protocol.CloseJobTimeoutExceeded

		case in, ok := <-reads:
			if !ok {
				// peer is gone; the heartbeat window decides the outcome
				reads = nil
				continue
			}
			if in.err != nil {
				s.logger.Info("Lifecycle channel read ended", slog.Any("error", in.err))
				continue
			}

			msg, err := protocol.DecodeRunnerMessage(in.data)
			if err != nil {
				s.logger.Warn("Rejected runner message", slog.Any("error", err))
				continue
			}

			reason, valid := s.handle(ctx, msg)
			if !valid {
				continue
			}
			heartbeat.Reset(s.cfg.HeartbeatWindow)

			if reason != "" {
				s.close(websocket.CloseNormalClosure, reason)
				return reason
			}
		}
	}
}

func (s *Session) readLoop(out chan<- inbound, done <-chan struct{}) {
	defer close(out)
	for {
		_, data, err := s.conn.ReadMessage()
		select {
		case out <- inbound{data: data, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handle applies one message. valid is false for messages that are out of
// order; they do not count as liveness. A non-empty reason ends the session.
func (s *Session) handle(ctx context.Context, msg protocol.RunnerMessage) (reason protocol.CloseReason, valid bool) {
	switch m := msg.(type) {
	case protocol.Running:
		if s.job.Status != protocol.JobStatusClaimed {
			s.logger.Warn("Unexpected running message", slog.String("status", string(s.job.Status)))
			return "", false
		}
		if err := s.update(ctx, service.StatusChange{To: protocol.JobStatusRunning}); err != nil {
			return s.terminalFromStore(), true
		}
		s.logger.Info("Job running")
		return "", true

	case protocol.Heartbeat:
		cancelRequested, err := s.jobs.Heartbeat(ctx, s.job)
		if err != nil {
			s.logger.Error("Failed to record heartbeat", slog.Any("error", err))
			return "", true
		}
		if s.job.Status.IsTerminal() {
			return s.terminalFromStore(), true
		}
		if cancelRequested && !s.cancelSent {
			if err := s.write(protocol.Cancel{}); err != nil {
				s.logger.Warn("Failed to send cancel", slog.Any("error", err))
				return "", true
			}
			s.cancelSent = true
			s.logger.Info("Cancel sent to runner")
		}
		return "", true

	case protocol.Completed:
		return s.finish(ctx, service.StatusChange{
			To:       protocol.JobStatusCompleted,
			ExitCode: lastExitCode(m.Results),
			Results:  m.Results,
		}), true

	case protocol.Failed:
		return s.finish(ctx, service.StatusChange{
			To:       protocol.JobStatusFailed,
			ExitCode: lastExitCode(m.Results),
			Error:    m.Error,
			Results:  m.Results,
		}), true

	case protocol.Canceled:
		if err := s.update(ctx, service.StatusChange{To: protocol.JobStatusCanceled}); err != nil {
			s.fail(ctx, "canceled message out of order")
		}
		if s.cancelSent {
			return protocol.CloseJobCanceled, true
		}
		return protocol.CloseJobCanceledByRunner, true
	}

	return "", false
}

// finish records a Completed or Failed report and acknowledges it. A report
// the transition table rejects fails the job instead.
func (s *Session) finish(ctx context.Context, change service.StatusChange) protocol.CloseReason {
	reason := protocol.CloseJobCompleted
	if change.To == protocol.JobStatusFailed {
		reason = protocol.CloseJobFailed
	}

	if err := s.update(ctx, change); err != nil {
		s.fail(ctx, "terminal report rejected: "+err.Error())
		reason = protocol.CloseJobFailed
	} else {
		s.logger.Info("Job finished", slog.String("status", string(change.To)))
	}

	if err := s.write(protocol.Ack{}); err != nil {
		s.logger.Warn("Failed to send ack", slog.Any("error", err))
	}
	return reason
}

func (s *Session) update(ctx context.Context, change service.StatusChange) error {
	err := s.jobs.UpdateStatus(ctx, s.runner, s.job, change)
	if err != nil {
		s.logger.Error("Failed to update job status",
			slog.String("to", string(change.To)),
			slog.Any("error", err),
		)
	}
	return err
}

// fail marks the job Failed unless it already reached a terminal status
func (s *Session) fail(ctx context.Context, reason string) {
	if s.job.Status.IsTerminal() {
		return
	}
	err := s.jobs.FailJob(context.WithoutCancel(ctx), s.job, reason)
	if err != nil && !errors.Is(err, domain.ErrStaleUpdate) {
		s.logger.Error("Failed to mark job failed",
			slog.String("reason", reason),
			slog.Any("error", err),
		)
	}
}

// terminalFromStore maps a status finalized elsewhere to a close reason
func (s *Session) terminalFromStore() protocol.CloseReason {
	switch s.job.Status {
	case protocol.JobStatusCompleted:
		return protocol.CloseJobCompleted
	case protocol.JobStatusCanceled:
		return protocol.CloseJobCanceled
	case protocol.JobStatusFailed:
		return protocol.CloseJobFailed
	}
	return ""
}

func (s *Session) write(msg protocol.ServerMessage) error {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) close(code int, reason protocol.CloseReason) {
	text := ""
	if reason != "" {
		text = reason.Encode()
	}
	frame := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.logger.Debug("Failed to write close frame", slog.Any("error", err))
	}
}

func lastExitCode(results []protocol.IterationOutput) *int {
	if len(results) == 0 {
		return nil
	}
	code := results[len(results)-1].ExitCode
	return &code
}
