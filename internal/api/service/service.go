package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/auth"
	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/cuongbtq/benchrunner/internal/api/events"
	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/api/storage"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/google/uuid"
)

// Recorder counts transitions; satisfied by *metrics.Transitions
type Recorder interface {
	Record(ctx context.Context, transition, kind string)
}

// EventSink receives transition events; satisfied by *events.EventPublisher
type EventSink interface {
	Publish(ctx context.Context, event events.TransitionEvent)
}

// Config holds the claim loop settings
type Config struct {
	PollInterval     time.Duration
	MinPollTimeout   time.Duration
	MaxPollTimeout   time.Duration
	MaxAttempts      int
	MaxPollsInFlight int
}

// JobService owns every job state change: claim, runner updates, operator
// cancel and timeout failures. Each change is a conditional update keyed on
// the current status.
type JobService struct {
	storage  *storage.Storage
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	sink     EventSink
	polls    *PollTracker
	now      func() time.Time
}

// Option configures optional collaborators
type Option func(*JobService)

func WithRecorder(r Recorder) Option {
	return func(s *JobService) { s.recorder = r }
}

func WithEventSink(sink EventSink) Option {
	return func(s *JobService) { s.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(s *JobService) { s.now = now }
}

func NewJobService(store *storage.Storage, cfg Config, logger *slog.Logger, opts ...Option) *JobService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	s := &JobService{
		storage: store,
		cfg:     cfg,
		logger:  logger,
		polls:   NewPollTracker(cfg.MaxPollsInFlight, 10*time.Minute),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClampPollTimeout bounds a requested poll timeout in seconds
func (s *JobService) ClampPollTimeout(seconds uint32) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < s.cfg.MinPollTimeout {
		return s.cfg.MinPollTimeout
	}
	if s.cfg.MaxPollTimeout > 0 && d > s.cfg.MaxPollTimeout {
		return s.cfg.MaxPollTimeout
	}
	return d
}

// AuthenticateRunner resolves a runner and checks its token. Unknown runners
// and bad tokens are indistinguishable to the caller.
func (s *JobService) AuthenticateRunner(ctx context.Context, runnerUUID uuid.UUID, token string) (*model.Runner, error) {
	runner, err := s.storage.GetRunnerByUUID(ctx, runnerUUID)
	if err != nil {
		if errors.Is(err, domain.ErrRunnerNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}

	if !auth.VerifyToken(token, runner.TokenHash) {
		return nil, domain.ErrUnauthorized
	}

	if !runner.Available() {
		return nil, domain.ErrRunnerUnavailable
	}

	if err := s.storage.TouchRunner(ctx, runner.ID, s.now()); err != nil {
		s.logger.Warn("Failed to record runner last_seen",
			slog.String("runner_uuid", runner.UUID.String()),
			slog.Any("error", err),
		)
	}

	return runner, nil
}

// Claim long-polls for a pending job until one is bound to runner or the
// poll timeout elapses. A nil job with a nil error means "no job".
func (s *JobService) Claim(ctx context.Context, runner *model.Runner, pollTimeout time.Duration) (*model.Job, error) {
	release, ok := s.polls.Acquire(runner.ID, s.now())
	if !ok {
		return nil, domain.ErrTooManyPolls
	}
	defer release()

	deadline := time.Now().Add(pollTimeout)
	for {
		job, err := s.tryClaim(ctx, runner)
		if err != nil || job != nil {
			return job, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		wait := s.cfg.PollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryClaim runs one claim round. Losing the conditional update to another
// runner is expected; the selection is retried up to MaxAttempts times.
func (s *JobService) tryClaim(ctx context.Context, runner *model.Runner) (*model.Job, error) {
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		candidate, err := s.storage.NextPending(ctx)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		now := s.now()
		won, err := s.storage.ClaimJob(ctx, candidate.ID, runner.ID, now)
		if err != nil {
			return nil, err
		}
		if !won {
			s.logger.Debug("Lost claim race, retrying",
				slog.String("job_uuid", candidate.UUID.String()),
				slog.Int("attempt", attempt+1),
			)
			continue
		}

		s.record(ctx, candidate.UUID, protocol.JobStatusPending, protocol.JobStatusClaimed, domain.KindClaim, now)

		job, err := s.storage.GetJobByID(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}

		s.logger.Info("Job claimed",
			slog.String("job_uuid", job.UUID.String()),
			slog.String("runner_uuid", runner.UUID.String()),
			slog.Int("priority", job.Priority),
		)
		return job, nil
	}

	return nil, nil
}

// StatusChange is a runner-reported transition
type StatusChange struct {
	To       protocol.JobStatus
	ExitCode *int
	Error    string
	Results  []protocol.IterationOutput
}

// UpdateStatus applies a transition requested by the owning runner
func (s *JobService) UpdateStatus(ctx context.Context, runner *model.Runner, job *model.Job, change StatusChange) error {
	if !job.OwnedBy(runner.ID) {
		return domain.ErrRunnerMismatch
	}
	return s.transition(ctx, job, &runner.ID, change, domain.KindRunner)
}

// ReportStatus is the PATCH path. It returns canceled when the job was
// already canceled, in which case nothing is written, or when a cancel is
// pending and the job is still active after the update.
func (s *JobService) ReportStatus(ctx context.Context, runner *model.Runner, jobUUID uuid.UUID, change StatusChange) (bool, error) {
	job, err := s.storage.GetJobByUUID(ctx, jobUUID)
	if err != nil {
		return false, err
	}

	if !job.OwnedBy(runner.ID) {
		return false, domain.ErrRunnerMismatch
	}

	if job.Status == protocol.JobStatusCanceled {
		return true, nil
	}

	if err := s.UpdateStatus(ctx, runner, job, change); err != nil {
		return false, err
	}

	return job.CancelRequested && !change.To.IsTerminal(), nil
}

// Heartbeat records liveness and reports whether a cancel was requested
func (s *JobService) Heartbeat(ctx context.Context, job *model.Job) (bool, error) {
	if err := s.storage.Heartbeat(ctx, job.ID, s.now()); err != nil {
		return false, err
	}

	current, err := s.storage.GetJobByID(ctx, job.ID)
	if err != nil {
		return false, err
	}
	job.Status = current.Status
	job.CancelRequested = current.CancelRequested

	return current.CancelRequested, nil
}

// FailJob marks an active job Failed on behalf of the server, e.g. after a
// heartbeat or overall timeout
func (s *JobService) FailJob(ctx context.Context, job *model.Job, reason string) error {
	return s.transition(ctx, job, nil, StatusChange{
		To:    protocol.JobStatusFailed,
		Error: reason,
	}, domain.KindTimeout)
}

// CancelJob cancels a pending job outright and flags an active one. Terminal
// jobs yield ErrInvalidTransition.
func (s *JobService) CancelJob(ctx context.Context, jobUUID uuid.UUID) error {
	_, err := s.cancel(ctx, jobUUID)
	return err
}

// RequestCancel is CancelJob returning the job as it stands afterwards
func (s *JobService) RequestCancel(ctx context.Context, jobUUID uuid.UUID) (*model.Job, error) {
	return s.cancel(ctx, jobUUID)
}

func (s *JobService) cancel(ctx context.Context, jobUUID uuid.UUID) (*model.Job, error) {
	job, err := s.storage.GetJobByUUID(ctx, jobUUID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case protocol.JobStatusPending:
		now := s.now()
		ok, err := s.storage.CancelPending(ctx, job.ID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			// claimed in the meantime; flag it instead
			return s.flagCancel(ctx, job)
		}
		s.record(ctx, job.UUID, protocol.JobStatusPending, protocol.JobStatusCanceled, domain.KindOperator, now)

	case protocol.JobStatusClaimed, protocol.JobStatusRunning:
		return s.flagCancel(ctx, job)

	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidTransition,
			domain.Transition(job.Status, protocol.JobStatusCanceled))
	}

	return s.storage.GetJobByID(ctx, job.ID)
}

func (s *JobService) flagCancel(ctx context.Context, job *model.Job) (*model.Job, error) {
	ok, err := s.storage.RequestCancel(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job already terminal", domain.ErrInvalidTransition)
	}

	s.logger.Info("Cancel requested",
		slog.String("job_uuid", job.UUID.String()),
		slog.String("status", string(job.Status)),
	)
	return s.storage.GetJobByID(ctx, job.ID)
}

// ReapStale fails active jobs whose last heartbeat is older than staleAfter
func (s *JobService) ReapStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	jobs, err := s.storage.ListStale(ctx, s.now().Add(-staleAfter), limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range jobs {
		job := &jobs[i]
		err := s.FailJob(ctx, job, "heartbeat lost")
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, domain.ErrStaleUpdate):
			// finished between listing and update
		default:
			return reaped, err
		}
	}

	return reaped, nil
}

func (s *JobService) transition(ctx context.Context, job *model.Job, runnerID *int64, change StatusChange, kind domain.TransitionKind) error {
	from := job.Status
	if !domain.CanTransition(from, change.To) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, domain.Transition(from, change.To))
	}

	var results string
	if len(change.Results) > 0 {
		encoded, err := json.Marshal(change.Results)
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		results = string(encoded)
	}

	// exit codes belong to jobs that ran to an outcome
	exitCode := change.ExitCode
	if change.To == protocol.JobStatusCanceled {
		exitCode = nil
	}

	now := s.now()
	ok, err := s.storage.UpdateStatus(ctx, storage.StatusUpdate{
		JobID:    job.ID,
		RunnerID: runnerID,
		From:     from,
		To:       change.To,
		At:       now,
		ExitCode: exitCode,
		Error:    change.Error,
		Results:  results,
	})
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrStaleUpdate
	}

	job.Status = change.To
	if change.To == protocol.JobStatusRunning {
		job.Started = &now
	}
	if change.To.IsTerminal() {
		job.Completed = &now
		job.ExitCode = exitCode
	}

	s.record(ctx, job.UUID, from, change.To, kind, now)
	return nil
}

func (s *JobService) record(ctx context.Context, jobUUID uuid.UUID, from, to protocol.JobStatus, kind domain.TransitionKind, at time.Time) {
	if s.recorder != nil {
		s.recorder.Record(ctx, domain.Transition(from, to), string(kind))
	}
	if s.sink != nil {
		s.sink.Publish(ctx, events.TransitionEvent{
			JobUUID: jobUUID,
			From:    from,
			To:      to,
			Kind:    string(kind),
			At:      at,
		})
	}
}

// CreateJob enqueues a pending job
func (s *JobService) CreateJob(ctx context.Context, spec protocol.JobSpec, priority int) (*model.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	job := &model.Job{
		UUID:     uuid.New(),
		Status:   protocol.JobStatusPending,
		Priority: priority,
		Spec:     spec,
		Created:  s.now(),
	}
	if err := s.storage.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Job enqueued",
		slog.String("job_uuid", job.UUID.String()),
		slog.Int("priority", priority),
	)
	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, jobUUID uuid.UUID) (*model.Job, error) {
	return s.storage.GetJobByUUID(ctx, jobUUID)
}

func (s *JobService) ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error) {
	return s.storage.ListJobs(ctx, filter)
}

// RegisterRunner creates a runner and returns its token; only the hash is stored
func (s *JobService) RegisterRunner(ctx context.Context, name string) (*model.Runner, string, error) {
	token, hash, err := auth.NewRunnerToken()
	if err != nil {
		return nil, "", err
	}

	runner := &model.Runner{
		UUID:      uuid.New(),
		Name:      name,
		TokenHash: hash,
		Created:   s.now(),
	}
	if err := s.storage.CreateRunner(ctx, runner); err != nil {
		return nil, "", err
	}

	return runner, token, nil
}

// RotateRunnerToken replaces a runner's token and returns the new one
func (s *JobService) RotateRunnerToken(ctx context.Context, runnerUUID uuid.UUID) (string, error) {
	runner, err := s.storage.GetRunnerByUUID(ctx, runnerUUID)
	if err != nil {
		return "", err
	}

	token, hash, err := auth.NewRunnerToken()
	if err != nil {
		return "", err
	}

	if err := s.storage.RotateRunnerToken(ctx, runner.ID, hash); err != nil {
		return "", err
	}
	return token, nil
}

// SetRunnerLocked locks or unlocks a runner; locked runners cannot claim
func (s *JobService) SetRunnerLocked(ctx context.Context, runnerUUID uuid.UUID, locked bool) (*model.Runner, error) {
	runner, err := s.storage.GetRunnerByUUID(ctx, runnerUUID)
	if err != nil {
		return nil, err
	}

	var at *time.Time
	if locked {
		now := s.now()
		at = &now
	}
	if err := s.storage.SetRunnerLocked(ctx, runner.ID, at); err != nil {
		return nil, err
	}
	runner.Locked = at

	return runner, nil
}
