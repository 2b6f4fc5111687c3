package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	id, uuid, status, runner_id, priority, spec, created, claimed, started,
	completed, last_heartbeat, exit_code, error_message, results, cancel_requested`

// Storage is the job and runner repository. Queries use ? placeholders and are
// rebound for the driver, so the same code runs against postgres and sqlite3.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := s.db.Rebind(`
		INSERT INTO jobs (
			uuid, status, priority, spec, created, cancel_requested
		) VALUES (
			?, ?, ?, ?, ?, ?
		)
		RETURNING id
	`)

	err := s.db.QueryRowxContext(
		ctx,
		query,
		job.UUID,
		job.Status,
		job.Priority,
		job.Spec,
		job.Created,
		false,
	).Scan(&job.ID)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByUUID(ctx context.Context, jobUUID uuid.UUID) (*model.Job, error) {
	var job model.Job
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE uuid = ?`)

	err := s.db.GetContext(ctx, &job, query, jobUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *Storage) GetJobByID(ctx context.Context, id int64) (*model.Job, error) {
	var job model.Job
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	err := s.db.GetContext(ctx, &job, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	Status   string
	RunnerID *int64
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	Created time.Time
	UUID    string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`)
	args := []interface{}{}

	// Filters
	if filter.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, filter.Status)
	}

	if filter.RunnerID != nil {
		sb.WriteString(" AND runner_id = ?")
		args = append(args, *filter.RunnerID)
	}

	if filter.Cursor != nil {
		sb.WriteString(" AND (created < ? OR (created = ? AND uuid < ?))")
		args = append(args, filter.Cursor.Created, filter.Cursor.Created, filter.Cursor.UUID)
	}

	// Order by created DESC, uuid DESC for consistent pagination
	sb.WriteString(" ORDER BY created DESC, uuid DESC")

	// Fetch one extra to determine if there are more results
	sb.WriteString(" LIMIT ?")
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(sb.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// NextPending selects the claim candidate: highest priority, then oldest
func (s *Storage) NextPending(ctx context.Context) (*model.Job, error) {
	var job model.Job
	query := s.db.Rebind(`
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ?
		ORDER BY priority DESC, created ASC, id ASC
		LIMIT 1
	`)

	err := s.db.GetContext(ctx, &job, query, protocol.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	return &job, nil
}

// ClaimJob binds a pending job to a runner. It reports false when another
// runner won the race and the row is no longer pending.
func (s *Storage) ClaimJob(ctx context.Context, jobID, runnerID int64, now time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    runner_id = ?,
		    claimed = ?,
		    last_heartbeat = ?
		WHERE id = ?
		  AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query,
		protocol.JobStatusClaimed, runnerID, now, now, jobID, protocol.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	return affected(result)
}

// StatusUpdate is a conditional transition keyed on the current status
type StatusUpdate struct {
	JobID    int64
	RunnerID *int64 // ownership guard; nil for operator and timeout transitions
	From     protocol.JobStatus
	To       protocol.JobStatus
	At       time.Time
	ExitCode *int
	Error    string
	Results  string
}

// UpdateStatus applies u only if the job is still in u.From. It reports false
// when the row moved on concurrently.
func (s *Storage) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	var sb strings.Builder
	args := []interface{}{}

	sb.WriteString("UPDATE jobs SET status = ?")
	args = append(args, u.To)

	switch {
	case u.To == protocol.JobStatusRunning:
		sb.WriteString(", started = ?")
		args = append(args, u.At)
	case u.To.IsTerminal():
		sb.WriteString(", completed = ?, exit_code = ?")
		args = append(args, u.At, u.ExitCode)
	}

	if u.Error != "" {
		sb.WriteString(", error_message = ?")
		args = append(args, u.Error)
	}

	if u.Results != "" {
		sb.WriteString(", results = ?")
		args = append(args, u.Results)
	}

	sb.WriteString(" WHERE id = ? AND status = ?")
	args = append(args, u.JobID, u.From)

	if u.RunnerID != nil {
		sb.WriteString(" AND runner_id = ?")
		args = append(args, *u.RunnerID)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(sb.String()), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	return affected(result)
}

// Heartbeat records liveness for an active job
func (s *Storage) Heartbeat(ctx context.Context, jobID int64, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET last_heartbeat = ?
		WHERE id = ? AND status IN (?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query, now, jobID, protocol.JobStatusClaimed, protocol.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	return nil
}

// RequestCancel flags an active job for cancellation. The runner learns about
// it at its next heartbeat.
func (s *Storage) RequestCancel(ctx context.Context, jobID int64) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET cancel_requested = ?
		WHERE id = ? AND status IN (?, ?)
	`)

	result, err := s.db.ExecContext(ctx, query, true, jobID, protocol.JobStatusClaimed, protocol.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}

	return affected(result)
}

// CancelPending cancels a job no runner has claimed yet
func (s *Storage) CancelPending(ctx context.Context, jobID int64, now time.Time) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?, completed = ?
		WHERE id = ? AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query, protocol.JobStatusCanceled, now, jobID, protocol.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	return affected(result)
}

// ListStale returns active jobs whose last heartbeat is older than before
func (s *Storage) ListStale(ctx context.Context, before time.Time, limit int) ([]model.Job, error) {
	query := s.db.Rebind(`
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN (?, ?) AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC
		LIMIT ?
	`)

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, query, protocol.JobStatusClaimed, protocol.JobStatusRunning, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return jobs, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
