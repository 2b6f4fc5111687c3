package model

import (
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/google/uuid"
)

// Job is a row of the jobs table
type Job struct {
	ID              int64              `db:"id"`
	UUID            uuid.UUID          `db:"uuid"`
	Status          protocol.JobStatus `db:"status"`
	RunnerID        *int64             `db:"runner_id"`
	Priority        int                `db:"priority"`
	Spec            protocol.JobSpec   `db:"spec"`
	Created         time.Time          `db:"created"`
	Claimed         *time.Time         `db:"claimed"`
	Started         *time.Time         `db:"started"`
	Completed       *time.Time         `db:"completed"`
	LastHeartbeat   *time.Time         `db:"last_heartbeat"`
	ExitCode        *int               `db:"exit_code"`
	ErrorMessage    *string            `db:"error_message"`
	Results         *string            `db:"results"`
	CancelRequested bool               `db:"cancel_requested"`
}

// Deadline is when the lifecycle channel gives up on the job
func (j *Job) Deadline(grace time.Duration) time.Time {
	start := j.Created
	if j.Claimed != nil {
		start = *j.Claimed
	}
	return start.Add(j.Spec.TimeoutDuration() + grace)
}

// OwnedBy reports whether the job is bound to runnerID
func (j *Job) OwnedBy(runnerID int64) bool {
	return j.RunnerID != nil && *j.RunnerID == runnerID
}

// Runner is a row of the runners table
type Runner struct {
	ID        int64      `db:"id"`
	UUID      uuid.UUID  `db:"uuid"`
	Name      string     `db:"name"`
	TokenHash string     `db:"token_hash"`
	Created   time.Time  `db:"created"`
	Locked    *time.Time `db:"locked"`
	Archived  *time.Time `db:"archived"`
	LastSeen  *time.Time `db:"last_seen"`
}

// Available reports whether the runner may claim jobs
func (r *Runner) Available() bool {
	return r.Locked == nil && r.Archived == nil
}
