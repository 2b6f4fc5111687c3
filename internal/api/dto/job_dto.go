package dto

import (
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/protocol"
)

type CreateJobRequest struct {
	Spec     protocol.JobSpec `json:"spec"`
	Priority int              `json:"priority"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	UUID            string           `json:"uuid"`
	Status          string           `json:"status"`
	Priority        int              `json:"priority"`
	Spec            protocol.JobSpec `json:"spec"`
	CancelRequested bool             `json:"cancel_requested"`
	ExitCode        *int             `json:"exit_code,omitempty"`
	Error           *string          `json:"error,omitempty"`
	Created         string           `json:"created"`
	Claimed         *string          `json:"claimed,omitempty"`
	Started         *string          `json:"started,omitempty"`
	Completed       *string          `json:"completed,omitempty"`
}

func NewJobDTO(job *model.Job) JobDTO {
	return JobDTO{
		UUID:            job.UUID.String(),
		Status:          string(job.Status),
		Priority:        job.Priority,
		Spec:            job.Spec,
		CancelRequested: job.CancelRequested,
		ExitCode:        job.ExitCode,
		Error:           job.ErrorMessage,
		Created:         job.Created.Format(time.RFC3339),
		Claimed:         formatTime(job.Claimed),
		Started:         formatTime(job.Started),
		Completed:       formatTime(job.Completed),
	}
}

// NewClaimedJob is the runner-facing view of a freshly claimed job
func NewClaimedJob(job *model.Job) *protocol.ClaimedJob {
	claimed := job.Created
	if job.Claimed != nil {
		claimed = *job.Claimed
	}
	return &protocol.ClaimedJob{
		UUID:     job.UUID,
		Spec:     job.Spec,
		Priority: job.Priority,
		Status:   job.Status,
		Created:  job.Created,
		Claimed:  claimed,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
