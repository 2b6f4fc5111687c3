package protocol

import "fmt"

// JobStatus is the persisted lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusClaimed   JobStatus = "CLAIMED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// AllJobStatuses lists the closed set of statuses
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusClaimed,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCanceled,
}

// ParseJobStatus rejects anything outside the closed set
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range AllJobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// UnmarshalText enforces the closed set on decode
func (s *JobStatus) UnmarshalText(b []byte) error {
	st, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
