package protocol

import (
	"time"

	"github.com/google/uuid"
)

// SubprotocolV1 is the WebSocket subprotocol echoed by the server.
// The runner offers it together with its bearer token.
const SubprotocolV1 = "runner.v1"

// ClaimRequest is the body of POST /runners/{runner}/jobs
type ClaimRequest struct {
	PollTimeout uint32 `json:"poll_timeout"` // seconds
}

// ClaimedJob is the claim response; a null body means no job
type ClaimedJob struct {
	UUID     uuid.UUID `json:"uuid"`
	Spec     JobSpec   `json:"spec"`
	Priority int       `json:"priority"`
	Status   JobStatus `json:"status"`
	Created  time.Time `json:"created"`
	Claimed  time.Time `json:"claimed"`
}

// UpdateJobRequest is the body of PATCH /runners/{runner}/jobs/{job}
type UpdateJobRequest struct {
	Status   JobStatus `json:"status"`
	ExitCode *int      `json:"exit_code,omitempty"`
}

// UpdateJobResponse tells the runner whether the job was canceled behind its back
type UpdateJobResponse struct {
	Canceled bool `json:"canceled"`
}

// IterationOutput is the raw result of one benchmark execution
type IterationOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Output   []byte `json:"output,omitempty"`
}
