package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxCloseReasonBytes is the payload room left in a close frame after the status code
const MaxCloseReasonBytes = 123

// CloseReason explains why the server closed a lifecycle channel
type CloseReason string

const (
	CloseJobCompleted        CloseReason = "job_completed"
	CloseJobFailed           CloseReason = "job_failed"
	CloseJobCanceled         CloseReason = "job_canceled"
	CloseJobCanceledByRunner CloseReason = "job_canceled_by_runner"
	CloseHeartbeatTimeout    CloseReason = "heartbeat_timeout"
	CloseJobTimeoutExceeded  CloseReason = "job_timeout_exceeded"
)

// AllCloseReasons lists every reason the server may send
var AllCloseReasons = []CloseReason{
	CloseJobCompleted,
	CloseJobFailed,
	CloseJobCanceled,
	CloseJobCanceledByRunner,
	CloseHeartbeatTimeout,
	CloseJobTimeoutExceeded,
}

// Encode returns the JSON form placed in the close frame
func (r CloseReason) Encode() string {
	b, _ := json.Marshal(string(r))
	return string(b)
}

// ParseCloseReason decodes a close frame payload written by Encode
func ParseCloseReason(text string) (CloseReason, error) {
	var s string
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return "", fmt.Errorf("malformed close reason %q: %w", text, err)
	}
	for _, r := range AllCloseReasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown close reason %q", s)
}
