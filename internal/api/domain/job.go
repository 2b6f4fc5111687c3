package domain

import (
	"github.com/cuongbtq/benchrunner/internal/protocol"
)

// TransitionKind names what triggered a transition; used as a metric label
type TransitionKind string

const (
	KindClaim    TransitionKind = "claim"
	KindRunner   TransitionKind = "runner"
	KindOperator TransitionKind = "operator"
	KindTimeout  TransitionKind = "timeout"
)

// transitions is the allow-list of status changes a runner or operator may request.
// Pending -> Claimed happens only through the claim path.
var transitions = map[protocol.JobStatus]map[protocol.JobStatus]bool{
	protocol.JobStatusClaimed: {
		protocol.JobStatusRunning:  true,
		protocol.JobStatusFailed:   true,
		protocol.JobStatusCanceled: true,
	},
	protocol.JobStatusRunning: {
		protocol.JobStatusCompleted: true,
		protocol.JobStatusFailed:    true,
		protocol.JobStatusCanceled:  true,
	},
}

// CanTransition reports whether from -> to is in the transition table
func CanTransition(from, to protocol.JobStatus) bool {
	return transitions[from][to]
}

// CanClaim reports whether a job in status s may be claimed
func CanClaim(s protocol.JobStatus) bool {
	return s == protocol.JobStatusPending
}

// Transition labels a status change for metrics and events, e.g. "RUNNING->COMPLETED"
func Transition(from, to protocol.JobStatus) string {
	return string(from) + "->" + string(to)
}
