package domain

import (
	"testing"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]protocol.JobStatus]bool{
		{protocol.JobStatusClaimed, protocol.JobStatusRunning}:   true,
		{protocol.JobStatusClaimed, protocol.JobStatusFailed}:    true,
		{protocol.JobStatusClaimed, protocol.JobStatusCanceled}:  true,
		{protocol.JobStatusRunning, protocol.JobStatusCompleted}: true,
		{protocol.JobStatusRunning, protocol.JobStatusFailed}:    true,
		{protocol.JobStatusRunning, protocol.JobStatusCanceled}:  true,
	}

	for _, from := range protocol.AllJobStatuses {
		for _, to := range protocol.AllJobStatuses {
			want := allowed[[2]protocol.JobStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s", Transition(from, to))
		}
	}
}

func TestTerminalStatusesAreFrozen(t *testing.T) {
	for _, from := range protocol.AllJobStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range protocol.AllJobStatuses {
			assert.False(t, CanTransition(from, to), "%s", Transition(from, to))
		}
	}
}

func TestCanClaim(t *testing.T) {
	for _, st := range protocol.AllJobStatuses {
		assert.Equal(t, st == protocol.JobStatusPending, CanClaim(st), string(st))
	}
}
