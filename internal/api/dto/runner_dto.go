package dto

import (
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/model"
)

type CreateRunnerRequest struct {
	Name string `json:"name" binding:"required"`
}

type RunnerDTO struct {
	UUID     string  `json:"uuid"`
	Name     string  `json:"name"`
	Created  string  `json:"created"`
	Locked   *string `json:"locked,omitempty"`
	LastSeen *string `json:"last_seen,omitempty"`
}

// CreateRunnerResponse carries the only copy of the runner token
type CreateRunnerResponse struct {
	Runner RunnerDTO `json:"runner"`
	Token  string    `json:"token"`
}

type RotateTokenResponse struct {
	Token string `json:"token"`
}

func NewRunnerDTO(runner *model.Runner) RunnerDTO {
	return RunnerDTO{
		UUID:     runner.UUID.String(),
		Name:     runner.Name,
		Created:  runner.Created.Format(time.RFC3339),
		Locked:   formatTime(runner.Locked),
		LastSeen: formatTime(runner.LastSeen),
	}
}
