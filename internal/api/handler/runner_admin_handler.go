package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/benchrunner/internal/api/dto"
	"github.com/gin-gonic/gin"
)

// CreateRunner handles POST /api/v1/runners
// The token is returned once and only its hash is kept
func (h *RunnerAdminHandler) CreateRunner(c *gin.Context) {
	var req dto.CreateRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	runner, token, err := h.jobs.RegisterRunner(c.Request.Context(), req.Name)
	if err != nil {
		respondError(c, h.logger, "Failed to create runner", err)
		return
	}

	h.logger.Info("Runner registered",
		slog.String("runner_uuid", runner.UUID.String()),
		slog.String("name", runner.Name),
	)

	c.JSON(http.StatusCreated, dto.CreateRunnerResponse{
		Runner: dto.NewRunnerDTO(runner),
		Token:  token,
	})
}

// RotateToken handles POST /api/v1/runners/:runner_id/token
func (h *RunnerAdminHandler) RotateToken(c *gin.Context) {
	runnerUUID, ok := parseUUIDParam(c, "runner_id")
	if !ok {
		return
	}

	token, err := h.jobs.RotateRunnerToken(c.Request.Context(), runnerUUID)
	if err != nil {
		respondError(c, h.logger, "Failed to rotate runner token", err)
		return
	}

	c.JSON(http.StatusOK, dto.RotateTokenResponse{Token: token})
}

// LockRunner handles POST /api/v1/runners/:runner_id/lock
func (h *RunnerAdminHandler) LockRunner(c *gin.Context) {
	h.setLocked(c, true)
}

// UnlockRunner handles DELETE /api/v1/runners/:runner_id/lock
func (h *RunnerAdminHandler) UnlockRunner(c *gin.Context) {
	h.setLocked(c, false)
}

func (h *RunnerAdminHandler) setLocked(c *gin.Context, locked bool) {
	runnerUUID, ok := parseUUIDParam(c, "runner_id")
	if !ok {
		return
	}

	runner, err := h.jobs.SetRunnerLocked(c.Request.Context(), runnerUUID, locked)
	if err != nil {
		respondError(c, h.logger, "Failed to update runner lock", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewRunnerDTO(runner))
}
