package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/benchrunner/internal/api/channel"
	"github.com/cuongbtq/benchrunner/internal/api/dto"
	"github.com/cuongbtq/benchrunner/internal/api/service"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/gin-gonic/gin"
)

// ClaimJob handles POST /runners/:runner_id/jobs
// Long-polls for a pending job. No job is a 200 with a null body.
func (h *RunnerHandler) ClaimJob(c *gin.Context) {
	runner := runnerFromContext(c)

	var req protocol.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid claim request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	pollTimeout := h.jobs.ClampPollTimeout(req.PollTimeout)
	job, err := h.jobs.Claim(c.Request.Context(), runner, pollTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// runner hung up mid-poll
			return
		}
		respondError(c, h.logger, "Failed to claim job", err)
		return
	}

	if job == nil {
		c.JSON(http.StatusOK, nil)
		return
	}

	c.JSON(http.StatusOK, dto.NewClaimedJob(job))
}

// UpdateJob handles PATCH /runners/:runner_id/jobs/:job_id
// Reports a status outside the lifecycle channel and tells the runner whether
// the job was canceled
func (h *RunnerHandler) UpdateJob(c *gin.Context) {
	runner := runnerFromContext(c)

	jobUUID, ok := parseUUIDParam(c, "job_id")
	if !ok {
		return
	}

	var req protocol.UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid update request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	canceled, err := h.jobs.ReportStatus(c.Request.Context(), runner, jobUUID, service.StatusChange{
		To:       req.Status,
		ExitCode: req.ExitCode,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to update job", err)
		return
	}

	c.JSON(http.StatusOK, protocol.UpdateJobResponse{Canceled: canceled})
}

// Channel handles GET /runners/:runner_id/jobs/:job_id/channel
// Upgrades to the lifecycle channel and serves it until the job ends
func (h *RunnerHandler) Channel(c *gin.Context) {
	runner := runnerFromContext(c)

	jobUUID, ok := parseUUIDParam(c, "job_id")
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobUUID)
	if err != nil {
		respondError(c, h.logger, "Failed to open lifecycle channel", err)
		return
	}

	if !job.OwnedBy(runner.ID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "job is not owned by this runner",
		})
		return
	}

	if job.Status != protocol.JobStatusClaimed && job.Status != protocol.JobStatusRunning {
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is " + string(job.Status),
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the error response
		h.logger.Warn("Lifecycle channel upgrade failed", slog.String("error", err.Error()))
		return
	}

	reason := channel.NewSession(conn, h.jobs, runner, job, h.channel, h.logger).Run(h.baseCtx)

	h.logger.Info("Lifecycle channel closed",
		slog.String("job_uuid", job.UUID.String()),
		slog.String("reason", string(reason)),
	)
}
