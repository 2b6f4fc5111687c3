package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/benchrunner/internal/api/channel"
	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/api/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// RunnerContextKey holds the authenticated *model.Runner in the gin context
const RunnerContextKey = "runner"

// BrokerStatus reports whether the event broker connection is up
type BrokerStatus interface {
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      *service.JobService
	Channel   channel.Config
	JWTSecret []byte
	// Broker is nil when events are disabled
	Broker BrokerStatus
	// Context outlives requests; lifecycle sessions stop when it is canceled
	Context context.Context
}

// JobHandler handles operator job requests
type JobHandler struct {
	logger *slog.Logger
	jobs   *service.JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// RunnerHandler serves the claim, update and lifecycle channel endpoints
type RunnerHandler struct {
	logger   *slog.Logger
	jobs     *service.JobService
	channel  channel.Config
	baseCtx  context.Context
	upgrader *websocket.Upgrader
}

// NewRunnerHandler creates a new RunnerHandler instance
func NewRunnerHandler(deps *Dependencies) *RunnerHandler {
	baseCtx := deps.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &RunnerHandler{
		logger:   deps.Logger,
		jobs:     deps.Jobs,
		channel:  deps.Channel,
		baseCtx:  baseCtx,
		upgrader: channel.NewUpgrader(),
	}
}

// RunnerAdminHandler handles operator runner management
type RunnerAdminHandler struct {
	logger *slog.Logger
	jobs   *service.JobService
}

// NewRunnerAdminHandler creates a new RunnerAdminHandler instance
func NewRunnerAdminHandler(deps *Dependencies) *RunnerAdminHandler {
	return &RunnerAdminHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

func runnerFromContext(c *gin.Context) *model.Runner {
	return c.MustGet(RunnerContextKey).(*model.Runner)
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRunnerUnavailable), errors.Is(err, domain.ErrRunnerMismatch):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrRunnerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStaleUpdate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTooManyPolls):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": ...}. Internal errors are logged and
// not echoed.
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(status, gin.H{
			"error": msg,
		})
		return
	}

	logger.Warn(msg, slog.String("error", err.Error()), slog.Int("status", status))
	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}
