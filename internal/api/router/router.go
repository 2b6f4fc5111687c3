package router

import (
	"net/http"

	"github.com/cuongbtq/benchrunner/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, allowedOrigins []string) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(allowedOrigins))

	// Health check endpoint
	r.GET("/health", healthCheck(deps.Broker))

	runnerHandler := handler.NewRunnerHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	runnerAdminHandler := handler.NewRunnerAdminHandler(deps)

	// Runner routes, authenticated by runner token
	runners := r.Group("/runners/:runner_id", RunnerAuthMiddleware(deps.Jobs, deps.Logger))
	{
		// POST /runners/:runner_id/jobs - Long-poll claim
		runners.POST("/jobs", runnerHandler.ClaimJob)

		// PATCH /runners/:runner_id/jobs/:job_id - Report status
		runners.PATCH("/jobs/:job_id", runnerHandler.UpdateJob)

		// GET /runners/:runner_id/jobs/:job_id/channel - Lifecycle channel
		runners.GET("/jobs/:job_id/channel", runnerHandler.Channel)
	}

	// Operator API v1 routes
	v1 := r.Group("/api/v1", OperatorAuthMiddleware(deps.JWTSecret))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		runners := v1.Group("/runners")
		{
			// POST /api/v1/runners - Register a runner
			runners.POST("", runnerAdminHandler.CreateRunner)

			// POST /api/v1/runners/:runner_id/token - Rotate its token
			runners.POST("/:runner_id/token", runnerAdminHandler.RotateToken)

			// POST /api/v1/runners/:runner_id/lock - Stop it claiming
			runners.POST("/:runner_id/lock", runnerAdminHandler.LockRunner)

			// DELETE /api/v1/runners/:runner_id/lock - Let it claim again
			runners.DELETE("/:runner_id/lock", runnerAdminHandler.UnlockRunner)
		}
	}

	return r
}

// healthCheck answers 503 while a configured broker is disconnected
func healthCheck(broker handler.BrokerStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code, brokerState := "healthy", http.StatusOK, "disabled"
		if broker != nil {
			brokerState = "connected"
			if !broker.IsConnected() {
				status, code, brokerState = "degraded", http.StatusServiceUnavailable, "disconnected"
			}
		}

		c.JSON(code, gin.H{
			"status":  status,
			"service": "bench-api-service",
			"broker":  brokerState,
		})
	}
}
