package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/auth"
	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/cuongbtq/benchrunner/internal/api/handler"
	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Calculate latency
		latency := time.Since(start)

		// Log request details
		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

		// Log errors if any
		if len(c.Errors) > 0 {
			for _, e := range c.Errors {
				logger.Error("Request error",
					slog.String("error", e.Error()),
					slog.Uint64("type", uint64(e.Type)),
				)
			}
		}
	}
}

// CORSMiddleware allows the operator console origins. An empty list allows any
// origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}

	return cors.New(cfg)
}

// RunnerAuthenticator resolves a runner from its identity and token
type RunnerAuthenticator interface {
	AuthenticateRunner(ctx context.Context, runnerUUID uuid.UUID, token string) (*model.Runner, error)
}

// RunnerAuthMiddleware authenticates the runner named in the :runner_id path
// parameter. The token comes from the Authorization header or, for the
// lifecycle channel, from the offered subprotocols.
func RunnerAuthMiddleware(authenticator RunnerAuthenticator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		runnerUUID, err := uuid.Parse(c.Param("runner_id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "runner_id must be a valid UUID"})
			return
		}

		token := auth.ExtractBearer(c)
		if token == "" {
			token = auth.ExtractSubprotocolToken(c, protocol.SubprotocolV1)
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Runner token is required"})
			return
		}

		runner, err := authenticator.AuthenticateRunner(c.Request.Context(), runnerUUID, token)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrUnauthorized):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		case errors.Is(err, domain.ErrRunnerUnavailable):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		default:
			logger.Error("Runner authentication failed", slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to authenticate runner"})
			return
		}

		c.Set(handler.RunnerContextKey, runner)
		c.Next()
	}
}

// OperatorAuthMiddleware requires a valid HMAC-signed operator JWT
func OperatorAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := auth.ExtractBearer(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is required"})
			return
		}

		claims, err := auth.ParseOperatorToken(tokenStr, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set("operator", claims.Subject)
		if claims.Scope != "" {
			c.Set("scope", strings.Fields(claims.Scope))
		}
		c.Next()
	}
}
