package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/channel"
	"github.com/cuongbtq/benchrunner/internal/api/events"
	"github.com/cuongbtq/benchrunner/internal/api/handler"
	"github.com/cuongbtq/benchrunner/internal/api/metrics"
	"github.com/cuongbtq/benchrunner/internal/api/reaper"
	"github.com/cuongbtq/benchrunner/internal/api/router"
	"github.com/cuongbtq/benchrunner/internal/api/service"
	"github.com/cuongbtq/benchrunner/internal/api/storage"
	"github.com/cuongbtq/benchrunner/internal/config"
	"github.com/cuongbtq/benchrunner/shared/database"
	"github.com/cuongbtq/benchrunner/shared/logger"
	"github.com/cuongbtq/benchrunner/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric/noop"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// ctx lives until shutdown starts; background loops and channels watch it
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize database client
	dbClient, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established", slog.String("driver", dbClient.Driver()))

	store := storage.NewStorage(dbClient.GetDB())
	if cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	opts := []service.Option{}

	// Metrics
	transitions, shutdownMetrics, err := initMetrics(ctx, &cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer shutdownMetrics()
	opts = append(opts, service.WithRecorder(transitions))

	// RabbitMQ is optional; without it there are no transition events and no
	// external cancel commands
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")
		opts = append(opts, service.WithEventSink(events.NewEventPublisher(rabbitClient, appLogger.Logger)))
	}

	jobs := service.NewJobService(store, service.Config{
		PollInterval:     cfg.Claim.PollInterval,
		MinPollTimeout:   cfg.Claim.MinPollTimeout,
		MaxPollTimeout:   cfg.Claim.MaxPollTimeout,
		MaxAttempts:      cfg.Claim.MaxAttempts,
		MaxPollsInFlight: cfg.Claim.MaxPollsInFlight,
	}, appLogger.Logger, opts...)

	if rabbitClient != nil {
		consumer := events.NewCommandConsumer(rabbitClient, jobs, appLogger.Logger, cfg.RabbitMQ.Consumer.Tag)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				appLogger.Error("Command consumer failed", slog.Any("error", err))
			}
		}()
	}

	if cfg.Reaper.Enabled {
		go reaper.New(jobs, cfg.Reaper.Interval, cfg.Reaper.StaleAfter, appLogger.Logger).Run(ctx)
	}

	// Initialize router
	var broker handler.BrokerStatus
	if rabbitClient != nil {
		broker = rabbitClient
	}
	r := initRouter(ctx, cfg, appLogger.Logger, jobs, broker)

	// Create HTTP server. WriteTimeout must exceed the longest claim poll.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	appLogger.Info("Shutting down server...")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initDatabase initializes the database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initMetrics builds the transition counter, exporting over OTLP when enabled
func initMetrics(ctx context.Context, cfg *config.MetricsConfig) (*metrics.Transitions, func(), error) {
	if !cfg.Enabled {
		transitions, err := metrics.NewTransitions(noop.NewMeterProvider())
		return transitions, func() {}, err
	}

	provider, err := metrics.NewMeterProvider(ctx, metrics.ExporterConfig{
		Endpoint: cfg.Endpoint,
		Insecure: cfg.Insecure,
		Interval: cfg.ExportInterval,
	})
	if err != nil {
		return nil, nil, err
	}

	transitions, err := metrics.NewTransitions(provider)
	if err != nil {
		return nil, nil, err
	}

	return transitions, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger, jobs *service.JobService, broker handler.BrokerStatus) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger: logger,
		Jobs:   jobs,
		Channel: channel.Config{
			HeartbeatWindow: cfg.Channel.HeartbeatWindow,
			TimeoutGrace:    cfg.Channel.TimeoutGrace,
			WriteTimeout:    cfg.Channel.WriteTimeout,
		},
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Broker:    broker,
		Context:   ctx,
	}

	// Setup router
	return router.SetupRouter(handlerDeps, cfg.Server.AllowedOrigins)
}
