package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// MinPollTimeout and MaxPollTimeout bound the claim long-poll window
	MinPollTimeout = 1 * time.Second
	MaxPollTimeout = 60 * time.Second
)

// Config represents the complete application configuration.
// Both binaries read the same file layout; each validates only its sections.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Claim    ClaimConfig    `yaml:"claim"`
	Channel  ChannelConfig  `yaml:"channel"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Auth     AuthConfig     `yaml:"auth"`
	Runner   RunnerConfig   `yaml:"runner"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or sqlite3
	Path            string        `yaml:"path"`   // sqlite3 only
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ClaimConfig holds the claim long-poll settings
type ClaimConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	MinPollTimeout   time.Duration `yaml:"min_poll_timeout"`
	MaxPollTimeout   time.Duration `yaml:"max_poll_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	MaxPollsInFlight int           `yaml:"max_polls_in_flight"`
}

// ChannelConfig holds lifecycle channel timing
type ChannelConfig struct {
	HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
	TimeoutGrace    time.Duration `yaml:"timeout_grace"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// ReaperConfig holds the stale job sweep policy
type ReaperConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// MetricsConfig holds OpenTelemetry export settings
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	Insecure       bool          `yaml:"insecure"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// AuthConfig holds operator API authentication
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RunnerConfig holds runner daemon configuration
type RunnerConfig struct {
	ServerURL         string        `yaml:"server_url"`
	RunnerUUID        string        `yaml:"runner_uuid"`
	Token             string        `yaml:"token"`
	Concurrency       int           `yaml:"concurrency"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	DefaultVCPU       int           `yaml:"default_vcpu"`
	DefaultMemory     int64         `yaml:"default_memory"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SandboxConfig holds microVM settings
type SandboxConfig struct {
	KernelPath     string        `yaml:"kernel_path"`
	KernelSHA256   string        `yaml:"kernel_sha256"`
	KernelCmdline  string        `yaml:"kernel_cmdline"`
	ImageDir       string        `yaml:"image_dir"`
	WorkDir        string        `yaml:"work_dir"`
	VMMBinary      string        `yaml:"vmm_binary"`
	CollectorPoll  time.Duration `yaml:"collector_poll"`
	CollectorGrace time.Duration `yaml:"collector_grace"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	KeepNetAdmin   bool          `yaml:"keep_net_admin"`
	NoSeccomp      bool          `yaml:"no_seccomp"`
	Tuning         bool          `yaml:"tuning"`
	TuningCPUs     []int         `yaml:"tuning_cpus"`
	TuningGovernor string        `yaml:"tuning_governor"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Claim.PollInterval <= 0 {
		c.Claim.PollInterval = time.Second
	}
	if c.Claim.MinPollTimeout <= 0 {
		c.Claim.MinPollTimeout = MinPollTimeout
	}
	if c.Claim.MaxPollTimeout <= 0 {
		c.Claim.MaxPollTimeout = MaxPollTimeout
	}
	if c.Claim.MaxAttempts <= 0 {
		c.Claim.MaxAttempts = 5
	}
	if c.Channel.HeartbeatWindow <= 0 {
		c.Channel.HeartbeatWindow = 30 * time.Second
	}
	if c.Channel.TimeoutGrace <= 0 {
		c.Channel.TimeoutGrace = 60 * time.Second
	}
	if c.Channel.WriteTimeout <= 0 {
		c.Channel.WriteTimeout = 5 * time.Second
	}
	if c.Runner.HeartbeatInterval <= 0 {
		c.Runner.HeartbeatInterval = time.Second
	}
	if c.Runner.AckTimeout <= 0 {
		c.Runner.AckTimeout = 5 * time.Second
	}
	if c.Runner.PollTimeout <= 0 {
		c.Runner.PollTimeout = 30 * time.Second
	}
	if c.Runner.ShutdownTimeout <= 0 {
		c.Runner.ShutdownTimeout = 30 * time.Second
	}
	if c.Runner.RetryInterval <= 0 {
		c.Runner.RetryInterval = time.Second
	}
	if c.Sandbox.CollectorPoll <= 0 {
		c.Sandbox.CollectorPoll = 10 * time.Millisecond
	}
	if c.Sandbox.CollectorGrace <= 0 {
		c.Sandbox.CollectorGrace = 500 * time.Millisecond
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		c.Sandbox.MaxOutputBytes = 10 << 20
	}
}

// ValidateAPIConfig checks the sections used by the api service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}

		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	if c.Claim.MinPollTimeout < MinPollTimeout || c.Claim.MaxPollTimeout > MaxPollTimeout ||
		c.Claim.MinPollTimeout > c.Claim.MaxPollTimeout {
		return fmt.Errorf("invalid claim poll timeout bounds: [%s, %s] (must lie within [%s, %s])",
			c.Claim.MinPollTimeout, c.Claim.MaxPollTimeout, MinPollTimeout, MaxPollTimeout)
	}

	if c.Channel.HeartbeatWindow <= 0 {
		return fmt.Errorf("channel heartbeat_window must be greater than 0")
	}

	if c.Reaper.Enabled && (c.Reaper.Interval <= 0 || c.Reaper.StaleAfter <= 0) {
		return fmt.Errorf("reaper interval and stale_after must be greater than 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "", "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}

// ValidateRunnerConfig checks the sections used by the runner daemon
func (c *Config) ValidateRunnerConfig() error {
	if c.Runner.ServerURL == "" {
		return fmt.Errorf("runner server_url is required")
	}

	if c.Runner.RunnerUUID == "" {
		return fmt.Errorf("runner runner_uuid is required")
	}

	if c.Runner.Token == "" {
		return fmt.Errorf("runner token is required")
	}

	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner concurrency must be greater than 0")
	}

	if c.Runner.PollTimeout < MinPollTimeout || c.Runner.PollTimeout > MaxPollTimeout {
		return fmt.Errorf("runner poll_timeout must be between %s and %s", MinPollTimeout, MaxPollTimeout)
	}

	if c.Runner.DefaultVCPU <= 0 {
		return fmt.Errorf("runner default_vcpu must be greater than 0")
	}

	if c.Runner.DefaultMemory <= 0 {
		return fmt.Errorf("runner default_memory must be greater than 0")
	}

	return c.ValidateSandboxConfig()
}

// ValidateSandboxConfig checks the sandbox section alone, for running a job
// without a server
func (c *Config) ValidateSandboxConfig() error {
	if c.Sandbox.KernelPath == "" {
		return fmt.Errorf("sandbox kernel_path is required")
	}

	if c.Sandbox.KernelSHA256 == "" {
		return fmt.Errorf("sandbox kernel_sha256 is required")
	}

	if c.Sandbox.ImageDir == "" {
		return fmt.Errorf("sandbox image_dir is required")
	}

	if c.Sandbox.WorkDir == "" {
		return fmt.Errorf("sandbox work_dir is required")
	}

	return nil
}
