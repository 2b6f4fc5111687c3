package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "bench-api-service", cfg.App.Name)
				assert.Equal(t, 30*time.Second, cfg.Channel.HeartbeatWindow)
				assert.Equal(t, 5*time.Minute, cfg.Reaper.StaleAfter)
				assert.Equal(t, 2, cfg.Runner.Concurrency)
				assert.Equal(t, int64(1<<30), cfg.Runner.DefaultMemory)
				assert.Equal(t, "/var/lib/bench/vmlinux", cfg.Sandbox.KernelPath)
				assert.True(t, cfg.Sandbox.KeepNetAdmin)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/sqlite_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Claim.PollInterval)
	assert.Equal(t, MinPollTimeout, cfg.Claim.MinPollTimeout)
	assert.Equal(t, MaxPollTimeout, cfg.Claim.MaxPollTimeout)
	assert.Equal(t, 5, cfg.Claim.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Channel.HeartbeatWindow)
	assert.Equal(t, 60*time.Second, cfg.Channel.TimeoutGrace)
	assert.Equal(t, time.Second, cfg.Runner.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Runner.AckTimeout)
	assert.Equal(t, int64(10<<20), cfg.Sandbox.MaxOutputBytes)

	require.NoError(t, cfg.ValidateAPIConfig())
}

func validAPIConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    5672,
			Exchange: ExchangeConfig{
				Name: "jobs_exchange",
			},
			Queue: QueueConfig{
				Name: "jobs_queue",
			},
		},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name: "sqlite needs no host",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: "sqlite3", Path: "jobs.db"}
			},
			wantErr: false,
		},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Database.Driver = "mysql" },
			wantErr:   true,
			errString: "unsupported database driver",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name: "rabbitmq disabled skips its checks",
			mutate: func(c *Config) {
				c.RabbitMQ = RabbitMQConfig{}
			},
			wantErr: false,
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "poll timeout above sixty seconds",
			mutate:    func(c *Config) { c.Claim.MaxPollTimeout = 2 * time.Minute },
			wantErr:   true,
			errString: "invalid claim poll timeout bounds",
		},
		{
			name: "min poll timeout above max",
			mutate: func(c *Config) {
				c.Claim.MinPollTimeout = 30 * time.Second
				c.Claim.MaxPollTimeout = 10 * time.Second
			},
			wantErr:   true,
			errString: "invalid claim poll timeout bounds",
		},
		{
			name: "reaper enabled without interval",
			mutate: func(c *Config) {
				c.Reaper = ReaperConfig{Enabled: true, StaleAfter: time.Minute}
			},
			wantErr:   true,
			errString: "reaper interval",
		},
		{
			name:      "missing jwt secret",
			mutate:    func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr:   true,
			errString: "auth jwt_secret is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validAPIConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateRunnerConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no server url", mutate: func(c *Config) { c.Runner.ServerURL = "" }, errString: "server_url is required"},
		{name: "no runner uuid", mutate: func(c *Config) { c.Runner.RunnerUUID = "" }, errString: "runner_uuid is required"},
		{name: "no token", mutate: func(c *Config) { c.Runner.Token = "" }, errString: "token is required"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Runner.Concurrency = 0 }, errString: "concurrency must be greater than 0"},
		{name: "poll timeout too long", mutate: func(c *Config) { c.Runner.PollTimeout = 90 * time.Second }, errString: "poll_timeout must be between"},
		{name: "zero vcpu", mutate: func(c *Config) { c.Runner.DefaultVCPU = 0 }, errString: "default_vcpu"},
		{name: "zero memory", mutate: func(c *Config) { c.Runner.DefaultMemory = 0 }, errString: "default_memory"},
		{name: "no kernel", mutate: func(c *Config) { c.Sandbox.KernelPath = "" }, errString: "kernel_path is required"},
		{name: "no kernel pin", mutate: func(c *Config) { c.Sandbox.KernelSHA256 = "" }, errString: "kernel_sha256 is required"},
		{name: "no image dir", mutate: func(c *Config) { c.Sandbox.ImageDir = "" }, errString: "image_dir is required"},
		{name: "no work dir", mutate: func(c *Config) { c.Sandbox.WorkDir = "" }, errString: "work_dir is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.ValidateRunnerConfig()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateSandboxConfig(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	// runner credentials are not needed to run a job locally
	cfg.Runner = RunnerConfig{}
	require.NoError(t, cfg.ValidateSandboxConfig())
	assert.Error(t, cfg.ValidateRunnerConfig())

	cfg.Sandbox.KernelPath = ""
	assert.ErrorContains(t, cfg.ValidateSandboxConfig(), "kernel_path is required")
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})

	t.Run("poll timeout bounds", func(t *testing.T) {
		assert.Equal(t, time.Second, MinPollTimeout)
		assert.Equal(t, time.Minute, MaxPollTimeout)
	})
}
