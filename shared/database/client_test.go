package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		want      string
		wantErr   bool
		errString string
	}{
		{
			name: "postgres by default",
			config: Config{
				Host:     "localhost",
				Port:     5432,
				User:     "bench",
				Password: "secret",
				Database: "jobs_db",
				SSLMode:  "disable",
			},
			want: "host=localhost port=5432 user=bench password=secret dbname=jobs_db sslmode=disable",
		},
		{
			name:   "sqlite in memory",
			config: Config{Driver: DriverSQLite},
			want:   "file::memory:?_busy_timeout=5000",
		},
		{
			name:   "sqlite file",
			config: Config{Driver: DriverSQLite, Path: "/var/lib/bench/jobs.db"},
			want:   "file:/var/lib/bench/jobs.db?_journal_mode=WAL&_busy_timeout=5000",
		},
		{
			name:      "unknown driver",
			config:    Config{Driver: "oracle"},
			wantErr:   true,
			errString: "unsupported database driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := tt.config.DSN()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, dsn)
		})
	}
}

func TestNewClient_SQLite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewClient(&Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, DriverSQLite, client.Driver())
	require.NoError(t, client.HealthCheck(context.Background()))

	require.NoError(t, client.ExecContext(context.Background(), `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))
	require.NoError(t, client.ExecContext(context.Background(), `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1"))

	var v string
	require.NoError(t, client.GetContext(context.Background(), &v, `SELECT v FROM kv WHERE k = ?`, "a"))
	assert.Equal(t, "1", v)
}
