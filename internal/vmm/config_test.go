package vmm

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		KernelPath:  "/var/lib/bench/vmlinux",
		InitrdPath:  "/var/lib/bench/images/abc.cpio",
		Cmdline:     "console=ttyS0 reboot=k panic=1",
		VCPUs:       2,
		MemoryBytes: 512 << 20,
		UDSPath:     "/run/bench/job/v.sock",
		GuestCID:    DefaultGuestCID,
		Seccomp:     true,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no kernel", mutate: func(c *Config) { c.KernelPath = "" }, wantErr: "kernel_path"},
		{name: "no socket", mutate: func(c *Config) { c.UDSPath = "" }, wantErr: "uds_path"},
		{name: "zero vcpus", mutate: func(c *Config) { c.VCPUs = 0 }, wantErr: "vcpus"},
		{name: "too many vcpus", mutate: func(c *Config) { c.VCPUs = MaxVCPUs + 1 }, wantErr: "vcpus"},
		{name: "memory too small", mutate: func(c *Config) { c.MemoryBytes = 1 << 20 }, wantErr: "guest memory"},
		{name: "memory in device window", mutate: func(c *Config) { c.MemoryBytes = MMIOStart + 1 }, wantErr: "guest memory"},
		{name: "memory at device window", mutate: func(c *Config) { c.MemoryBytes = MMIOStart }},
		{name: "long cmdline", mutate: func(c *Config) { c.Cmdline = strings.Repeat("a", CmdlineMaxSize) }, wantErr: "command line"},
		{name: "reserved cid", mutate: func(c *Config) { c.GuestCID = 2 }, wantErr: "guest_cid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigValidate_MemoryErrorIsTyped(t *testing.T) {
	cfg := validConfig()
	cfg.MemoryBytes = 0
	assert.ErrorIs(t, cfg.Validate(), ErrMemorySize)
}

func TestWriteLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmm.json")
	want := validConfig()

	require.NoError(t, WriteConfig(path, want))
	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmm.json")
	cfg := validConfig()
	cfg.VCPUs = 0
	require.NoError(t, WriteConfig(path, cfg))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "invalid vmm config")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
