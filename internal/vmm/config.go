// Package vmm is a minimal KVM virtual machine monitor that boots one
// benchmark guest. It runs in its own process (runner vmm) so the capability
// drop and seccomp filter apply to nothing but the VMM.
package vmm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Setup failures. Each one is fatal to the job and never retried.
var (
	ErrKVMOpen        = errors.New("failed to open /dev/kvm")
	ErrMemorySize     = errors.New("invalid guest memory size")
	ErrCapabilityDrop = errors.New("failed to drop capabilities")
	ErrSeccompCompile = errors.New("failed to compile seccomp filter")
	ErrSeccompApply   = errors.New("failed to apply seccomp filter")
	ErrUnsupported    = errors.New("vmm requires linux on amd64")
)

const (
	// MinMemory is the smallest guest the kernel boots reliably in
	MinMemory = 64 << 20
	// MaxVCPUs is bounded by the room for the MP table in the EBDA
	MaxVCPUs = 32
	// DefaultGuestCID is the first context id available to guests
	DefaultGuestCID = 3
)

// Config is written by the sandbox and read by the vmm child process
type Config struct {
	KernelPath   string `json:"kernel_path"`
	InitrdPath   string `json:"initrd_path,omitempty"`
	Cmdline      string `json:"cmdline"`
	VCPUs        int    `json:"vcpus"`
	MemoryBytes  int64  `json:"memory_bytes"`
	UDSPath      string `json:"uds_path"`
	GuestCID     uint64 `json:"guest_cid"`
	ConsolePath  string `json:"console_path,omitempty"`
	KeepNetAdmin bool   `json:"keep_net_admin"`
	Seccomp      bool   `json:"seccomp"`
}

func (c *Config) Validate() error {
	if c.KernelPath == "" {
		return errors.New("kernel_path is required")
	}
	if c.UDSPath == "" {
		return errors.New("uds_path is required")
	}
	if c.VCPUs < 1 || c.VCPUs > MaxVCPUs {
		return fmt.Errorf("vcpus must be between 1 and %d, got %d", MaxVCPUs, c.VCPUs)
	}
	if c.MemoryBytes < MinMemory || uint64(c.MemoryBytes) > MMIOStart {
		return fmt.Errorf("%w: %d bytes (must be between %d and %d)", ErrMemorySize, c.MemoryBytes, MinMemory, MMIOStart)
	}
	// the device argument is appended after a space and the line is NUL terminated
	if len(c.Cmdline)+1+len(deviceCmdline()) >= CmdlineMaxSize {
		return fmt.Errorf("kernel command line exceeds %d bytes", CmdlineMaxSize)
	}
	if c.GuestCID < DefaultGuestCID {
		return fmt.Errorf("guest_cid must be at least %d", DefaultGuestCID)
	}
	return nil
}

// LoadConfig reads a Config written by WriteConfig
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vmm config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse vmm config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vmm config: %w", err)
	}

	return &cfg, nil
}

func WriteConfig(path string, cfg *Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}
