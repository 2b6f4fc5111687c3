// Package sandbox runs one benchmark job in an isolated environment. The
// microVM implementation boots the job's image under the KVM monitor in a
// child process; platforms without KVM get an implementation that fails fast.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
)

// ErrUnsupportedPlatform is returned by every Run on a host that cannot boot microVMs
var ErrUnsupportedPlatform = errors.New("microVM sandbox requires linux/amd64 with /dev/kvm")

// Sandbox executes a translated job and reports what the guest produced.
// A returned error means the job never ran to a result.
type Sandbox interface {
	Run(ctx context.Context, cfg *Config) (*Outcome, error)
}

// Config is a JobSpec resolved against the runner's defaults
type Config struct {
	JobID       string
	Image       string
	Digest      string
	Command     protocol.GuestCommand
	VCPUs       int
	MemoryBytes int64
	Timeout     time.Duration
	Network     bool
}

// Defaults fill resource sizes a JobSpec leaves at zero
type Defaults struct {
	VCPUs       int
	MemoryBytes int64
}

// Translate turns a claimed job's spec into sandbox configuration. Without
// an entrypoint or cmd the guest falls back to the image's default command.
func Translate(jobID string, spec *protocol.JobSpec, d Defaults) (*Config, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}

	var argv []string
	argv = append(argv, spec.Entrypoint...)
	argv = append(argv, spec.Cmd...)

	cfg := &Config{
		JobID:       jobID,
		Image:       spec.ImageRef(),
		Digest:      spec.Digest,
		Command:     protocol.GuestCommand{Argv: argv, Env: spec.Env},
		VCPUs:       spec.VCPU,
		MemoryBytes: spec.Memory,
		Timeout:     spec.TimeoutDuration(),
		Network:     spec.Network,
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = d.VCPUs
	}
	if cfg.MemoryBytes == 0 {
		cfg.MemoryBytes = d.MemoryBytes
	}

	return cfg, nil
}

// SetupError names the stage at which a sandbox failed before the guest
// could report a result
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Outcome is what the guest reported. ExitCode is nil when it never did.
type Outcome struct {
	Stdout    []byte
	Stderr    []byte
	Output    []byte
	ExitCode  *int
	Truncated bool
	TimedOut  bool
	Elapsed   time.Duration
}

// Iteration converts the outcome into the single iteration of a report. A
// missing exit code is reported as -1.
func (o *Outcome) Iteration() protocol.IterationOutput {
	exitCode := -1
	if o.ExitCode != nil {
		exitCode = *o.ExitCode
	}
	return protocol.IterationOutput{
		ExitCode: exitCode,
		Stdout:   string(o.Stdout),
		Stderr:   string(o.Stderr),
		Output:   o.Output,
	}
}

// Message maps the outcome onto the terminal lifecycle message
func (o *Outcome) Message() protocol.RunnerMessage {
	results := []protocol.IterationOutput{o.Iteration()}
	switch {
	case o.TimedOut:
		return protocol.Failed{Results: results, Error: fmt.Sprintf("job timed out after %s", o.Elapsed.Round(time.Second))}
	case o.ExitCode == nil:
		return protocol.Failed{Results: results, Error: "exit code not reported"}
	case *o.ExitCode != 0:
		return protocol.Failed{Results: results, Error: fmt.Sprintf("benchmark exited with status %d", *o.ExitCode)}
	default:
		return protocol.Completed{Results: results}
	}
}

// FailureMessage reports a job that produced no outcome at all
func FailureMessage(err error) protocol.Failed {
	return protocol.Failed{Results: []protocol.IterationOutput{}, Error: err.Error()}
}

// Unsupported is the Sandbox of a host that cannot run microVMs
type Unsupported struct {
	Reason string
}

func (u Unsupported) Run(context.Context, *Config) (*Outcome, error) {
	if u.Reason == "" {
		return nil, ErrUnsupportedPlatform
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, u.Reason)
}
