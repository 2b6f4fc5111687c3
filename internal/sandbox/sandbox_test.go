package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() *protocol.JobSpec {
	return &protocol.JobSpec{
		Registry:   "registry.example.com",
		Project:    "acme/bench",
		Digest:     "sha256:" + strings.Repeat("ab", 32),
		Entrypoint: []string{"/usr/bin/bench"},
		Cmd:        []string{"--iterations", "5"},
		Env:        map[string]string{"MODE": "fast"},
		Timeout:    120,
	}
}

func TestTranslate(t *testing.T) {
	defaults := Defaults{VCPUs: 2, MemoryBytes: 1 << 30}

	t.Run("defaults fill unspecified resources", func(t *testing.T) {
		cfg, err := Translate("job-1", testSpec(), defaults)
		require.NoError(t, err)

		assert.Equal(t, "job-1", cfg.JobID)
		assert.Equal(t, "registry.example.com/acme/bench@sha256:"+strings.Repeat("ab", 32), cfg.Image)
		assert.Equal(t, []string{"/usr/bin/bench", "--iterations", "5"}, cfg.Command.Argv)
		assert.Equal(t, map[string]string{"MODE": "fast"}, cfg.Command.Env)
		assert.Equal(t, 2, cfg.VCPUs)
		assert.Equal(t, int64(1<<30), cfg.MemoryBytes)
		assert.Equal(t, 120*time.Second, cfg.Timeout)
	})

	t.Run("spec sizes win", func(t *testing.T) {
		spec := testSpec()
		spec.VCPU = 4
		spec.Memory = 256 << 20
		spec.Network = true

		cfg, err := Translate("job-1", spec, defaults)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.VCPUs)
		assert.Equal(t, int64(256<<20), cfg.MemoryBytes)
		assert.True(t, cfg.Network)
	})

	t.Run("cmd alone", func(t *testing.T) {
		spec := testSpec()
		spec.Entrypoint = nil

		cfg, err := Translate("job-1", spec, defaults)
		require.NoError(t, err)
		assert.Equal(t, []string{"--iterations", "5"}, cfg.Command.Argv)
	})

	t.Run("no command uses the image default", func(t *testing.T) {
		spec := testSpec()
		spec.Entrypoint = nil
		spec.Cmd = nil
		require.NoError(t, spec.Validate())

		cfg, err := Translate("job-1", spec, defaults)
		require.NoError(t, err)
		assert.Empty(t, cfg.Command.Argv)
		assert.Equal(t, map[string]string{"MODE": "fast"}, cfg.Command.Env)

		param, err := cfg.Command.CmdlineParam()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(param, protocol.GuestCommandParam+"="))
	})

	t.Run("invalid spec", func(t *testing.T) {
		spec := testSpec()
		spec.Timeout = 0

		_, err := Translate("job-1", spec, defaults)
		assert.ErrorContains(t, err, "invalid job spec")
	})
}

func intPtr(v int) *int {
	return &v
}

func TestOutcomeMessage(t *testing.T) {
	tests := []struct {
		name      string
		outcome   Outcome
		wantEvent string
		wantError string
		wantCode  int
	}{
		{
			name:      "success",
			outcome:   Outcome{Stdout: []byte("ops=42\n"), ExitCode: intPtr(0)},
			wantEvent: protocol.EventCompleted,
			wantCode:  0,
		},
		{
			name:      "non-zero exit",
			outcome:   Outcome{ExitCode: intPtr(3)},
			wantEvent: protocol.EventFailed,
			wantError: "benchmark exited with status 3",
			wantCode:  3,
		},
		{
			name:      "no exit code",
			outcome:   Outcome{Stdout: []byte("partial")},
			wantEvent: protocol.EventFailed,
			wantError: "exit code not reported",
			wantCode:  -1,
		},
		{
			name:      "timed out",
			outcome:   Outcome{TimedOut: true, Elapsed: 90 * time.Second},
			wantEvent: protocol.EventFailed,
			wantError: "job timed out after 1m30s",
			wantCode:  -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.outcome.Message()

			switch m := msg.(type) {
			case protocol.Completed:
				assert.Equal(t, tt.wantEvent, protocol.EventCompleted)
				require.Len(t, m.Results, 1)
				assert.Equal(t, tt.wantCode, m.Results[0].ExitCode)
				assert.Equal(t, string(tt.outcome.Stdout), m.Results[0].Stdout)
			case protocol.Failed:
				assert.Equal(t, tt.wantEvent, protocol.EventFailed)
				assert.Equal(t, tt.wantError, m.Error)
				require.Len(t, m.Results, 1)
				assert.Equal(t, tt.wantCode, m.Results[0].ExitCode)
			default:
				t.Fatalf("unexpected message %T", msg)
			}
		})
	}
}

func TestFailureMessage(t *testing.T) {
	msg := FailureMessage(&SetupError{Stage: "kernel", Err: errors.New("hash mismatch")})
	assert.Equal(t, "sandbox kernel: hash mismatch", msg.Error)
	assert.NotNil(t, msg.Results)
	assert.Empty(t, msg.Results)
}

func TestSetupError(t *testing.T) {
	inner := errors.New("boom")
	err := error(&SetupError{Stage: "vmm", Err: inner})

	assert.ErrorIs(t, err, inner)
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "vmm", setupErr.Stage)
}

func TestUnsupported(t *testing.T) {
	_, err := Unsupported{}.Run(context.Background(), &Config{})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)

	_, err = Unsupported{Reason: "darwin/arm64"}.Run(context.Background(), &Config{})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.ErrorContains(t, err, "darwin/arm64")
}
