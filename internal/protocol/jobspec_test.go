package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() JobSpec {
	return JobSpec{
		Registry: "registry.example.com",
		Project:  "acme/bench",
		Digest:   "sha256:" + strings.Repeat("ab", 32),
		Cmd:      []string{"./bench", "--iterations", "5"},
		Timeout:  300,
	}
}

func TestJobSpec_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(s *JobSpec)
		errString string
	}{
		{name: "valid", mutate: func(s *JobSpec) {}},
		{name: "no registry", mutate: func(s *JobSpec) { s.Registry = "" }, errString: "registry is required"},
		{name: "no project", mutate: func(s *JobSpec) { s.Project = "" }, errString: "project is required"},
		{name: "tag instead of digest", mutate: func(s *JobSpec) { s.Digest = "latest" }, errString: "not a sha256 digest"},
		{name: "zero timeout", mutate: func(s *JobSpec) { s.Timeout = 0 }, errString: "timeout must be greater than 0"},
		{name: "negative memory", mutate: func(s *JobSpec) { s.Memory = -1 }, errString: "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)

			err := spec.Validate()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestJobSpec_Helpers(t *testing.T) {
	spec := validSpec()

	assert.Equal(t, "registry.example.com/acme/bench@sha256:"+strings.Repeat("ab", 32), spec.ImageRef())
	assert.Equal(t, 5*time.Minute, spec.TimeoutDuration())
}

func TestJobSpec_WireFields(t *testing.T) {
	data, err := json.Marshal(validSpec())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))

	for _, key := range []string{"registry", "project", "digest", "cmd", "vcpu", "memory", "disk", "timeout", "network"} {
		assert.Contains(t, fields, key)
	}
	assert.NotContains(t, fields, "entrypoint")
	assert.NotContains(t, fields, "env")
}

func TestJobSpec_ScanValue(t *testing.T) {
	spec := validSpec()
	spec.Env = map[string]string{"GOMAXPROCS": "2"}

	v, err := spec.Value()
	require.NoError(t, err)

	var fromString JobSpec
	require.NoError(t, fromString.Scan(v))
	assert.Equal(t, spec, fromString)

	var fromBytes JobSpec
	require.NoError(t, fromBytes.Scan([]byte(v.(string))))
	assert.Equal(t, spec, fromBytes)

	var bad JobSpec
	assert.Error(t, bad.Scan(42))
}

func TestParseJobStatus(t *testing.T) {
	for _, st := range AllJobStatuses {
		parsed, err := ParseJobStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	_, err := ParseJobStatus("QUEUED")
	assert.Error(t, err)

	var st JobStatus
	assert.Error(t, json.Unmarshal([]byte(`"pending"`), &st))
	require.NoError(t, json.Unmarshal([]byte(`"RUNNING"`), &st))
	assert.Equal(t, JobStatusRunning, st)

	assert.True(t, JobStatusCanceled.IsTerminal())
	assert.False(t, JobStatusClaimed.IsTerminal())
}
