package protocol

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// JobSpec describes what a runner must execute. Zero numeric fields mean
// "not specified" and are filled from runner defaults.
type JobSpec struct {
	Registry   string            `json:"registry"`
	Project    string            `json:"project"`
	Digest     string            `json:"digest"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	VCPU       int               `json:"vcpu"`
	Memory     int64             `json:"memory"`
	Disk       int64             `json:"disk"`
	Timeout    int               `json:"timeout"` // seconds
	Network    bool              `json:"network"`
}

// Validate checks the fields every runner relies on
func (s *JobSpec) Validate() error {
	if s.Registry == "" {
		return errors.New("registry is required")
	}
	if s.Project == "" {
		return errors.New("project is required")
	}
	if !digestPattern.MatchString(s.Digest) {
		return fmt.Errorf("digest %q is not a sha256 digest", s.Digest)
	}
	if s.Timeout <= 0 {
		return errors.New("timeout must be greater than 0")
	}
	if s.VCPU < 0 || s.Memory < 0 || s.Disk < 0 {
		return errors.New("resource sizes must not be negative")
	}
	return nil
}

// ImageRef returns the pinned OCI reference registry/project@digest
func (s *JobSpec) ImageRef() string {
	return s.Registry + "/" + s.Project + "@" + s.Digest
}

// TimeoutDuration converts the timeout to a wall-clock budget
func (s *JobSpec) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// Value stores the spec as a JSON column
func (s JobSpec) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON column written by Value
func (s *JobSpec) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = JobSpec{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JobSpec", src)
	}
}
