package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GuestCommandParam is the kernel command line parameter carrying the
// benchmark command to the guest agent
const GuestCommandParam = "bench.exec"

// ErrNoGuestCommand is returned when the command line has no GuestCommandParam
var ErrNoGuestCommand = errors.New("no guest command on kernel command line")

// ImageCommandPath is where an image initrd records its default command as a
// JSON string array
const ImageCommandPath = "/etc/bench/command.json"

// GuestCommand is what the guest agent runs as the benchmark. An empty Argv
// runs the image's default command.
type GuestCommand struct {
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env,omitempty"`
}

// CmdlineParam renders c as a single space-free kernel parameter
func (c GuestCommand) CmdlineParam() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return GuestCommandParam + "=" + base64.RawURLEncoding.EncodeToString(b), nil
}

// ParseGuestCommand finds and decodes the command in a full kernel command line
func ParseGuestCommand(cmdline string) (*GuestCommand, error) {
	prefix := GuestCommandParam + "="
	for _, field := range strings.Fields(cmdline) {
		value, ok := strings.CutPrefix(field, prefix)
		if !ok {
			continue
		}

		b, err := base64.RawURLEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("malformed %s: %w", GuestCommandParam, err)
		}
		var c GuestCommand
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", GuestCommandParam, err)
		}
		return &c, nil
	}
	return nil, ErrNoGuestCommand
}
