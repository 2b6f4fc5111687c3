package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestCommand_CmdlineRoundTrip(t *testing.T) {
	cmd := GuestCommand{
		Argv: []string{"/bin/sh", "-c", "echo 'hello world' && ./bench --n=5"},
		Env:  map[string]string{"GOMAXPROCS": "2"},
	}

	param, err := cmd.CmdlineParam()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(param, "bench.exec="))
	assert.NotContains(t, param, " ")

	cmdline := "console=ttyS0 reboot=k " + param + " virtio_mmio.device=4K@0xd0000000:5"
	got, err := ParseGuestCommand(cmdline)
	require.NoError(t, err)
	assert.Equal(t, &cmd, got)
}

func TestGuestCommand_ImageDefault(t *testing.T) {
	cmd := GuestCommand{Env: map[string]string{"MODE": "fast"}}

	param, err := cmd.CmdlineParam()
	require.NoError(t, err)

	got, err := ParseGuestCommand("console=ttyS0 " + param)
	require.NoError(t, err)
	assert.Empty(t, got.Argv)
	assert.Equal(t, cmd.Env, got.Env)
}

func TestParseGuestCommand_Errors(t *testing.T) {
	_, err := ParseGuestCommand("console=ttyS0 panic=1")
	assert.ErrorIs(t, err, ErrNoGuestCommand)

	_, err = ParseGuestCommand("bench.exec=!!!")
	assert.ErrorContains(t, err, "malformed")
}
