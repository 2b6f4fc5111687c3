package vmm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pipeVCPU stands in for a vCPU: KVM_RUN on a pipe fails with ENOTTY
func pipeVCPU(t *testing.T) *vcpu {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() { unix.Close(fds[1]) })

	run, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)

	return &vcpu{id: 0, fd: fds[0], run: run}
}

func bareMachine(v *vcpu) *Machine {
	return &Machine{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		kvmFD:   -1,
		vmFD:    -1,
		vcpus:   []*vcpu{v},
		console: io.Discard,
	}
}

func TestMachine_CloseKeepsRunningVCPUs(t *testing.T) {
	m := bareMachine(pipeVCPU(t))

	m.running.Store(1)
	require.NoError(t, m.Close())
	assert.Len(t, m.vcpus, 1, "a vCPU still in KVM_RUN keeps its run area")

	m.running.Store(0)
	require.NoError(t, m.Close())
	assert.Nil(t, m.vcpus)
}

func TestMachine_RunThenClose(t *testing.T) {
	m := bareMachine(pipeVCPU(t))

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KVM_RUN")

	require.Eventually(t, func() bool { return m.running.Load() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())
	assert.Nil(t, m.vcpus)
}
