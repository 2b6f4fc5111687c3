package vmm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// seccompData lays out struct seccomp_data. The bpf VM loads words in
// network byte order, so the fields are encoded big endian here.
func seccompData(nr, arch uint32) []byte {
	b := make([]byte, 64)
	binary.BigEndian.PutUint32(b[seccompDataNR:], nr)
	binary.BigEndian.PutUint32(b[seccompDataArch:], arch)
	return b
}

func newSeccompVM(t *testing.T) *bpf.VM {
	t.Helper()
	prog, err := seccompProgram(allowedSyscalls)
	require.NoError(t, err)
	vm, err := bpf.NewVM(prog)
	require.NoError(t, err)
	return vm
}

func TestSeccompProgram_AllowsListedSyscalls(t *testing.T) {
	vm := newSeccompVM(t)

	for _, nr := range allowedSyscalls {
		ret, err := vm.Run(seccompData(uint32(nr), auditArchX86_64))
		require.NoError(t, err)
		assert.Equal(t, seccompRetAllow, ret, "syscall %d", nr)
	}
}

func TestSeccompProgram_KillsEverythingElse(t *testing.T) {
	vm := newSeccompVM(t)

	for _, nr := range []uintptr{unix.SYS_EXECVE, unix.SYS_OPENAT, unix.SYS_PTRACE, unix.SYS_MOUNT, unix.SYS_KILL} {
		ret, err := vm.Run(seccompData(uint32(nr), auditArchX86_64))
		require.NoError(t, err)
		assert.Equal(t, seccompRetKillProcess, ret, "syscall %d", nr)
	}
}

func TestSeccompProgram_KillsForeignArch(t *testing.T) {
	vm := newSeccompVM(t)

	const auditArchI386 = 0x40000003
	ret, err := vm.Run(seccompData(unix.SYS_READ, auditArchI386))
	require.NoError(t, err)
	assert.Equal(t, seccompRetKillProcess, ret)

	// x32 numbers carry bit 30 and are not on the list
	ret, err = vm.Run(seccompData(0x40000000|unix.SYS_READ, auditArchX86_64))
	require.NoError(t, err)
	assert.Equal(t, seccompRetKillProcess, ret)
}

func TestSeccompProgram_Deduplicates(t *testing.T) {
	prog, err := seccompProgram([]uintptr{unix.SYS_READ, unix.SYS_READ, unix.SYS_WRITE})
	require.NoError(t, err)
	// arch check (3) + nr load + 2 compares + kill + allow
	assert.Len(t, prog, 8)
}

func TestSeccompProgram_Limits(t *testing.T) {
	_, err := seccompProgram(nil)
	assert.ErrorIs(t, err, ErrSeccompCompile)

	tooMany := make([]uintptr, maxSeccompSyscalls+1)
	for i := range tooMany {
		tooMany[i] = uintptr(i)
	}
	_, err = seccompProgram(tooMany)
	assert.ErrorIs(t, err, ErrSeccompCompile)
}

func TestCompileSeccomp(t *testing.T) {
	raw, err := compileSeccomp(allowedSyscalls)
	require.NoError(t, err)
	assert.Len(t, raw, len(allowedSyscalls)+6)
}
