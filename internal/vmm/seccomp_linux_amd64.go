package vmm

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	seccompSetModeFilter   = 1
	seccompFilterFlagTSync = 1

	seccompRetKillProcess = 0x80000000
	seccompRetAllow       = 0x7fff0000

	auditArchX86_64 = 0xc000003e

	// struct seccomp_data offsets
	seccompDataNR   = 0
	seccompDataArch = 4

	// conditional jumps carry an 8-bit offset
	maxSeccompSyscalls = 255
)

// allowedSyscalls is everything the VMM needs once the guest is booted: KVM
// ioctls, guest memory management, the vsock host endpoint, console writes and
// the Go runtime itself.
var allowedSyscalls = []uintptr{
	unix.SYS_IOCTL,
	unix.SYS_MMAP,
	unix.SYS_MUNMAP,
	unix.SYS_MPROTECT,
	unix.SYS_MADVISE,
	unix.SYS_SOCKET,
	unix.SYS_BIND,
	unix.SYS_LISTEN,
	unix.SYS_ACCEPT,
	unix.SYS_ACCEPT4,
	unix.SYS_CONNECT,
	unix.SYS_SENDTO,
	unix.SYS_RECVFROM,
	unix.SYS_SENDMSG,
	unix.SYS_RECVMSG,
	unix.SYS_GETSOCKOPT,
	unix.SYS_SETSOCKOPT,
	unix.SYS_SHUTDOWN,
	unix.SYS_READ,
	unix.SYS_WRITE,
	unix.SYS_WRITEV,
	unix.SYS_PREAD64,
	unix.SYS_PWRITE64,
	unix.SYS_LSEEK,
	unix.SYS_CLOSE,
	unix.SYS_FSTAT,
	unix.SYS_NEWFSTATAT,
	unix.SYS_FCNTL,
	unix.SYS_UNLINK,
	unix.SYS_UNLINKAT,
	unix.SYS_POLL,
	unix.SYS_PPOLL,
	unix.SYS_EPOLL_WAIT,
	unix.SYS_EPOLL_PWAIT,
	unix.SYS_EPOLL_CTL,
	unix.SYS_FUTEX,
	unix.SYS_SCHED_YIELD,
	unix.SYS_NANOSLEEP,
	unix.SYS_CLOCK_NANOSLEEP,
	unix.SYS_CLOCK_GETTIME,
	unix.SYS_GETTID,
	unix.SYS_GETPID,
	unix.SYS_TGKILL,
	unix.SYS_RT_SIGACTION,
	unix.SYS_RT_SIGPROCMASK,
	unix.SYS_RT_SIGRETURN,
	unix.SYS_SIGALTSTACK,
	unix.SYS_CLONE,
	unix.SYS_RESTART_SYSCALL,
	unix.SYS_EXIT,
	unix.SYS_EXIT_GROUP,
}

// seccompProgram builds an allow-list filter. Foreign architectures and any
// syscall not listed kill the whole process.
func seccompProgram(allowed []uintptr) ([]bpf.Instruction, error) {
	seen := make(map[uint32]struct{}, len(allowed))
	nrs := make([]uint32, 0, len(allowed))
	for _, nr := range allowed {
		if _, ok := seen[uint32(nr)]; ok {
			continue
		}
		seen[uint32(nr)] = struct{}{}
		nrs = append(nrs, uint32(nr))
	}
	if len(nrs) == 0 {
		return nil, fmt.Errorf("%w: empty allow-list", ErrSeccompCompile)
	}
	if len(nrs) > maxSeccompSyscalls {
		return nil, fmt.Errorf("%w: %d syscalls exceed %d", ErrSeccompCompile, len(nrs), maxSeccompSyscalls)
	}

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: seccompDataArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArchX86_64, SkipTrue: 1},
		bpf.RetConstant{Val: seccompRetKillProcess},
		bpf.LoadAbsolute{Off: seccompDataNR, Size: 4},
	}
	for i, nr := range nrs {
		// a match skips the remaining compares and the kill
		prog = append(prog, bpf.JumpIf{
			Cond:     bpf.JumpEqual,
			Val:      nr,
			SkipTrue: uint8(len(nrs) - i),
		})
	}
	prog = append(prog,
		bpf.RetConstant{Val: seccompRetKillProcess},
		bpf.RetConstant{Val: seccompRetAllow},
	)
	return prog, nil
}

func compileSeccomp(allowed []uintptr) ([]bpf.RawInstruction, error) {
	prog, err := seccompProgram(allowed)
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeccompCompile, err)
	}
	return raw, nil
}

// applySeccomp installs the filter on every thread of the process
func applySeccomp(raw []bpf.RawInstruction) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty program", ErrSeccompApply)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("%w: PR_SET_NO_NEW_PRIVS: %v", ErrSeccompApply, err)
	}

	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}

	r, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, seccompFilterFlagTSync, uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("%w: seccomp: %v", ErrSeccompApply, errno)
	}
	if r != 0 {
		return fmt.Errorf("%w: thread %d could not be synchronized", ErrSeccompApply, r)
	}
	return nil
}
