package vmm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// keptCapabilities is the set that survives DropCapabilities. CAP_NET_ADMIN
// is needed for vsock socket setup on some kernels.
func keptCapabilities(keepNetAdmin bool) uint64 {
	if keepNetAdmin {
		return 1 << unix.CAP_NET_ADMIN
	}
	return 0
}

// capData splits a 64-bit capability mask into the two version 3 words
func capData(mask uint64) [2]unix.CapUserData {
	lo, hi := uint32(mask), uint32(mask>>32)
	return [2]unix.CapUserData{
		{Effective: lo, Permitted: lo, Inheritable: lo},
		{Effective: hi, Permitted: hi, Inheritable: hi},
	}
}

func capMask(data [2]unix.CapUserData) (effective, permitted uint64) {
	effective = uint64(data[0].Effective) | uint64(data[1].Effective)<<32
	permitted = uint64(data[0].Permitted) | uint64(data[1].Permitted)<<32
	return effective, permitted
}

func lastCap() int {
	data, err := os.ReadFile("/proc/sys/kernel/cap_last_cap")
	if err != nil {
		return unix.CAP_LAST_CAP
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return unix.CAP_LAST_CAP
	}
	return n
}

// allThreads applies a credential syscall to every thread of the process.
// Capabilities are per thread on Linux and the runtime owns many threads.
func allThreads(trap, a1, a2, a3, a4, a5 uintptr) error {
	_, _, errno := syscall.AllThreadsSyscall6(trap, a1, a2, a3, a4, a5, 0)
	switch errno {
	case 0:
		return nil
	case syscall.ENOTSUP:
		return errors.New("process-wide credential changes need a binary built with CGO_ENABLED=0")
	default:
		return errno
	}
}

// DropCapabilities clears the ambient, bounding, effective, permitted and
// inheritable sets of every thread, keeping only CAP_NET_ADMIN when asked.
// Any capability left behind is an error.
func DropCapabilities(keepNetAdmin bool) error {
	keep := keptCapabilities(keepNetAdmin)

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("%w: capget: %v", ErrCapabilityDrop, err)
	}
	effective, _ := capMask(data)

	err := allThreads(unix.SYS_PRCTL, unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0)
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("%w: clear ambient set: %v", ErrCapabilityDrop, err)
	}

	// the bounding set can only shrink while CAP_SETPCAP is effective
	if effective&(1<<unix.CAP_SETPCAP) != 0 {
		for c := 0; c <= lastCap(); c++ {
			if keep&(1<<c) != 0 {
				continue
			}
			err := allThreads(unix.SYS_PRCTL, unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
			if err != nil && !errors.Is(err, unix.EINVAL) {
				return fmt.Errorf("%w: bounding set cap %d: %v", ErrCapabilityDrop, c, err)
			}
		}
	}

	want := capData(keep)
	hdr = unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	err = allThreads(unix.SYS_CAPSET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&want[0])), 0, 0, 0)
	if err != nil {
		return fmt.Errorf("%w: capset: %v", ErrCapabilityDrop, err)
	}

	hdr = unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("%w: capget: %v", ErrCapabilityDrop, err)
	}
	effective, permitted := capMask(data)
	if extra := (effective | permitted) &^ keep; extra != 0 {
		return fmt.Errorf("%w: capabilities %#x still held", ErrCapabilityDrop, extra)
	}

	return nil
}
