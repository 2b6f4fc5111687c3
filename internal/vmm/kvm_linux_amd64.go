package vmm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers from linux/kvm.h
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmGetVCPUMmapSize     = 0xae04
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmCreateVCPU          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIRQChip       = 0xae60
	kvmIRQLine             = 0x4008ae61
	kvmCreatePIT2          = 0x4040ae77
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetCPUID2           = 0x4008ae90

	kvmAPIVersion = 12

	kvmPITSpeakerDummy = 1

	tssAddr         = 0xfffb_d000
	identityMapAddr = 0xfffb_c000

	maxCPUIDEntries = 256
)

// kvm_run exit reasons
const (
	exitUnknown       = 0
	exitException     = 1
	exitIO            = 2
	exitHLT           = 5
	exitMMIO          = 6
	exitShutdown      = 8
	exitFailEntry     = 9
	exitIntr          = 10
	exitInternalError = 17
	exitSystemEvent   = 24
)

// Offsets into struct kvm_run
const (
	runExitReason = 8
	runIO         = 32 // direction u8, size u8, port u16, count u32, data_offset u64
	runMMIO       = 32 // phys_addr u64, data [8]u8, len u32, is_write u8
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmCPUID2 struct {
	Nent    uint32
	_       uint32
	Entries [maxCPUIDEntries]cpuidEntry
}

type kvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

type kvmPITConfig struct {
	Flags uint32
	_     [15]uint32
}

func ioctl(fd int, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) error {
	_, err := ioctl(fd, req, uintptr(p))
	return err
}

// openKVM opens /dev/kvm and checks the stable API version
func openKVM() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrKVMOpen, err)
	}

	version, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: KVM_GET_API_VERSION: %v", ErrKVMOpen, err)
	}
	if version != kvmAPIVersion {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: api version %d, want %d", ErrKVMOpen, version, kvmAPIVersion)
	}

	return fd, nil
}

// supportedCPUID asks KVM which CPUID leaves it can present to guests
func supportedCPUID(kvmFD int) ([]cpuidEntry, error) {
	cpuid := &kvmCPUID2{Nent: maxCPUIDEntries}
	if err := ioctlPtr(kvmFD, kvmGetSupportedCPUID, unsafe.Pointer(cpuid)); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	return append([]cpuidEntry(nil), cpuid.Entries[:cpuid.Nent]...), nil
}

func setCPUID(vcpuFD int, entries []cpuidEntry) error {
	if len(entries) > maxCPUIDEntries {
		return fmt.Errorf("%d cpuid entries exceed %d", len(entries), maxCPUIDEntries)
	}
	cpuid := &kvmCPUID2{Nent: uint32(len(entries))}
	copy(cpuid.Entries[:], entries)
	if err := ioctlPtr(vcpuFD, kvmSetCPUID2, unsafe.Pointer(cpuid)); err != nil {
		return fmt.Errorf("KVM_SET_CPUID2: %w", err)
	}
	return nil
}
