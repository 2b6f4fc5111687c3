package vmm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Legacy ports the run loop answers itself
const (
	serialBase   = 0x3f8
	serialLSR    = serialBase + 5
	lsrTHREmpty  = 0x60
	i8042Command = 0x64
	i8042Reset   = 0xfe

	ioDirectionOut = 1
)

type vcpu struct {
	id  int
	fd  int
	run []byte
}

// Machine is one booted-but-not-yet-running guest
type Machine struct {
	cfg    *Config
	logger *slog.Logger

	kvmFD int
	vmFD  int
	mem   guestMemory
	vcpus []*vcpu
	entry uint64

	// vCPU goroutines that have not returned from runVCPU
	running atomic.Int32

	device *VsockDevice

	consoleMu sync.Mutex
	console   io.Writer
	consoleF  *os.File
	line      []byte
}

// NewMachine performs every step that needs files, memory or threads:
// KVM objects, guest memory, kernel and initrd loading, boot tables, vCPU
// registers and the socket device.
func NewMachine(cfg *Config, logger *slog.Logger) (*Machine, error) {
	if err := checkHostMemory(cfg.MemoryBytes); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:     cfg,
		logger:  logger,
		kvmFD:   -1,
		vmFD:    -1,
		console: os.Stderr,
	}
	if err := m.setup(); err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

func (m *Machine) setup() error {
	kvmFD, err := openKVM()
	if err != nil {
		return err
	}
	m.kvmFD = kvmFD

	vmFD, err := ioctl(m.kvmFD, kvmCreateVM, 0)
	if err != nil {
		return fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	m.vmFD = int(vmFD)

	if err := m.createPlatform(); err != nil {
		return err
	}
	if err := m.allocateMemory(); err != nil {
		return err
	}
	if err := m.loadGuest(); err != nil {
		return err
	}

	if m.cfg.ConsolePath != "" {
		f, err := os.OpenFile(m.cfg.ConsolePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open console log: %w", err)
		}
		m.consoleF = f
		m.console = f
	}

	m.device, err = NewVsockDevice(m.cfg.GuestCID, m.cfg.UDSPath, func() error { return m.pulseIRQ(VsockIRQ) }, m.logger)
	if err != nil {
		return err
	}

	return m.createVCPUs()
}

func checkHostMemory(size int64) error {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fmt.Errorf("%w: sysinfo: %v", ErrMemorySize, err)
	}

	total := info.Totalram * uint64(info.Unit)
	if uint64(size) > total {
		return fmt.Errorf("%w: %d bytes requested, host has %d", ErrMemorySize, size, total)
	}
	return nil
}

// createPlatform adds the in-kernel interrupt controllers and timer the
// kernel expects on a PC
func (m *Machine) createPlatform() error {
	if _, err := ioctl(m.vmFD, kvmSetTSSAddr, tssAddr); err != nil {
		return fmt.Errorf("KVM_SET_TSS_ADDR: %w", err)
	}

	identity := uint64(identityMapAddr)
	if err := ioctlPtr(m.vmFD, kvmSetIdentityMapAddr, unsafe.Pointer(&identity)); err != nil {
		return fmt.Errorf("KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}

	if _, err := ioctl(m.vmFD, kvmCreateIRQChip, 0); err != nil {
		return fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}

	pit := kvmPITConfig{Flags: kvmPITSpeakerDummy}
	if err := ioctlPtr(m.vmFD, kvmCreatePIT2, unsafe.Pointer(&pit)); err != nil {
		return fmt.Errorf("KVM_CREATE_PIT2: %w", err)
	}

	return nil
}

func (m *Machine) allocateMemory() error {
	size := int(m.cfg.MemoryBytes)
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("%w: mmap of %d bytes: %v", ErrMemorySize, size, err)
	}
	m.mem = mem

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(size),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if err := ioctlPtr(m.vmFD, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	return nil
}

// loadGuest writes the kernel, initrd, command line and boot tables
func (m *Machine) loadGuest() error {
	entry, kernelEnd, err := loadKernel(m.mem, m.cfg.KernelPath)
	if err != nil {
		return err
	}
	m.entry = entry

	bp := bootParams{MemorySize: uint64(len(m.mem))}

	if m.cfg.InitrdPath != "" {
		initrd, err := os.ReadFile(m.cfg.InitrdPath)
		if err != nil {
			return fmt.Errorf("failed to read initrd: %w", err)
		}
		addr, err := initrdAddr(uint64(len(m.mem)), uint64(len(initrd)), kernelEnd)
		if err != nil {
			return err
		}
		if err := m.mem.write(addr, initrd); err != nil {
			return err
		}
		bp.InitrdAddr = uint32(addr)
		bp.InitrdSize = uint32(len(initrd))
	}

	cmdline := m.cfg.Cmdline + " " + deviceCmdline()
	n, err := writeCmdline(m.mem, cmdline)
	if err != nil {
		return err
	}
	bp.CmdlineAddr = CmdlineAddr
	bp.CmdlineSize = n + 1

	zeroPage, err := bp.encode()
	if err != nil {
		return err
	}
	if err := m.mem.write(ZeroPageAddr, zeroPage); err != nil {
		return err
	}

	if err := writeGDT(m.mem); err != nil {
		return err
	}
	if err := writePageTables(m.mem); err != nil {
		return err
	}
	return writeMPTable(m.mem, m.cfg.VCPUs)
}

func (m *Machine) createVCPUs() error {
	mmapSize, err := ioctl(m.kvmFD, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	supported, err := supportedCPUID(m.kvmFD)
	if err != nil {
		return err
	}

	for i := 0; i < m.cfg.VCPUs; i++ {
		fd, err := ioctl(m.vmFD, kvmCreateVCPU, uintptr(i))
		if err != nil {
			return fmt.Errorf("KVM_CREATE_VCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(int(fd))
			return fmt.Errorf("failed to map kvm_run of vcpu %d: %w", i, err)
		}

		v := &vcpu{id: i, fd: int(fd), run: run}
		m.vcpus = append(m.vcpus, v)

		if err := setCPUID(v.fd, filterCPUID(supported, i, m.cfg.VCPUs)); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}

		// application processors wait for the kernel's INIT/SIPI
		if i == 0 {
			if err := m.setupBootCPU(v); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Machine) setupBootCPU(v *vcpu) error {
	var sregs kvmSregs
	if err := ioctlPtr(v.fd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	configureSregs(&sregs)
	if err := ioctlPtr(v.fd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	regs := bootRegs(m.entry)
	if err := ioctlPtr(v.fd, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}

	return nil
}

// pulseIRQ raises and lowers an edge triggered interrupt line
func (m *Machine) pulseIRQ(irq uint32) error {
	for _, level := range []uint32{1, 0} {
		line := kvmIRQLevel{IRQ: irq, Level: level}
		if err := ioctlPtr(m.vmFD, kvmIRQLine, unsafe.Pointer(&line)); err != nil {
			return fmt.Errorf("KVM_IRQ_LINE %d: %w", irq, err)
		}
	}
	return nil
}

// Run executes every vCPU on its own locked OS thread until the guest
// halts, resets or shuts down, or ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	errc := make(chan error, len(m.vcpus))
	for _, v := range m.vcpus {
		m.running.Add(1)
		go func() {
			defer m.running.Add(-1)
			// the thread exits with the goroutine; KVM binds a vCPU to its thread
			runtime.LockOSThread()
			errc <- m.runVCPU(v)
		}()
	}

	select {
	case err := <-errc:
		m.flushConsole()
		return err
	case <-ctx.Done():
		m.flushConsole()
		return ctx.Err()
	}
}

func (m *Machine) runVCPU(v *vcpu) error {
	le := binary.LittleEndian
	for {
		if _, err := ioctl(v.fd, kvmRun, 0); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", v.id, err)
		}

		switch reason := le.Uint32(v.run[runExitReason:]); reason {
		case exitIO:
			if m.handleIO(v.run) {
				m.logger.Info("Guest requested reset", slog.Int("vcpu", v.id))
				return nil
			}
		case exitMMIO:
			if err := m.handleMMIO(v.run); err != nil {
				return fmt.Errorf("vcpu %d: %w", v.id, err)
			}
		case exitHLT, exitShutdown, exitSystemEvent:
			m.logger.Info("Guest stopped",
				slog.Int("vcpu", v.id),
				slog.Uint64("exit_reason", uint64(reason)),
			)
			return nil
		case exitFailEntry, exitInternalError:
			return fmt.Errorf("vcpu %d: entry failed with exit reason %d", v.id, reason)
		default:
			return fmt.Errorf("vcpu %d: unhandled exit reason %d", v.id, reason)
		}
	}
}

// handleIO serves port I/O. It reports true when the guest asked for a reset.
func (m *Machine) handleIO(run []byte) bool {
	le := binary.LittleEndian
	direction := run[runIO]
	size := uint64(run[runIO+1])
	port := le.Uint16(run[runIO+2:])
	count := uint64(le.Uint32(run[runIO+4:]))
	offset := le.Uint64(run[runIO+8:])
	data := run[offset : offset+size*count]

	if direction == ioDirectionOut {
		switch port {
		case serialBase:
			m.writeConsole(data)
		case i8042Command:
			if len(data) > 0 && data[0] == i8042Reset {
				return true
			}
		}
		return false
	}

	clear(data)
	if port == serialLSR {
		for i := range data {
			data[i] = lsrTHREmpty
		}
	}
	return false
}

func (m *Machine) handleMMIO(run []byte) error {
	le := binary.LittleEndian
	addr := le.Uint64(run[runMMIO:])
	length := le.Uint32(run[runMMIO+16:])
	isWrite := run[runMMIO+20] != 0
	data := run[runMMIO+8 : runMMIO+8+min(length, 8)]

	if addr < VsockMMIOAddr || addr >= VsockMMIOAddr+VsockMMIOSize {
		if !isWrite {
			for i := range data {
				data[i] = 0xff
			}
		}
		return nil
	}

	offset := addr - VsockMMIOAddr
	if isWrite {
		return m.device.Write(offset, data)
	}
	m.device.Read(offset, data)
	return nil
}

func (m *Machine) writeConsole(data []byte) {
	m.consoleMu.Lock()
	defer m.consoleMu.Unlock()

	for _, b := range data {
		m.line = append(m.line, b)
		if b == '\n' || len(m.line) >= 4096 {
			_, _ = m.console.Write(m.line)
			m.line = m.line[:0]
		}
	}
}

func (m *Machine) flushConsole() {
	m.consoleMu.Lock()
	defer m.consoleMu.Unlock()

	if len(m.line) > 0 {
		_, _ = m.console.Write(m.line)
		m.line = m.line[:0]
	}
}

// Close releases every host resource the machine holds. While a vCPU
// goroutine may still be inside KVM_RUN its run area, the guest memory and
// the KVM descriptors stay mapped until the process exits.
func (m *Machine) Close() error {
	var errs []error
	if m.device != nil {
		errs = append(errs, m.device.Close())
	}
	if m.consoleF != nil {
		m.consoleMu.Lock()
		if len(m.line) > 0 {
			_, _ = m.console.Write(m.line)
			m.line = m.line[:0]
		}
		m.console = io.Discard
		errs = append(errs, m.consoleF.Close())
		m.consoleF = nil
		m.consoleMu.Unlock()
	}

	if n := m.running.Load(); n > 0 {
		m.logger.Debug("Leaving vCPU resources to process exit", slog.Int("running_vcpus", int(n)))
		return errors.Join(errs...)
	}

	for _, v := range m.vcpus {
		errs = append(errs, unix.Munmap(v.run), unix.Close(v.fd))
	}
	m.vcpus = nil
	if m.mem != nil {
		errs = append(errs, unix.Munmap(m.mem))
		m.mem = nil
	}
	if m.vmFD >= 0 {
		errs = append(errs, unix.Close(m.vmFD))
		m.vmFD = -1
	}
	if m.kvmFD >= 0 {
		errs = append(errs, unix.Close(m.kvmFD))
		m.kvmFD = -1
	}
	return errors.Join(errs...)
}
