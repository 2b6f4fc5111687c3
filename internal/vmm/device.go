package vmm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

// virtio-mmio register offsets (virtio 1.x, section 4.2.2)
const (
	regMagic             = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	virtioMagic       = 0x74726976 // "virt"
	virtioVersion     = 2
	virtioIDVsock     = 19
	virtioVendorID    = 0
	virtioFVersion1   = 1 << 32
	interruptUsedRing = 1

	vsockQueues   = 3 // rx, tx, event
	vsockQueueMax = 256
)

type virtQueue struct {
	size   uint32
	ready  bool
	desc   uint64
	driver uint64
	device uint64
}

// VsockDevice is the register model of a virtio-mmio socket device. The
// guest agent talks to host listeners at {uds}_{port}; the device itself
// only owns the host endpoint at uds and completes feature negotiation.
type VsockDevice struct {
	mu sync.Mutex

	cid      uint64
	udsPath  string
	listener *net.UnixListener
	irq      func() error
	logger   *slog.Logger

	deviceFeatures uint64
	featuresSel    uint32
	driverFeatures uint64
	driverSel      uint32
	queueSel       uint32
	queues         [vsockQueues]virtQueue
	status         uint32
	interrupt      uint32
	notifies       uint64
}

// NewVsockDevice binds the host endpoint at udsPath. irq is called whenever
// the device raises its interrupt line.
func NewVsockDevice(cid uint64, udsPath string, irq func() error, logger *slog.Logger) (*VsockDevice, error) {
	if err := os.Remove(udsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale vsock socket: %w", err)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: udsPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to bind vsock socket: %w", err)
	}

	return &VsockDevice{
		cid:            cid,
		udsPath:        udsPath,
		listener:       l,
		irq:            irq,
		logger:         logger,
		deviceFeatures: virtioFVersion1,
	}, nil
}

// deviceCmdline announces the device to a kernel booted without ACPI
func deviceCmdline() string {
	return fmt.Sprintf("virtio_mmio.device=4K@%#x:%d", VsockMMIOAddr, VsockIRQ)
}

// Read serves a guest load from offset within the register window
func (d *VsockDevice) Read(offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(data)

	if offset >= regConfig {
		var cfg [8]byte
		binary.LittleEndian.PutUint64(cfg[:], d.cid)
		if off := offset - regConfig; off < uint64(len(cfg)) {
			copy(data, cfg[off:])
		}
		return
	}

	if len(data) != 4 {
		d.logger.Warn("Unaligned vsock register read",
			slog.Uint64("offset", offset),
			slog.Int("len", len(data)),
		)
		return
	}

	var v uint32
	q := d.selectedQueue()
	switch offset {
	case regMagic:
		v = virtioMagic
	case regVersion:
		v = virtioVersion
	case regDeviceID:
		v = virtioIDVsock
	case regVendorID:
		v = virtioVendorID
	case regDeviceFeatures:
		switch d.featuresSel {
		case 0:
			v = uint32(d.deviceFeatures)
		case 1:
			v = uint32(d.deviceFeatures >> 32)
		}
	case regQueueNumMax:
		if q != nil {
			v = vsockQueueMax
		}
	case regQueueReady:
		if q != nil && q.ready {
			v = 1
		}
	case regInterruptStatus:
		v = d.interrupt
	case regStatus:
		v = d.status
	case regConfigGeneration:
		v = 0
	}
	binary.LittleEndian.PutUint32(data, v)
}

// Write serves a guest store to offset within the register window
func (d *VsockDevice) Write(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= regConfig {
		// configuration space is read-only
		return nil
	}
	if len(data) != 4 {
		d.logger.Warn("Unaligned vsock register write",
			slog.Uint64("offset", offset),
			slog.Int("len", len(data)),
		)
		return nil
	}

	v := binary.LittleEndian.Uint32(data)
	q := d.selectedQueue()
	switch offset {
	case regDeviceFeaturesSel:
		d.featuresSel = v
	case regDriverFeaturesSel:
		d.driverSel = v
	case regDriverFeatures:
		switch d.driverSel {
		case 0:
			d.driverFeatures = d.driverFeatures&^0xffffffff | uint64(v)
		case 1:
			d.driverFeatures = d.driverFeatures&0xffffffff | uint64(v)<<32
		}
		d.driverFeatures &= d.deviceFeatures
	case regQueueSel:
		d.queueSel = v
	case regQueueNum:
		if q != nil && v <= vsockQueueMax {
			q.size = v
		}
	case regQueueReady:
		if q != nil {
			q.ready = v == 1
		}
	case regQueueDescLow:
		if q != nil {
			q.desc = setLow(q.desc, v)
		}
	case regQueueDescHigh:
		if q != nil {
			q.desc = setHigh(q.desc, v)
		}
	case regQueueDriverLow:
		if q != nil {
			q.driver = setLow(q.driver, v)
		}
	case regQueueDriverHigh:
		if q != nil {
			q.driver = setHigh(q.driver, v)
		}
	case regQueueDeviceLow:
		if q != nil {
			q.device = setLow(q.device, v)
		}
	case regQueueDeviceHigh:
		if q != nil {
			q.device = setHigh(q.device, v)
		}
	case regQueueNotify:
		return d.notify(v)
	case regInterruptACK:
		d.interrupt &^= v
	case regStatus:
		if v == 0 {
			d.reset()
			return nil
		}
		d.status = v
	}
	return nil
}

// notify handles a driver kick. Packet processing is not modeled; the
// device only signals used-ring progress.
func (d *VsockDevice) notify(queue uint32) error {
	if queue >= vsockQueues {
		return nil
	}
	d.notifies++
	d.interrupt |= interruptUsedRing
	if d.irq == nil {
		return nil
	}
	return d.irq()
}

func (d *VsockDevice) reset() {
	d.status = 0
	d.interrupt = 0
	d.driverFeatures = 0
	d.featuresSel = 0
	d.driverSel = 0
	d.queueSel = 0
	d.queues = [vsockQueues]virtQueue{}
}

func (d *VsockDevice) selectedQueue() *virtQueue {
	if d.queueSel >= vsockQueues {
		return nil
	}
	return &d.queues[d.queueSel]
}

// Close releases the host endpoint and removes its socket file
func (d *VsockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listener == nil {
		return nil
	}
	err := d.listener.Close()
	d.listener = nil
	if rmErr := os.Remove(d.udsPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}

func setLow(reg uint64, v uint32) uint64 {
	return reg&^0xffffffff | uint64(v)
}

func setHigh(reg uint64, v uint32) uint64 {
	return reg&0xffffffff | uint64(v)<<32
}
