package vmm

import (
	"encoding/binary"
	"fmt"
)

// Guest physical layout
const (
	GDTAddr        = 0x500
	IDTAddr        = 0x520
	ZeroPageAddr   = 0x7000
	BootStackAddr  = 0x8ff0
	PML4Addr       = 0x9000
	PDPTAddr       = 0xa000
	PDLowAddr      = 0xb000
	PDMMIOAddr     = 0xc000
	CmdlineAddr    = 0x20000
	CmdlineMaxSize = 2048
	EBDAStart      = 0x9fc00
	HighMemStart   = 0x100000

	// MMIOStart is the base of the 3-4 GiB device window. Guest RAM ends below it.
	MMIOStart = 0xc000_0000
	MMIOEnd   = 0x1_0000_0000

	// VsockMMIOAddr is where the socket device's registers live
	VsockMMIOAddr = 0xd000_0000
	VsockMMIOSize = 0x1000
	VsockIRQ      = 5

	pageSize = 0x1000
)

// guestMemory is the guest's physical address space starting at 0
type guestMemory []byte

func (m guestMemory) slice(addr uint64, n int) ([]byte, error) {
	end := addr + uint64(n)
	if end < addr || end > uint64(len(m)) {
		return nil, fmt.Errorf("guest range [%#x, %#x) outside %#x bytes of memory", addr, end, len(m))
	}
	return m[addr:end], nil
}

func (m guestMemory) write(addr uint64, b []byte) error {
	dst, err := m.slice(addr, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (m guestMemory) putUint64(addr, v uint64) error {
	dst, err := m.slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}

func (m guestMemory) uint64At(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m[addr : addr+8])
}
