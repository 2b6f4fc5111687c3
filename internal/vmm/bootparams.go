package vmm

import (
	"encoding/binary"
	"fmt"
)

// Offsets into struct boot_params (the zero page)
const (
	bpE820Entries   = 0x1e8
	bpBootFlag      = 0x1fe
	bpHeader        = 0x202
	bpTypeOfLoader  = 0x210
	bpLoadFlags     = 0x211
	bpRamdiskImage  = 0x218
	bpRamdiskSize   = 0x21c
	bpCmdLinePtr    = 0x228
	bpKernelAlign   = 0x230
	bpCmdlineSize   = 0x238
	bpE820Table     = 0x2d0
	bpE820EntrySize = 20
	bpE820Max       = 128

	bootFlagMagic  = 0xaa55
	headerMagic    = 0x53726448 // "HdrS"
	loaderOther    = 0xff
	kernelAlign    = 0x0100_0000
	loadFlagHigh   = 0x01
	e820RAM        = 1
	e820Reserved   = 2
	bootParamsSize = 4096
)

type e820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// bootParams is the subset of the zero page this VMM fills in
type bootParams struct {
	CmdlineAddr uint32
	CmdlineSize uint32
	InitrdAddr  uint32
	InitrdSize  uint32
	MemorySize  uint64
}

// e820Map describes guest RAM: low memory below the EBDA, then everything
// from 1 MiB up. The MP table lives in the gap.
func e820Map(memSize uint64) []e820Entry {
	return []e820Entry{
		{Addr: 0, Size: EBDAStart, Type: e820RAM},
		{Addr: EBDAStart, Size: HighMemStart - EBDAStart, Type: e820Reserved},
		{Addr: HighMemStart, Size: memSize - HighMemStart, Type: e820RAM},
	}
}

func (bp bootParams) encode() ([]byte, error) {
	entries := e820Map(bp.MemorySize)
	if len(entries) > bpE820Max {
		return nil, fmt.Errorf("too many e820 entries: %d", len(entries))
	}

	b := make([]byte, bootParamsSize)
	le := binary.LittleEndian

	b[bpE820Entries] = uint8(len(entries))
	le.PutUint16(b[bpBootFlag:], bootFlagMagic)
	le.PutUint32(b[bpHeader:], headerMagic)
	b[bpTypeOfLoader] = loaderOther
	b[bpLoadFlags] = loadFlagHigh
	le.PutUint32(b[bpRamdiskImage:], bp.InitrdAddr)
	le.PutUint32(b[bpRamdiskSize:], bp.InitrdSize)
	le.PutUint32(b[bpCmdLinePtr:], bp.CmdlineAddr)
	le.PutUint32(b[bpKernelAlign:], kernelAlign)
	le.PutUint32(b[bpCmdlineSize:], bp.CmdlineSize)

	for i, e := range entries {
		off := bpE820Table + i*bpE820EntrySize
		le.PutUint64(b[off:], e.Addr)
		le.PutUint64(b[off+8:], e.Size)
		le.PutUint32(b[off+16:], e.Type)
	}

	return b, nil
}

// writeCmdline stores the NUL terminated command line at CmdlineAddr
func writeCmdline(mem guestMemory, cmdline string) (uint32, error) {
	if len(cmdline) >= CmdlineMaxSize {
		return 0, fmt.Errorf("kernel command line is %d bytes, limit %d", len(cmdline), CmdlineMaxSize-1)
	}
	if err := mem.write(CmdlineAddr, append([]byte(cmdline), 0)); err != nil {
		return 0, err
	}
	return uint32(len(cmdline)), nil
}

// initrdAddr places an initrd of size bytes at the top of RAM, page aligned
func initrdAddr(memSize, size, kernelEnd uint64) (uint64, error) {
	if size > memSize {
		return 0, fmt.Errorf("initrd of %d bytes does not fit in %d bytes of memory", size, memSize)
	}
	addr := (memSize - size) &^ (pageSize - 1)
	if addr < kernelEnd {
		return 0, fmt.Errorf("initrd of %d bytes overlaps the kernel ending at %#x", size, kernelEnd)
	}
	return addr, nil
}
