package vmm

import (
	"encoding/binary"
	"fmt"
)

// Intel MultiProcessor specification 1.4 structures, enough for Linux to
// find the application processors and the IO APIC.
const (
	mpTableAddr = EBDAStart

	mpfSize    = 16
	mpcSize    = 44
	mpCPUSize  = 20
	mpItemSize = 8

	mpSpecRev     = 4
	apicVersion   = 0x14
	cpuEnabled    = 1
	cpuBSP        = 2
	cpuStepping   = 0x600
	cpuFeatureFPU = 0x001
	cpuFeatAPIC   = 0x200

	mpEntryCPU     = 0
	mpEntryBus     = 1
	mpEntryIOAPIC  = 2
	mpEntryIntSrc  = 3
	mpEntryLintSrc = 4

	mpIntINT    = 0
	mpIntNMI    = 1
	mpIntExtINT = 3

	ioapicAddr   = 0xfec0_0000
	lapicAddr    = 0xfee0_0000
	ioapicPins   = 24
	ioapicUsable = 1

	ebdaEnd = 0xa0000
)

func mpChecksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}

// mpTable builds the floating pointer structure followed by the
// configuration table for ncpu processors
func mpTable(ncpu int) ([]byte, error) {
	if ncpu < 1 || ncpu > MaxVCPUs {
		return nil, fmt.Errorf("mp table supports 1 to %d cpus, got %d", MaxVCPUs, ncpu)
	}

	le := binary.LittleEndian
	ioapicID := uint8(ncpu + 1)

	var entries []byte
	for i := 0; i < ncpu; i++ {
		cpu := make([]byte, mpCPUSize)
		cpu[0] = mpEntryCPU
		cpu[1] = uint8(i)
		cpu[2] = apicVersion
		cpu[3] = cpuEnabled
		if i == 0 {
			cpu[3] |= cpuBSP
		}
		le.PutUint32(cpu[4:], cpuStepping)
		le.PutUint32(cpu[8:], cpuFeatAPIC|cpuFeatureFPU)
		entries = append(entries, cpu...)
	}

	entries = append(entries, mpEntryBus, 0, 'I', 'S', 'A', ' ', ' ', ' ')

	ioapic := make([]byte, mpItemSize)
	ioapic[0] = mpEntryIOAPIC
	ioapic[1] = ioapicID
	ioapic[2] = apicVersion
	ioapic[3] = ioapicUsable
	le.PutUint32(ioapic[4:], ioapicAddr)
	entries = append(entries, ioapic...)

	for pin := 0; pin < ioapicPins; pin++ {
		entries = append(entries, mpEntryIntSrc, mpIntINT, 0, 0, 0, uint8(pin), ioapicID, uint8(pin))
	}

	entries = append(entries,
		mpEntryLintSrc, mpIntExtINT, 0, 0, 0, 0, 0, 0,
		mpEntryLintSrc, mpIntNMI, 0, 0, 0, 0, 0xff, 1,
	)

	mpc := make([]byte, mpcSize, mpcSize+len(entries))
	copy(mpc[0:], "PCMP")
	le.PutUint16(mpc[4:], uint16(mpcSize+len(entries)))
	mpc[6] = mpSpecRev
	copy(mpc[8:], "BENCHVMM")
	copy(mpc[16:], "000000000000")
	le.PutUint16(mpc[34:], uint16(ncpu+1+1+ioapicPins+2))
	le.PutUint32(mpc[36:], lapicAddr)
	mpc = append(mpc, entries...)
	mpc[7] = mpChecksum(mpc)

	mpf := make([]byte, mpfSize)
	copy(mpf[0:], "_MP_")
	le.PutUint32(mpf[4:], mpTableAddr+mpfSize)
	mpf[8] = 1
	mpf[9] = mpSpecRev
	mpf[10] = mpChecksum(mpf)

	out := append(mpf, mpc...)
	if mpTableAddr+len(out) > ebdaEnd {
		return nil, fmt.Errorf("mp table of %d bytes overflows the EBDA", len(out))
	}
	return out, nil
}

func writeMPTable(mem guestMemory, ncpu int) error {
	table, err := mpTable(ncpu)
	if err != nil {
		return err
	}
	return mem.write(mpTableAddr, table)
}
