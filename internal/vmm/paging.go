package vmm

// Page table entry bits
const (
	ptePresent      = 1 << 0
	pteWritable     = 1 << 1
	pteWriteThrough = 1 << 3
	pteCacheDisable = 1 << 4
	pteHuge         = 1 << 7

	hugePageSize = 2 << 20
	gib          = 1 << 30
)

// writePageTables identity maps the first GiB of RAM and the 3-4 GiB device
// window with 2 MiB pages. The device window is uncached so MMIO accesses
// reach the VMM in program order.
func writePageTables(mem guestMemory) error {
	if err := mem.putUint64(PML4Addr, PDPTAddr|ptePresent|pteWritable); err != nil {
		return err
	}
	if err := mem.putUint64(PDPTAddr, PDLowAddr|ptePresent|pteWritable); err != nil {
		return err
	}
	if err := mem.putUint64(PDPTAddr+3*8, PDMMIOAddr|ptePresent|pteWritable); err != nil {
		return err
	}

	for i := uint64(0); i < 512; i++ {
		low := i*hugePageSize | ptePresent | pteWritable | pteHuge
		if err := mem.putUint64(PDLowAddr+i*8, low); err != nil {
			return err
		}

		device := (3*gib + i*hugePageSize) | ptePresent | pteWritable | pteHuge | pteWriteThrough | pteCacheDisable
		if err := mem.putUint64(PDMMIOAddr+i*8, device); err != nil {
			return err
		}
	}

	return nil
}
