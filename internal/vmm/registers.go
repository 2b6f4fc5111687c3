package vmm

// Control register and EFER bits
const (
	cr0PE   = 1 << 0
	cr0PG   = 1 << 31
	cr4PAE  = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10

	rflagsReserved = 1 << 1
)

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type kvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDtable
	CR0, CR2, CR3, CR4     uint64
	CR8, EFER, APICBase    uint64
	InterruptBitmap        [4]uint64
}

// configureSregs switches the boot CPU straight into 64-bit long mode on the
// tables written by writeGDT and writePageTables
func configureSregs(s *kvmSregs) {
	s.GDT = kvmDtable{Base: GDTAddr, Limit: uint16(len(bootGDT)*8 - 1)}
	s.IDT = kvmDtable{Base: IDTAddr, Limit: 7}

	code := segmentFromGDT(bootGDT, gdtCode)
	data := segmentFromGDT(bootGDT, gdtData)
	s.CS = code
	s.DS, s.ES, s.FS, s.GS, s.SS = data, data, data, data, data
	s.TR = segmentFromGDT(bootGDT, gdtTSS)

	s.CR0 |= cr0PE | cr0PG
	s.CR3 = PML4Addr
	s.CR4 |= cr4PAE
	s.EFER |= eferLME | eferLMA
}

// bootRegs enters the kernel at entry with the zero page in RSI and
// interrupts disabled
func bootRegs(entry uint64) kvmRegs {
	return kvmRegs{
		RIP:    entry,
		RSI:    ZeroPageAddr,
		RSP:    BootStackAddr,
		RBP:    BootStackAddr,
		RFLAGS: rflagsReserved,
	}
}
