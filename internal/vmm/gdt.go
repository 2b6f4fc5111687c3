package vmm

// kvmSegment mirrors struct kvm_segment
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Boot GDT: null, 64-bit code, data, TSS. VMX entry needs a usable TR, so
// the TSS descriptor rides along with the three the kernel uses.
var bootGDT = []uint64{
	gdtEntry(0, 0, 0),
	gdtEntry(0xa09b, 0, 0xfffff),
	gdtEntry(0xc093, 0, 0xfffff),
	gdtEntry(0x808b, 0, 0xfffff),
}

const (
	gdtCode = 1
	gdtData = 2
	gdtTSS  = 3
)

// gdtEntry packs a segment descriptor. flags carries the access byte in its
// low 8 bits and the granularity nibble in bits 12-15.
func gdtEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

func gdtBase(e uint64) uint64 {
	return (e&0xff00000000000000)>>32 |
		(e&0x000000ff00000000)>>16 |
		(e&0x00000000ffff0000)>>16
}

func gdtLimit(e uint64) uint32 {
	limit := uint32((e&0x000f000000000000)>>32 | e&0x000000000000ffff)
	if gdtBit(e, 55) == 1 {
		return limit<<12 | 0xfff
	}
	return limit
}

func gdtBit(e uint64, bit uint) uint8 {
	return uint8(e >> bit & 1)
}

// segmentFromGDT decodes entry index of table into the form KVM expects
func segmentFromGDT(table []uint64, index int) kvmSegment {
	e := table[index]
	seg := kvmSegment{
		Base:     gdtBase(e),
		Limit:    gdtLimit(e),
		Selector: uint16(index * 8),
		Type:     uint8(e >> 40 & 0xf),
		Present:  gdtBit(e, 47),
		DPL:      uint8(e >> 45 & 0x3),
		DB:       gdtBit(e, 54),
		S:        gdtBit(e, 44),
		L:        gdtBit(e, 53),
		G:        gdtBit(e, 55),
		AVL:      gdtBit(e, 52),
	}
	if seg.Present == 0 {
		seg.Unusable = 1
	}
	return seg
}

// writeGDT stores the boot GDT and an empty IDT
func writeGDT(mem guestMemory) error {
	for i, e := range bootGDT {
		if err := mem.putUint64(GDTAddr+uint64(i)*8, e); err != nil {
			return err
		}
	}
	return mem.putUint64(IDTAddr, 0)
}
