package vmm

// cpuidEntry mirrors struct kvm_cpuid_entry2
type cpuidEntry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const (
	leafFeatures = 0x1
	leafTopology = 0xb
	leafPerfMon  = 0xa

	ecxHypervisor    = 1 << 31
	ebxAPICIDShift   = 24
	ebxCPUCountShift = 16
)

// filterCPUID adapts the host-supported CPUID list for one vCPU: the guest
// learns it is virtualized and sees its own APIC id and the vCPU count.
// The performance monitoring leaf is hidden.
func filterCPUID(entries []cpuidEntry, vcpuID, ncpu int) []cpuidEntry {
	out := make([]cpuidEntry, 0, len(entries))
	for _, e := range entries {
		switch e.Function {
		case leafFeatures:
			e.ECX |= ecxHypervisor
			e.EBX &^= 0xff << ebxAPICIDShift
			e.EBX |= uint32(vcpuID) << ebxAPICIDShift
			e.EBX &^= 0xff << ebxCPUCountShift
			e.EBX |= uint32(ncpu) << ebxCPUCountShift
		case leafTopology:
			e.EDX = uint32(vcpuID)
		case leafPerfMon:
			continue
		}
		out = append(out, e)
	}
	return out
}
