package vmm

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

// loadKernel copies the PT_LOAD segments of an uncompressed vmlinux into
// guest memory at their physical addresses. It returns the 64-bit entry
// point and the first address past the loaded image.
func loadKernel(mem guestMemory, path string) (entry, end uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open kernel: %w", err)
	}
	defer f.Close()

	return loadELF(mem, f)
}

func loadELF(mem guestMemory, r io.ReaderAt) (entry, end uint64, err error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return 0, 0, fmt.Errorf("kernel is not an ELF image: %w", err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_X86_64 {
		return 0, 0, fmt.Errorf("kernel is %s/%s, want ELFCLASS64/EM_X86_64", ef.Class, ef.Machine)
	}

	loaded := 0
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Filesz > p.Memsz {
			return 0, 0, fmt.Errorf("kernel segment at %#x has filesz %d > memsz %d", p.Paddr, p.Filesz, p.Memsz)
		}
		if p.Paddr < HighMemStart {
			return 0, 0, fmt.Errorf("kernel segment at %#x below %#x", p.Paddr, HighMemStart)
		}

		dst, err := mem.slice(p.Paddr, int(p.Memsz))
		if err != nil {
			return 0, 0, fmt.Errorf("kernel segment does not fit: %w", err)
		}

		if _, err := io.ReadFull(p.Open(), dst[:p.Filesz]); err != nil {
			return 0, 0, fmt.Errorf("failed to read kernel segment: %w", err)
		}
		clear(dst[p.Filesz:])

		end = max(end, p.Paddr+p.Memsz)
		loaded++
	}

	if loaded == 0 {
		return 0, 0, errors.New("kernel has no loadable segments")
	}

	return ef.Entry, end, nil
}
