// Package elfload is the ELF64 program loader (§4.12, C12): validate the
// header, walk PT_LOAD program headers, map and populate user pages, and
// set the initial user context. Grounded on src/kernel/elf.c's
// elf_load_program and, for header parsing, the standard library's
// debug/elf rather than a hand-rolled header struct — the teacher kernel
// has no ELF loader of its own (Biscuit boots a hardcoded init), so this
// package is built directly from the original C source's segment-loading
// algorithm.
package elfload

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/zacharyr0th/simple-os/internal/kernelerr"
	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

// UserStackTop and UserStackSize are the process ABI constants from §6.
const (
	UserStackTop  uint64 = 0x0000_7FFF_FFFF_E000
	UserStackSize uint64 = 1 << 20 // 1 MiB
	UserHeapBase  uint64 = 0x0040_0000
	UserHeapMax   uint64 = 256 << 20
)

// Load validates image as an ELF64 x86_64 executable, maps and populates
// every PT_LOAD segment into p's address space via v, sets up the user
// stack, and rewrites p's context to resume at the entry point (§4.12).
func Load(v *vmm.VMM, p *proc.PCB, image []byte) error {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return kernelerr.InvalidArgument
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Type != elf.ET_EXEC || f.Machine != elf.EM_X86_64 {
		return kernelerr.InvalidArgument
	}

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(v, p.AddrRoot, f, ph); err != nil {
			return err
		}
	}

	stackBase := UserStackTop - UserStackSize
	if err := v.MapRange(p.AddrRoot, stackBase, int(UserStackSize/pmm.FrameSize), vmm.Present|vmm.Writable|vmm.User); err != nil {
		return err
	}
	p.Stack = proc.StackRange{Bottom: stackBase, Top: UserStackTop}
	p.Heap = proc.HeapRange{Start: UserHeapBase, Current: UserHeapBase, Max: UserHeapMax}

	p.Context = proc.Context{RIP: f.Entry, RSP: UserStackTop, RFLAGS: 0x202}
	return nil
}

func loadSegment(v *vmm.VMM, root pmm.Frame, f *elf.File, ph *elf.Prog) error {
	vstart := ph.Vaddr &^ 0xFFF
	vend := (ph.Vaddr + ph.Memsz + 0xFFF) &^ 0xFFF
	npages := int((vend - vstart) / pmm.FrameSize)

	flags := uint64(vmm.Present | vmm.User)
	if ph.Flags&elf.PF_W != 0 {
		flags |= vmm.Writable
	}
	if err := v.MapRange(root, vstart, npages, flags); err != nil {
		return err
	}

	data := make([]byte, ph.Filesz)
	if _, err := io.ReadFull(ph.Open(), data); err != nil {
		return kernelerr.InvalidArgument
	}
	// Populate through the physical backing, not CopyIn: a read-only/
	// executable segment (.text, the ordinary PF_R|PF_X case) is mapped
	// without Writable, and CopyIn's write-permission check would reject
	// loading its own bytes.
	if err := v.WritePhysical(root, ph.Vaddr, data); err != nil {
		return err
	}

	if ph.Memsz > ph.Filesz {
		bssLen := ph.Memsz - ph.Filesz
		zero := make([]byte, bssLen)
		if err := v.WritePhysical(root, ph.Vaddr+ph.Filesz, zero); err != nil {
			return err
		}
	}
	return nil
}
