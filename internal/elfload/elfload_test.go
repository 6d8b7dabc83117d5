package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

func TestLoadRejectsBadMagic(t *testing.T) {
	fx := newFixture(t)
	err := Load(fx.v, fx.p, []byte("not an elf file at all"))
	if err == nil {
		t.Fatal("expected error on garbage image")
	}
}

// buildMinimalELF64 constructs the smallest valid ET_EXEC/EM_X86_64 image
// with one PT_LOAD segment: enough for debug/elf to parse headers and for
// Load to exercise the map+copy+zero-BSS path.
func buildMinimalELF64(t *testing.T, entry uint64, vaddr uint64, data []byte, memsz uint64, phflags elf.ProgFlag) []byte {
	t.Helper()
	const ehsize = 64
	const phsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + phsize

	var buf bytes.Buffer
	hdr := make([]byte, ehsize)
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // little endian
	hdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(hdr[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(hdr[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(hdr[20:], 1) // EV_CURRENT
	binary.LittleEndian.PutUint64(hdr[24:], entry)
	binary.LittleEndian.PutUint64(hdr[32:], phoff)
	binary.LittleEndian.PutUint64(hdr[40:], 0) // shoff
	binary.LittleEndian.PutUint16(hdr[52:], ehsize)
	binary.LittleEndian.PutUint16(hdr[54:], phsize)
	binary.LittleEndian.PutUint16(hdr[56:], 1) // phnum
	buf.Write(hdr)

	ph := make([]byte, phsize)
	binary.LittleEndian.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(ph[4:], uint32(phflags))
	binary.LittleEndian.PutUint64(ph[8:], dataOff)
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[24:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(data)))
	binary.LittleEndian.PutUint64(ph[40:], memsz)
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)
	buf.Write(ph)
	buf.Write(data)
	return buf.Bytes()
}

type fixture struct {
	v *vmm.VMM
	p *proc.PCB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pm := pmm.New(8192 * pmm.FrameSize)
	v, err := vmm.New(pm)
	if err != nil {
		t.Fatal(err)
	}
	root, err := v.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{v: v, p: &proc.PCB{AddrRoot: root}}
}

func TestLoadMapsSegmentAndZeroesBSS(t *testing.T) {
	fx := newFixture(t)
	code := []byte{0x90, 0x90, 0x90, 0x90} // nop nop nop nop, arbitrary payload bytes
	image := buildMinimalELF64(t, 0x0040_0000, 0x0040_0000, code, uint64(len(code))+16, elf.PF_R|elf.PF_W|elf.PF_X)

	if err := Load(fx.v, fx.p, image); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fx.p.Context.RIP != 0x0040_0000 {
		t.Fatalf("entry point not set: %#x", fx.p.Context.RIP)
	}
	if fx.p.Context.RSP != UserStackTop {
		t.Fatalf("stack pointer not set: %#x", fx.p.Context.RSP)
	}

	got := make([]byte, len(code))
	if err := fx.v.CopyOut(fx.p.AddrRoot, 0x0040_0000, got); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if string(got) != string(code) {
		t.Fatalf("segment data mismatch: got %v want %v", got, code)
	}

	bss := make([]byte, 16)
	if err := fx.v.CopyOut(fx.p.AddrRoot, 0x0040_0000+uint64(len(code)), bss); err != nil {
		t.Fatalf("CopyOut bss: %v", err)
	}
	for i, b := range bss {
		if b != 0 {
			t.Fatalf("bss byte %d not zeroed: %v", i, b)
		}
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	fx := newFixture(t)
	image := buildMinimalELF64(t, 0x400000, 0x400000, []byte{1, 2, 3}, 3, elf.PF_R|elf.PF_W|elf.PF_X)
	image[18] = byte(elf.EM_386)
	image[19] = byte(elf.EM_386 >> 8)
	if err := Load(fx.v, fx.p, image); err == nil {
		t.Fatal("expected rejection of non-x86_64 machine")
	}
}

// TestLoadPopulatesReadOnlyTextSegment covers the ordinary .text case: a
// PT_LOAD segment with PF_R|PF_X and no PF_W, mapped without the Writable
// bit. Loading its bytes must not depend on the leaf being writable.
func TestLoadPopulatesReadOnlyTextSegment(t *testing.T) {
	fx := newFixture(t)
	code := []byte{0xC3, 0xC3, 0xC3, 0xC3} // ret ret ret ret, arbitrary payload bytes
	image := buildMinimalELF64(t, 0x0040_0000, 0x0040_0000, code, uint64(len(code)), elf.PF_R|elf.PF_X)

	if err := Load(fx.v, fx.p, image); err != nil {
		t.Fatalf("Load of read-only/executable segment: %v", err)
	}

	got := make([]byte, len(code))
	if err := fx.v.CopyOut(fx.p.AddrRoot, 0x0040_0000, got); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if string(got) != string(code) {
		t.Fatalf("segment data mismatch: got %v want %v", got, code)
	}
}
