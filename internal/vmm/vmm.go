// Package vmm implements the 4-level paging address-space manager (§4.3,
// C3), grounded on src/mm/vmm.c's vmm_create_address_space /
// vmm_map_page / vmm_clone_address_space family and the teacher kernel's
// page-table walk helpers in main.go (pmap_lookup, dmap, PTE_* flags).
//
// There is no real CR3/MMU here: a page table is a 512-entry array of
// uint64 PTEs stored in a PMM frame, and a walk is an ordinary slice
// index. That is the one unavoidable difference from running on real
// silicon — the walk algorithm, flag semantics, and eager-copy clone are
// otherwise exactly what §4.3 specifies.
package vmm

import (
	"encoding/binary"

	"github.com/zacharyr0th/simple-os/internal/kernelerr"
	"github.com/zacharyr0th/simple-os/internal/pmm"
)

const (
	entriesPerTable = 512
	addrMask        = ^uint64(0xFFF)
)

// Page table entry flags.
const (
	Present  uint64 = 1 << 0
	Writable uint64 = 1 << 1
	User     uint64 = 1 << 2
)

// KernelBase is the first virtual address of the shared upper half
// (PML4 index 256), per §6.
const KernelBase uint64 = 0xFFFF_8000_0000_0000

// VMM owns the shared kernel PML4 template and mediates all page-table
// mutation through the backing PMM.
type VMM struct {
	pm         *pmm.PMM
	kernelRoot pmm.Frame
}

// FaultInfo decodes the cause of a page fault (§4.7).
type FaultInfo struct {
	Addr     uint64
	Present  bool
	Write    bool
	User     bool
	Reserved bool
}

// New allocates the boot/kernel PML4 (all entries initially absent; a real
// boot sequence would install kernel text/data mappings here, which is out
// of the core's scope per §1) and returns a VMM bound to it.
func New(pm *pmm.PMM) (*VMM, error) {
	root, err := pm.AllocFrame()
	if err != nil {
		return nil, err
	}
	return &VMM{pm: pm, kernelRoot: root}, nil
}

// KernelRoot returns the shared kernel address space root.
func (v *VMM) KernelRoot() pmm.Frame { return v.kernelRoot }

func (v *VMM) readPTE(table pmm.Frame, idx int) uint64 {
	b := v.pm.Bytes(table)
	return binary.LittleEndian.Uint64(b[idx*8:])
}

func (v *VMM) writePTE(table pmm.Frame, idx int, val uint64) {
	b := v.pm.Bytes(table)
	binary.LittleEndian.PutUint64(b[idx*8:], val)
}

func pml4Index(virt uint64) int { return int((virt >> 39) & 0x1FF) }
func pdptIndex(virt uint64) int { return int((virt >> 30) & 0x1FF) }
func pdIndex(virt uint64) int   { return int((virt >> 21) & 0x1FF) }
func ptIndex(virt uint64) int   { return int((virt >> 12) & 0x1FF) }
func pageOffset(virt uint64) uint64 { return virt & 0xFFF }

// CreateAddressSpace allocates a fresh PML4 frame and copies the upper-half
// (kernel) entries from the boot PML4 verbatim; the lower half starts empty.
func (v *VMM) CreateAddressSpace() (pmm.Frame, error) {
	root, err := v.pm.AllocFrame()
	if err != nil {
		return 0, err
	}
	for i := 256; i < entriesPerTable; i++ {
		v.writePTE(root, i, v.readPTE(v.kernelRoot, i))
	}
	return root, nil
}

// intermediateFlags returns the flags new PDPT/PD/PT tables are created
// with: USER+WRITABLE when virt is in the user half, without USER in the
// kernel half (§4.3).
func intermediateFlags(virt uint64) uint64 {
	if virt >= KernelBase {
		return Present | Writable
	}
	return Present | Writable | User
}

func (v *VMM) getOrCreate(table pmm.Frame, idx int, flags uint64) (pmm.Frame, error) {
	entry := v.readPTE(table, idx)
	if entry&Present != 0 {
		return pmm.Frame(entry & addrMask / pmm.FrameSize), nil
	}
	nf, err := v.pm.AllocFrame()
	if err != nil {
		return 0, err
	}
	v.writePTE(table, idx, uint64(nf)*pmm.FrameSize&addrMask|flags|Present)
	return nf, nil
}

// Map walks PML4->PDPT->PD->PT, allocating intermediate tables on demand,
// and sets the leaf entry to phys | flags | PRESENT. virt and phys are
// rounded down to frame alignment.
func (v *VMM) Map(root pmm.Frame, virt uint64, phys pmm.Frame, flags uint64) error {
	virt &^= 0xFFF
	iflags := intermediateFlags(virt)

	pdpt, err := v.getOrCreate(root, pml4Index(virt), iflags)
	if err != nil {
		return err
	}
	pd, err := v.getOrCreate(pdpt, pdptIndex(virt), iflags)
	if err != nil {
		return err
	}
	pt, err := v.getOrCreate(pd, pdIndex(virt), iflags)
	if err != nil {
		return err
	}
	leaf := (uint64(phys)*pmm.FrameSize)&addrMask | flags | Present
	v.writePTE(pt, ptIndex(virt), leaf)
	return nil
}

// walk returns the leaf PT frame and index for virt without creating any
// missing intermediate table; ok is false if any level is absent.
func (v *VMM) walk(root pmm.Frame, virt uint64) (pt pmm.Frame, idx int, ok bool) {
	e := v.readPTE(root, pml4Index(virt))
	if e&Present == 0 {
		return 0, 0, false
	}
	pdpt := pmm.Frame(e & addrMask / pmm.FrameSize)

	e = v.readPTE(pdpt, pdptIndex(virt))
	if e&Present == 0 {
		return 0, 0, false
	}
	pd := pmm.Frame(e & addrMask / pmm.FrameSize)

	e = v.readPTE(pd, pdIndex(virt))
	if e&Present == 0 {
		return 0, 0, false
	}
	ptFrame := pmm.Frame(e & addrMask / pmm.FrameSize)
	return ptFrame, ptIndex(virt), true
}

// Unmap zeros the leaf entry if present.
func (v *VMM) Unmap(root pmm.Frame, virt uint64) {
	virt &^= 0xFFF
	pt, idx, ok := v.walk(root, virt)
	if !ok {
		return
	}
	v.writePTE(pt, idx, 0)
}

// Translate walks without creating and combines the frame base with the
// low 12 bits of virt.
func (v *VMM) Translate(root pmm.Frame, virt uint64) (uint64, bool) {
	pt, idx, ok := v.walk(root, virt&^0xFFF)
	if !ok {
		return 0, false
	}
	e := v.readPTE(pt, idx)
	if e&Present == 0 {
		return 0, false
	}
	return (e & addrMask) | pageOffset(virt), true
}

// DecodeFault classifies an access to virt against root for the page-fault
// exception decode in §4.7 / §8 scenario 5.
func (v *VMM) DecodeFault(root pmm.Frame, virt uint64, write bool) FaultInfo {
	fi := FaultInfo{Addr: virt, Write: write}
	pt, idx, ok := v.walk(root, virt&^0xFFF)
	if !ok {
		return fi
	}
	e := v.readPTE(pt, idx)
	fi.Present = e&Present != 0
	fi.User = e&User != 0
	return fi
}

// Destroy refuses to destroy the kernel root; otherwise recursively frees
// every present user-half leaf page and the intermediate tables, then the
// PML4 frame itself.
func (v *VMM) Destroy(root pmm.Frame) error {
	if root == v.kernelRoot {
		return kernelerr.PermissionDenied
	}
	for i := 0; i < 256; i++ {
		e := v.readPTE(root, i)
		if e&Present == 0 {
			continue
		}
		v.freePDPT(pmm.Frame(e & addrMask / pmm.FrameSize))
	}
	return v.pm.FreeFrame(root)
}

func (v *VMM) freePDPT(pdpt pmm.Frame) {
	for i := 0; i < entriesPerTable; i++ {
		e := v.readPTE(pdpt, i)
		if e&Present == 0 {
			continue
		}
		v.freePD(pmm.Frame(e & addrMask / pmm.FrameSize))
	}
	_ = v.pm.FreeFrame(pdpt)
}

func (v *VMM) freePD(pd pmm.Frame) {
	for i := 0; i < entriesPerTable; i++ {
		e := v.readPTE(pd, i)
		if e&Present == 0 {
			continue
		}
		v.freePT(pmm.Frame(e & addrMask / pmm.FrameSize))
	}
	_ = v.pm.FreeFrame(pd)
}

func (v *VMM) freePT(pt pmm.Frame) {
	for i := 0; i < entriesPerTable; i++ {
		e := v.readPTE(pt, i)
		if e&Present == 0 {
			continue
		}
		_ = v.pm.FreeFrame(pmm.Frame(e & addrMask / pmm.FrameSize))
	}
	_ = v.pm.FreeFrame(pt)
}

// Clone creates a new address space sharing the kernel upper half; for
// every present user-half page it eagerly copies the bytes into a freshly
// allocated frame and duplicates the whole table hierarchy (no COW, per
// §4.3/§9).
func (v *VMM) Clone(root pmm.Frame) (pmm.Frame, error) {
	child, err := v.CreateAddressSpace()
	if err != nil {
		return 0, err
	}
	for i := 0; i < 256; i++ {
		e := v.readPTE(root, i)
		if e&Present == 0 {
			continue
		}
		childPDPT, err := v.clonePDPT(pmm.Frame(e & addrMask / pmm.FrameSize))
		if err != nil {
			_ = v.Destroy(child)
			return 0, err
		}
		v.writePTE(child, i, uint64(childPDPT)*pmm.FrameSize&addrMask|(e&0xFFF))
	}
	return child, nil
}

func (v *VMM) clonePDPT(pdpt pmm.Frame) (pmm.Frame, error) {
	child, err := v.pm.AllocFrame()
	if err != nil {
		return 0, err
	}
	for i := 0; i < entriesPerTable; i++ {
		e := v.readPTE(pdpt, i)
		if e&Present == 0 {
			continue
		}
		childPD, err := v.clonePD(pmm.Frame(e & addrMask / pmm.FrameSize))
		if err != nil {
			return 0, err
		}
		v.writePTE(child, i, uint64(childPD)*pmm.FrameSize&addrMask|(e&0xFFF))
	}
	return child, nil
}

func (v *VMM) clonePD(pd pmm.Frame) (pmm.Frame, error) {
	child, err := v.pm.AllocFrame()
	if err != nil {
		return 0, err
	}
	for i := 0; i < entriesPerTable; i++ {
		e := v.readPTE(pd, i)
		if e&Present == 0 {
			continue
		}
		childPT, err := v.clonePT(pmm.Frame(e & addrMask / pmm.FrameSize))
		if err != nil {
			return 0, err
		}
		v.writePTE(child, i, uint64(childPT)*pmm.FrameSize&addrMask|(e&0xFFF))
	}
	return child, nil
}

func (v *VMM) clonePT(pt pmm.Frame) (pmm.Frame, error) {
	child, err := v.pm.AllocFrame()
	if err != nil {
		return 0, err
	}
	for i := 0; i < entriesPerTable; i++ {
		e := v.readPTE(pt, i)
		if e&Present == 0 {
			continue
		}
		srcFrame := pmm.Frame(e & addrMask / pmm.FrameSize)
		dstFrame, err := v.pm.AllocFrame()
		if err != nil {
			return 0, err
		}
		copy(v.pm.Bytes(dstFrame), v.pm.Bytes(srcFrame))
		v.writePTE(child, i, uint64(dstFrame)*pmm.FrameSize&addrMask|(e&0xFFF))
	}
	return child, nil
}

// MapRange allocates and maps n fresh pages starting at virt (rounded down
// to a page boundary), used by sbrk growth (§4.8) and the ELF loader (§4.12)
// to bring in a contiguous run of freshly zeroed pages.
func (v *VMM) MapRange(root pmm.Frame, virt uint64, n int, flags uint64) error {
	virt &^= 0xFFF
	for i := 0; i < n; i++ {
		f, err := v.pm.AllocFrame()
		if err != nil {
			return err
		}
		if err := v.Map(root, virt+uint64(i)*pmm.FrameSize, f, flags); err != nil {
			return err
		}
	}
	return nil
}

// CopyOut reads len(dst) bytes from user virtual memory starting at virt,
// walking page boundaries as needed. It fails with PermissionDenied on the
// first unmapped page touched, mirroring a real page fault on kernel access
// to bad user memory.
func (v *VMM) CopyOut(root pmm.Frame, virt uint64, dst []byte) error {
	n := 0
	for n < len(dst) {
		page := virt &^ 0xFFF
		off := int(virt & 0xFFF)
		pt, idx, ok := v.walk(root, page)
		if !ok {
			return kernelerr.PermissionDenied
		}
		e := v.readPTE(pt, idx)
		if e&Present == 0 {
			return kernelerr.PermissionDenied
		}
		frame := pmm.Frame(e & addrMask / pmm.FrameSize)
		avail := pmm.FrameSize - off
		c := copy(dst[n:], v.pm.Bytes(frame)[off:off+avail])
		n += c
		virt += uint64(c)
	}
	return nil
}

// CopyIn writes src into user virtual memory starting at virt, walking page
// boundaries as needed. Fails with PermissionDenied on an unmapped or
// read-only page.
func (v *VMM) CopyIn(root pmm.Frame, virt uint64, src []byte) error {
	n := 0
	for n < len(src) {
		page := virt &^ 0xFFF
		off := int(virt & 0xFFF)
		pt, idx, ok := v.walk(root, page)
		if !ok {
			return kernelerr.PermissionDenied
		}
		e := v.readPTE(pt, idx)
		if e&Present == 0 || e&Writable == 0 {
			return kernelerr.PermissionDenied
		}
		frame := pmm.Frame(e & addrMask / pmm.FrameSize)
		avail := pmm.FrameSize - off
		c := copy(v.pm.Bytes(frame)[off:off+avail], src[n:])
		n += c
		virt += uint64(c)
	}
	return nil
}

// WritePhysical writes src into the physical frames backing virt, the same
// way clonePT populates a freshly cloned page: straight through v.pm.Bytes,
// independent of the leaf's Writable bit. Used by the ELF loader (§4.12) to
// populate a segment's bytes before the process itself ever touches them —
// a read-only/executable PT_LOAD segment (the ordinary case for .text) is
// mapped without Writable, so CopyIn's write-permission check would reject
// the very write that brings its bytes in.
func (v *VMM) WritePhysical(root pmm.Frame, virt uint64, src []byte) error {
	n := 0
	for n < len(src) {
		page := virt &^ 0xFFF
		off := int(virt & 0xFFF)
		pt, idx, ok := v.walk(root, page)
		if !ok {
			return kernelerr.PermissionDenied
		}
		e := v.readPTE(pt, idx)
		if e&Present == 0 {
			return kernelerr.PermissionDenied
		}
		frame := pmm.Frame(e & addrMask / pmm.FrameSize)
		avail := pmm.FrameSize - off
		c := copy(v.pm.Bytes(frame)[off:off+avail], src[n:])
		n += c
		virt += uint64(c)
	}
	return nil
}

// ClearUser zeros all user-half PML4 entries (used by exec, §4.3). Freeing
// the orphaned sub-trees is optional per spec; this implementation frees
// them so repeated exec calls do not leak frames.
func (v *VMM) ClearUser(root pmm.Frame) {
	for i := 0; i < 256; i++ {
		e := v.readPTE(root, i)
		if e&Present == 0 {
			continue
		}
		v.freePDPT(pmm.Frame(e & addrMask / pmm.FrameSize))
		v.writePTE(root, i, 0)
	}
}
