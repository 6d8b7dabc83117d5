// Package syscall is the 18-call system call layer (§4.8, C8): argument
// extraction from the trap frame into typed handler parameters, routing to PMM/VMM/
// proc/sched/fs/fd/signal, and writing the result back into the frame.
// Grounded on src/kernel/syscall.c's syscall_dispatch switch and the ABI
// documented in include/kernel/syscall.h, with the trap-frame plumbing
// styled on the teacher kernel's SYS_* handling in main.go's
// syscall_handler (argregs -> typed call -> tf.rax = ret).
package syscall

import (
	"fmt"

	"github.com/zacharyr0th/simple-os/internal/fd"
	"github.com/zacharyr0th/simple-os/internal/fs"
	"github.com/zacharyr0th/simple-os/internal/hal"
	"github.com/zacharyr0th/simple-os/internal/kernelerr"
	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/sched"
	"github.com/zacharyr0th/simple-os/internal/signal"
	"github.com/zacharyr0th/simple-os/internal/trap"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

// Numbers, matching the table in §4.8.
const (
	SysExit = iota + 1
	SysWrite
	SysRead
	SysGetpid
	SysSleep
	SysSbrk
	SysFork
	SysWait
	SysExecve
	SysPs
	SysOpen
	SysClose
	SysStat
	SysMkdir
	SysReaddir
	SysKill
	SysPipe
	SysDup2
)

const maxPathLen = 256

// Builtin is a named in-image program usable as an execve target, per §9's
// "built-in programs as exec targets" note: a stand-in for full path
// resolution through a real filesystem of executables.
type Builtin struct {
	Name  string
	Image []byte // an ELF64 image; empty Image + non-nil Run is a native stub
	Run   func(l *Layer, p *proc.PCB)
}

// Layer holds every subsystem the syscall handlers route into.
type Layer struct {
	Table    *proc.Table
	Sched    *sched.Scheduler
	VMM      *vmm.VMM
	PMM      *pmm.PMM
	FS       *fs.FS
	Console  hal.ConsoleSink
	Keyboard hal.KeyboardSource
	Signals  *signal.Deliverer

	Builtins map[string]Builtin
}

// New assembles a Layer over the given subsystems.
func New(t *proc.Table, s *sched.Scheduler, v *vmm.VMM, pm *pmm.PMM, f *fs.FS, sig *signal.Deliverer, console hal.ConsoleSink, kbd hal.KeyboardSource) *Layer {
	return &Layer{
		Table: t, Sched: s, VMM: v, PMM: pm, FS: f, Signals: sig,
		Console: console, Keyboard: kbd, Builtins: make(map[string]Builtin),
	}
}

// Handle is installed as trap.Dispatcher.Syscall: it extracts args per the
// ABI (number in RAX, args in RDI/RSI/RDX/R10), dispatches, and writes the
// return value back into tf.RAX.
func (l *Layer) Handle(tf *trap.TrapFrame) {
	cur := l.Sched.Current
	a0, a1, a2, _ := tf.RDI, tf.RSI, tf.RDX, tf.R10

	switch tf.RAX {
	case SysExit:
		l.sysExit(cur, int(int64(a0)))
		return // no return value: process no longer runs
	case SysWrite:
		tf.RAX = retOf(l.sysWrite(cur, int(a0), a1, int(a2)))
	case SysRead:
		tf.RAX = retOf(l.sysRead(cur, int(a0), a1, int(a2)))
	case SysGetpid:
		tf.RAX = uint64(cur.PID)
	case SysSleep:
		tf.RAX = 0
		l.sysSleep(cur)
	case SysSbrk:
		tf.RAX = retOf(l.sysSbrk(cur, int64(a0)))
	case SysFork:
		tf.RAX = retOf(l.sysFork(cur, tf))
	case SysWait:
		tf.RAX = retOf(l.sysWait(cur, a0))
	case SysExecve:
		tf.RAX = retOf(l.sysExecve(cur, a0))
	case SysPs:
		l.sysPs()
		tf.RAX = 0
	case SysOpen:
		tf.RAX = retOf(l.sysOpen(cur, a0, int(a1)))
	case SysClose:
		tf.RAX = retOf(l.sysClose(cur, int(a0)))
	case SysStat:
		tf.RAX = retOf(l.sysStat(cur, a0, a1))
	case SysMkdir:
		tf.RAX = retOf(l.sysMkdir(cur, a0))
	case SysReaddir:
		tf.RAX = retOf(l.sysReaddir(cur, int(a0), a1))
	case SysKill:
		tf.RAX = retOf(l.sysKill(int(a0), int(a1)))
	case SysPipe:
		tf.RAX = retOf(l.sysPipe(cur, a0))
	case SysDup2:
		tf.RAX = retOf(l.sysDup2(cur, int(a0), int(a1)))
	default:
		tf.RAX = retOf(0, kernelerr.InvalidArgument)
	}
}

func retOf(v int, err error) uint64 {
	if err != nil {
		return ^uint64(0) // -1 in two's complement
	}
	return uint64(int64(v))
}

// ---- memory helpers ----

func (l *Layer) readCString(root pmm.Frame, virt uint64) (string, error) {
	buf := make([]byte, 1)
	out := make([]byte, 0, 32)
	for i := 0; i < maxPathLen; i++ {
		if err := l.VMM.CopyOut(root, virt+uint64(i), buf); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			return string(out), nil
		}
		out = append(out, buf[0])
	}
	return "", kernelerr.InvalidArgument
}

// ---- process lifecycle ----

func (l *Layer) sysExit(p *proc.PCB, status int) {
	l.Table.Remove(p)
	p.ExitStatus = status
	if p.ParentPID == 0 {
		p.State = proc.TERMINATED
	} else {
		p.State = proc.ZOMBIE
	}
	if parent, ok := l.Table.Lookup(p.ParentPID); ok && parent.State == proc.WAITING {
		parent.State = proc.READY
		l.Table.Push(parent)
	}
	l.Sched.Schedule()
}

func (l *Layer) sysFork(p *proc.PCB, tf *trap.TrapFrame) (int, error) {
	child, err := l.Table.Allocate(p.Name)
	if err != nil {
		return 0, err
	}
	root, err := l.VMM.Clone(p.AddrRoot)
	if err != nil {
		l.Table.Free(child)
		return 0, err
	}
	child.AddrRoot = root
	child.Context = p.Context
	child.Heap = p.Heap
	child.Stack = p.Stack
	child.ParentPID = p.PID
	child.Fds = p.Fds.Clone()
	child.State = proc.READY
	l.Table.Push(child)

	// The caller's tf is the parent's and receives the child pid via the
	// normal return. The child has no saved trap frame of its own: its
	// Context is a copy of the parent's, and no 0 return value is recorded
	// for it anywhere.
	return int(child.PID), nil
}

// sysWait reaps one zombie child if one is already available. Otherwise it
// blocks p (WAITING) and hands control back to the caller with WouldBlock:
// per SPEC_FULL.md §0 the external driver loop is what makes the child
// actually run and exit, so wait must not spin here waiting for a state
// change nothing else will be scheduled to produce.
func (l *Layer) sysWait(p *proc.PCB, statusPtr uint64) (int, error) {
	if z := l.Table.ZombieChildOf(p.PID); z != nil {
		if statusPtr != 0 {
			var b [8]byte
			b[0] = byte(z.ExitStatus)
			b[1] = byte(z.ExitStatus >> 8)
			b[2] = byte(z.ExitStatus >> 16)
			b[3] = byte(z.ExitStatus >> 24)
			_ = l.VMM.CopyIn(p.AddrRoot, statusPtr, b[:4])
		}
		pid := z.PID
		_ = l.VMM.Destroy(z.AddrRoot)
		l.Table.Free(z)
		return int(pid), nil
	}
	if !l.hasLiveChildren(p.PID) {
		return 0, kernelerr.NoSuchProcess
	}
	l.Sched.Block(p, proc.WAITING)
	return -1, kernelerr.WouldBlock
}

func (l *Layer) hasLiveChildren(parent proc.PID) bool {
	for _, c := range l.Table.All() {
		if c.ParentPID == parent && c.State != proc.TERMINATED {
			return true
		}
	}
	return false
}

func (l *Layer) sysExecve(p *proc.PCB, pathPtr uint64) (int, error) {
	path, err := l.readCString(p.AddrRoot, pathPtr)
	if err != nil {
		return -1, err
	}
	b, ok := l.Builtins[path]
	if !ok {
		return -1, kernelerr.NoSuchFile
	}
	if b.Run != nil {
		l.VMM.ClearUser(p.AddrRoot)
		p.Name = b.Name
		b.Run(l, p)
		return 0, nil
	}

	// Load the new image into a fresh address space rather than clearing p's
	// current one in place: real execve preserves the caller's image on a
	// failed load, and LoadELF maps segments and sets p.Context/p.Stack/
	// p.Heap as a side effect of walking p.AddrRoot, so a half-applied load
	// against the live root would leave p unmapped but still runnable.
	oldRoot := p.AddrRoot
	newRoot, err := l.VMM.CreateAddressSpace()
	if err != nil {
		return -1, err
	}
	p.AddrRoot = newRoot
	if err := LoadELF(l.VMM, p, b.Image); err != nil {
		_ = l.VMM.Destroy(newRoot)
		p.AddrRoot = oldRoot
		return -1, err
	}
	_ = l.VMM.Destroy(oldRoot)
	p.Name = b.Name
	return 0, nil
}

// LoadELF is a seam the boot sequence wires to elfload.Load, kept as a
// variable here so this package does not need to import elfload directly.
// Left unset (the default), an image-backed Builtin simply fails execve.
var LoadELF = func(v *vmm.VMM, p *proc.PCB, image []byte) error {
	return kernelerr.NotSupported
}

func (l *Layer) sysSleep(p *proc.PCB) {
	// v1 busy-yield: sleep(ms) is not timed here (no wall clock source),
	// it simply yields one scheduling round per §4.8's documented policy.
	l.Sched.Yield()
}

func (l *Layer) sysPs() {
	if l.Console == nil {
		return
	}
	for _, p := range l.Table.All() {
		line := fmt.Sprintf("%5d  %-16s %s\n", p.PID, p.Name, p.State)
		_, _ = l.Console.WriteConsole([]byte(line))
	}
}

// ---- memory ----

func (l *Layer) sysSbrk(p *proc.PCB, delta int64) (int, error) {
	old := p.Heap.Current
	if delta == 0 {
		return int(old), nil
	}
	newBrk := int64(p.Heap.Current) + delta
	if uint64(newBrk) < p.Heap.Start || uint64(newBrk) > p.Heap.Max {
		return -1, kernelerr.InvalidArgument
	}
	if delta > 0 {
		endPage := (uint64(newBrk) + 0xFFF) &^ 0xFFF
		oldPages := (old - p.Heap.Start + 0xFFF) / pmm.FrameSize
		newPages := (endPage - p.Heap.Start) / pmm.FrameSize
		toMap := int(newPages - oldPages)
		if toMap > 0 {
			growAt := p.Heap.Start + oldPages*pmm.FrameSize
			if err := l.VMM.MapRange(p.AddrRoot, growAt, toMap, vmm.Present|vmm.Writable|vmm.User); err != nil {
				return -1, err
			}
		}
	}
	p.Heap.Current = uint64(newBrk)
	return int(old), nil
}

// ---- I/O ----

// sysWrite, like sysRead, never spins: a write to a full pipe with the
// reader still open accepts zero bytes from Pipe.Write and, rather than
// reporting that as a successful zero-length write, blocks p and returns
// WouldBlock for the caller to retry once the reader has drained space.
func (l *Layer) sysWrite(p *proc.PCB, fdnum int, bufPtr uint64, n int) (int, error) {
	e, err := p.Fds.Get(fdnum)
	if err != nil {
		return -1, err
	}
	data := make([]byte, n)
	if err := l.VMM.CopyOut(p.AddrRoot, bufPtr, data); err != nil {
		return -1, err
	}
	switch e.Kind {
	case fd.Console:
		if l.Console == nil {
			return n, nil
		}
		return l.Console.WriteConsole(data)
	case fd.PipeWrite:
		written, err := e.Pipe.Write(data)
		if err != nil {
			return -1, err
		}
		if written == 0 && len(data) > 0 {
			l.Sched.Block(p, proc.BLOCKED)
			return -1, kernelerr.WouldBlock
		}
		return written, nil
	case fd.File:
		written, err := l.FS.Write(e.Inode, e.Offset, data)
		e.Offset += int64(written)
		return written, err
	}
	return -1, kernelerr.BadDescriptor
}

// sysRead never spins waiting for input to arrive: the console and pipe
// branches drain whatever is already available and, finding nothing, block
// p and return WouldBlock for the caller to retry on its next scheduled
// turn — mirroring fd.Pipe's own Write/Read, which return a short or zero
// count instead of looping internally (internal/fd/fd.go).
func (l *Layer) sysRead(p *proc.PCB, fdnum int, bufPtr uint64, n int) (int, error) {
	e, err := p.Fds.Get(fdnum)
	if err != nil {
		return -1, err
	}
	switch e.Kind {
	case fd.Console:
		data := make([]byte, 0, n)
		for len(data) < n {
			b, ok := l.Keyboard.ReadByte()
			if !ok {
				break
			}
			data = append(data, b)
			if b == '\n' {
				break
			}
		}
		if len(data) == 0 {
			l.Sched.Block(p, proc.BLOCKED)
			return -1, kernelerr.WouldBlock
		}
		if err := l.VMM.CopyIn(p.AddrRoot, bufPtr, data); err != nil {
			return -1, err
		}
		return len(data), nil
	case fd.PipeRead:
		if e.Pipe.Empty() && !e.Pipe.WriteClosed() {
			l.Sched.Block(p, proc.BLOCKED)
			return -1, kernelerr.WouldBlock
		}
		data := make([]byte, n)
		c := e.Pipe.Read(data)
		if c == 0 {
			return 0, nil
		}
		if err := l.VMM.CopyIn(p.AddrRoot, bufPtr, data[:c]); err != nil {
			return -1, err
		}
		return c, nil
	case fd.File:
		data := make([]byte, n)
		c, err := l.FS.Read(e.Inode, e.Offset, data)
		if err != nil {
			return -1, err
		}
		e.Offset += int64(c)
		if err := l.VMM.CopyIn(p.AddrRoot, bufPtr, data[:c]); err != nil {
			return -1, err
		}
		return c, nil
	}
	return -1, kernelerr.BadDescriptor
}

func (l *Layer) sysOpen(p *proc.PCB, pathPtr uint64, flags int) (int, error) {
	path, err := l.readCString(p.AddrRoot, pathPtr)
	if err != nil {
		return -1, err
	}
	inum, ok := l.FS.Lookup(path)
	if !ok {
		inum, err = l.FS.Create(path)
		if err != nil {
			return -1, err
		}
	}
	l.FS.Open(inum)
	fdnum, err := p.Fds.Alloc(fd.Entry{Kind: fd.File, Inode: inum, Flags: flags})
	if err != nil {
		l.FS.CloseInode(inum)
		return -1, err
	}
	return fdnum, nil
}

func (l *Layer) sysClose(p *proc.PCB, fdnum int) (int, error) {
	e, err := p.Fds.Get(fdnum)
	if err != nil {
		return -1, err
	}
	if e.Kind == fd.File {
		l.FS.CloseInode(e.Inode)
	}
	if err := p.Fds.Close(fdnum); err != nil {
		return -1, err
	}
	return 0, nil
}

func (l *Layer) sysStat(p *proc.PCB, pathPtr, outPtr uint64) (int, error) {
	path, err := l.readCString(p.AddrRoot, pathPtr)
	if err != nil {
		return -1, err
	}
	st, err := l.FS.Stat(path)
	if err != nil {
		return -1, err
	}
	var b [20]byte
	putU32(b[0:], st.Inode)
	putU64(b[4:], uint64(st.Size))
	putU32(b[12:], uint32(st.Type))
	if err := l.VMM.CopyIn(p.AddrRoot, outPtr, b[:]); err != nil {
		return -1, err
	}
	return 0, nil
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (l *Layer) sysMkdir(p *proc.PCB, pathPtr uint64) (int, error) {
	path, err := l.readCString(p.AddrRoot, pathPtr)
	if err != nil {
		return -1, err
	}
	if _, err := l.FS.Mkdir(path); err != nil {
		return -1, err
	}
	return 0, nil
}

func (l *Layer) sysReaddir(p *proc.PCB, fdnum int, outPtr uint64) (int, error) {
	e, err := p.Fds.Get(fdnum)
	if err != nil {
		return -1, err
	}
	name, inum, ok := l.FS.Readdir(e.Inode, int(e.Offset))
	if !ok {
		return 0, nil
	}
	e.Offset++
	var b [32]byte
	copy(b[:28], name)
	putU32(b[28:], inum)
	if err := l.VMM.CopyIn(p.AddrRoot, outPtr, b[:]); err != nil {
		return -1, err
	}
	return 1, nil
}

func (l *Layer) sysKill(pid, sig int) (int, error) {
	if err := l.Signals.Kill(proc.PID(pid), signal.Signal(sig)); err != nil {
		return -1, err
	}
	return 0, nil
}

func (l *Layer) sysPipe(p *proc.PCB, outPtr uint64) (int, error) {
	pipe := fd.NewPipe()
	rfd, err := p.Fds.Alloc(fd.Entry{Kind: fd.PipeRead, Pipe: pipe})
	if err != nil {
		return -1, err
	}
	wfd, err := p.Fds.Alloc(fd.Entry{Kind: fd.PipeWrite, Pipe: pipe})
	if err != nil {
		_ = p.Fds.Close(rfd)
		return -1, err
	}
	var b [8]byte
	putU32(b[0:], uint32(rfd))
	putU32(b[4:], uint32(wfd))
	if err := l.VMM.CopyIn(p.AddrRoot, outPtr, b[:]); err != nil {
		return -1, err
	}
	return 0, nil
}

func (l *Layer) sysDup2(p *proc.PCB, oldfd, newfd int) (int, error) {
	return p.Fds.Dup2(oldfd, newfd)
}
