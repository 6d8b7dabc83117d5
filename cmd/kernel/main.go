// Command kernel boots the core subsystems in one fixed order (PMM, VMM,
// process table, scheduler, filesystem, signal delivery, hal ports,
// syscall layer, trap dispatcher — all before anything resembling
// "interrupts enabled"; the kernel heap is not constructed here), then
// plays the external CPU role described in SPEC_FULL.md §0:
// it drives the trap dispatcher with synthetic trap frames the way a real
// CPU would on a timer tick or a 0x80 software interrupt. Styled on the
// teacher kernel's main(), which performs the same fixed boot sequence
// before handing control to its own scheduler loop.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/zacharyr0th/simple-os/internal/elfload"
	"github.com/zacharyr0th/simple-os/internal/fs"
	"github.com/zacharyr0th/simple-os/internal/hal"
	"github.com/zacharyr0th/simple-os/internal/klog"
	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/sched"
	"github.com/zacharyr0th/simple-os/internal/signal"
	"github.com/zacharyr0th/simple-os/internal/syscall"
	"github.com/zacharyr0th/simple-os/internal/trap"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

var (
	ramMB = flag.Int("ram", 128, "simulated physical RAM in MiB")
	ticks = flag.Int("ticks", 30, "number of synthetic timer ticks to drive after boot")
)

// Kernel bundles every booted subsystem, mirroring the PCB/queue/VMM
// ownership graph §9 describes.
type Kernel struct {
	PMM      *pmm.PMM
	VMM      *vmm.VMM
	Table    *proc.Table
	Sched    *sched.Scheduler
	Trap     *trap.Dispatcher
	FS       *fs.FS
	Signals  *signal.Deliverer
	Syscall  *syscall.Layer
	Console  *hal.Console
	Keyboard *hal.KeyboardRing
	PIC      *hal.PIC
}

// Boot brings up the subsystems listed in the package comment in that
// fixed order, once, before any interrupt is considered "enabled". It does
// not construct a kernel heap.
func Boot(ramBytes int) (*Kernel, error) {
	k := &Kernel{}

	k.PMM = pmm.New(ramBytes)
	klog.Boot("%d MiB of physical memory", ramBytes>>20)

	v, err := vmm.New(k.PMM)
	if err != nil {
		return nil, err
	}
	k.VMM = v

	k.Table = proc.New()
	k.Sched = sched.New(k.Table, k.VMM)
	k.FS = fs.MkFS()

	k.Signals = signal.New(k.Table, k.Sched)

	k.PIC = &hal.PIC{}
	k.Console = &hal.Console{Out: os.Stdout}
	k.Keyboard = hal.NewKeyboardRing(func() {
		if k.Sched.Current != nil && k.Sched.Current != k.Table.Idle {
			_ = k.Signals.Kill(k.Sched.Current.PID, signal.SIGINT)
		}
	})

	k.Syscall = syscall.New(k.Table, k.Sched, k.VMM, k.PMM, k.FS, k.Signals, k.Console, k.Keyboard)
	syscall.LoadELF = elfload.Load

	k.Trap = trap.New(k.Sched, k.VMM)
	k.Trap.Syscall = k.Syscall.Handle
	k.Trap.IRQHandlers[trap.VecKeyboard-trap.IRQBase] = func(tf *trap.TrapFrame) {}
	k.Trap.EOI = k.PIC.EOI
	k.Trap.OnUserFault = func(tf *trap.TrapFrame, cause string, fi vmm.FaultInfo) {
		cur := k.Sched.Current
		if cur == nil || cur == k.Table.Idle {
			return
		}
		klog.Warn("process %d (%s) killed by %s (addr=%#x present=%v write=%v user=%v)",
			cur.PID, cur.Name, cause, fi.Addr, fi.Present, fi.Write, fi.User)
		cur.ExitStatus = -1
		cur.State = proc.TERMINATED
		_ = k.VMM.Destroy(cur.AddrRoot)
		k.Sched.Schedule()
	}

	return k, nil
}

// SpawnUser allocates a fresh process, a private address space, and a
// kernel stack, matching allocate_pcb() in §4.4.
func (k *Kernel) SpawnUser(name string) (*proc.PCB, error) {
	p, err := k.Table.Allocate(name)
	if err != nil {
		return nil, err
	}
	root, err := k.VMM.CreateAddressSpace()
	if err != nil {
		k.Table.Free(p)
		return nil, err
	}
	p.AddrRoot = root
	k.Table.Push(p)
	return p, nil
}

// Tick delivers one synthetic timer interrupt, the way the PIT would.
func (k *Kernel) Tick() {
	k.Trap.Dispatch(&trap.TrapFrame{TrapNo: trap.VecTimer})
}

func main() {
	flag.Parse()

	k, err := Boot(*ramMB << 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: %v\n", err)
		os.Exit(1)
	}
	klog.Boot("simple-os core booted (%s runtime substrate)", runtime.Version())

	init1, err := k.SpawnUser("init")
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawn init: %v\n", err)
		os.Exit(1)
	}
	init1.Context.RFLAGS = 0x202

	for i := 0; i < *ticks; i++ {
		k.Tick()
	}

	if err := k.Sched.AuditInvariants(); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler invariant violated: %v\n", err)
		os.Exit(1)
	}

	klog.Boot("ran %d ticks, %d context switches, ready queue depth %d",
		*ticks, k.Sched.SwitchCount(), len(k.Table.ReadyQueueIDs()))
}
