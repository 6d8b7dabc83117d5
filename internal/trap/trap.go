// Package trap is the unified trap dispatcher (§4.7, C7): the single
// entry point a CPU exception, a hardware IRQ, or the syscall vector all
// funnel through, grounded on isr_handler/syscall_handler routing in
// include/kernel/isr.h and src/boot/exceptions.c, and the IRQ dispatch in
// the teacher kernel's trapstub().
package trap

import (
	"github.com/zacharyr0th/simple-os/internal/kernelerr"
	"github.com/zacharyr0th/simple-os/internal/klog"
	"github.com/zacharyr0th/simple-os/internal/sched"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

// Vector numbers per §4.7/§6.
const (
	VecTimer      = 32
	VecKeyboard   = 33
	IRQBase       = 32
	IRQLast       = 47
	VecSyscall    = 0x80
	VecPageFault  = 14
)

// TrapFrame is the register-save frame the dispatcher receives: general
// registers, interrupt number, error code, and the hardware-pushed
// RIP/CS/RFLAGS/RSP/SS. The syscall layer both reads and writes this
// struct in place (the return value lands back in RAX) so that an IRET
// would restore the mutated value — §9's "trap frame shared between user
// and kernel" note. Nothing else may touch a TrapFrame while Dispatch is
// executing it: that is the aliasing contract.
type TrapFrame struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64

	TrapNo  uint64
	ErrCode uint64

	RIP, CS, RFLAGS, RSP, SS uint64

	// FaultAddr stands in for CR2 on a page fault.
	FaultAddr uint64
	// UserMode is true when CS indicates ring 3 (bits normally encoded in
	// CS; surfaced directly here since there is no real segment register).
	UserMode bool
}

var exceptionNames = map[uint64]string{
	0: "divide error", 1: "debug", 2: "NMI", 3: "breakpoint", 4: "overflow",
	5: "bound range exceeded", 6: "invalid opcode", 7: "device not available",
	8: "double fault", 10: "invalid TSS", 11: "segment not present",
	12: "stack-segment fault", 13: "general protection fault",
	14: "page fault", 16: "x87 FP exception", 17: "alignment check",
	18: "machine check", 19: "SIMD FP exception",
}

// Dispatcher routes trap numbers per §4.7.
type Dispatcher struct {
	Sched *sched.Scheduler
	VMM   *vmm.VMM

	// Syscall is invoked for VecSyscall; it must write the return value
	// into tf.RAX itself.
	Syscall func(tf *TrapFrame)

	// IRQHandlers are registered per-IRQ (vector - IRQBase) callbacks,
	// e.g. the keyboard driver pushing a byte into its ring.
	IRQHandlers map[int]func(tf *TrapFrame)

	// Vectors is the 256-entry table used for any number that falls
	// outside the exception/IRQ/syscall ranges.
	Vectors map[int]func(tf *TrapFrame)

	// EOI sends End-Of-Interrupt to the interrupt controller for IRQs.
	EOI func(irq int)

	// OnUserFault is called when an exception occurs in user mode,
	// instead of the kernel panic path: it should terminate the
	// offending process (§7 band 3, §8 scenario 5). fi is the decoded
	// present/write/user/reserved bits from DecodeFault on a page fault
	// (VecPageFault); it is the zero FaultInfo for every other exception.
	OnUserFault func(tf *TrapFrame, cause string, fi vmm.FaultInfo)
}

// New builds an empty dispatcher bound to the given scheduler/VMM.
func New(s *sched.Scheduler, v *vmm.VMM) *Dispatcher {
	return &Dispatcher{
		Sched:       s,
		VMM:         v,
		IRQHandlers: make(map[int]func(tf *TrapFrame)),
		Vectors:     make(map[int]func(tf *TrapFrame)),
	}
}

// Dispatch routes tf to the appropriate handler.
func (d *Dispatcher) Dispatch(tf *TrapFrame) {
	switch {
	case tf.TrapNo < 32:
		d.dispatchException(tf)
	case tf.TrapNo >= IRQBase && tf.TrapNo <= IRQLast:
		d.dispatchIRQ(tf)
	case tf.TrapNo == VecSyscall:
		if d.Syscall != nil {
			d.Syscall(tf)
		}
	default:
		if h, ok := d.Vectors[int(tf.TrapNo)]; ok {
			h(tf)
		} else {
			klog.Warn("unregistered trap vector %d ignored", tf.TrapNo)
		}
	}
}

func (d *Dispatcher) dispatchException(tf *TrapFrame) {
	name, known := exceptionNames[tf.TrapNo]
	if !known {
		name = "unknown exception"
	}

	var fi vmm.FaultInfo
	if tf.TrapNo == VecPageFault {
		cur := d.Sched.Current
		var root = d.VMM.KernelRoot()
		if cur != nil {
			root = cur.AddrRoot
		}
		write := tf.ErrCode&0x2 != 0
		fi = d.VMM.DecodeFault(root, tf.FaultAddr, write)
	}

	if tf.UserMode {
		if d.OnUserFault != nil {
			d.OnUserFault(tf, name, fi)
			return
		}
	}
	regs := map[string]uint64{
		"RIP": tf.RIP, "RAX": tf.RAX, "RDI": tf.RDI, "RSI": tf.RSI,
		"RBX": tf.RBX, "RCX": tf.RCX, "RDX": tf.RDX, "RSP": tf.RSP,
	}
	if tf.TrapNo == VecPageFault {
		regs["CR2"] = fi.Addr
		regs["PF_Present"] = boolBit(fi.Present)
		regs["PF_Write"] = boolBit(fi.Write)
		regs["PF_User"] = boolBit(fi.User)
		regs["PF_Reserved"] = boolBit(fi.Reserved)
	}
	klog.Panic(name, regs)
	panic(kernelerr.Fatal(name))
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (d *Dispatcher) dispatchIRQ(tf *TrapFrame) {
	irq := int(tf.TrapNo - IRQBase)
	if tf.TrapNo == VecTimer {
		d.Sched.Tick()
	} else if h, ok := d.IRQHandlers[irq]; ok {
		h(tf)
	}
	if d.EOI != nil {
		d.EOI(irq)
	}
}

