package trap

import (
	"testing"

	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/sched"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

func newFixture(t *testing.T) (*Dispatcher, *sched.Scheduler, *proc.Table) {
	t.Helper()
	pm := pmm.New(4096 * pmm.FrameSize)
	v, err := vmm.New(pm)
	if err != nil {
		t.Fatal(err)
	}
	tbl := proc.New()
	s := sched.New(tbl, v)
	return New(s, v), s, tbl
}

func TestTimerIRQDrivesSchedulerTick(t *testing.T) {
	d, s, tbl := newFixture(t)
	x, _ := tbl.Allocate("x")
	tbl.Push(x)
	s.Schedule()

	eoiCalled := -1
	d.EOI = func(irq int) { eoiCalled = irq }

	for i := 0; i < proc.DefaultQuantum; i++ {
		d.Dispatch(&TrapFrame{TrapNo: VecTimer})
	}
	if eoiCalled != int(VecTimer-IRQBase) {
		t.Fatalf("expected EOI for timer IRQ, got %d", eoiCalled)
	}
}

func TestSyscallVectorInvokesHandler(t *testing.T) {
	d, _, _ := newFixture(t)
	called := false
	d.Syscall = func(tf *TrapFrame) {
		called = true
		tf.RAX = 42
	}
	tf := &TrapFrame{TrapNo: VecSyscall}
	d.Dispatch(tf)
	if !called || tf.RAX != 42 {
		t.Fatalf("syscall handler not invoked correctly: called=%v rax=%d", called, tf.RAX)
	}
}

func TestUnknownVectorLogsAndIgnores(t *testing.T) {
	d, _, _ := newFixture(t)
	// must not panic even with no Vectors entry and no handler registered.
	d.Dispatch(&TrapFrame{TrapNo: 200})
}

func TestPageFaultInUserModeCallsOnUserFault(t *testing.T) {
	d, s, tbl := newFixture(t)
	p, _ := tbl.Allocate("victim")
	root, err := d.VMM.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	p.AddrRoot = root
	s.Current = p

	var gotCause string
	var gotFault vmm.FaultInfo
	d.OnUserFault = func(tf *TrapFrame, cause string, fi vmm.FaultInfo) {
		gotCause = cause
		gotFault = fi
	}

	tf := &TrapFrame{
		TrapNo:    VecPageFault,
		ErrCode:   0x2, // write fault, page not present
		FaultAddr: 0xDEAD_BEEF_000,
		UserMode:  true,
	}
	d.Dispatch(tf)
	if gotCause != "page fault" {
		t.Fatalf("expected page fault cause, got %q", gotCause)
	}
	// §8 scenario 5: an unmapped address faults with present=0, write=1,
	// user=0 (DecodeFault never sets User without a walkable entry).
	if gotFault.Present || !gotFault.Write || gotFault.User {
		t.Fatalf("unexpected decoded fault bits: %+v", gotFault)
	}
	if gotFault.Addr != tf.FaultAddr {
		t.Fatalf("decoded fault address mismatch: got %#x want %#x", gotFault.Addr, tf.FaultAddr)
	}
}

func TestExceptionInKernelModePanics(t *testing.T) {
	d, _, _ := newFixture(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on kernel-mode exception")
		}
	}()
	d.Dispatch(&TrapFrame{TrapNo: 13, UserMode: false}) // general protection fault
}
