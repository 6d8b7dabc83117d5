package signal

import (
	"testing"

	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/sched"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

func newFixture(t *testing.T) (*Deliverer, *proc.Table, *sched.Scheduler) {
	t.Helper()
	pm := pmm.New(1024 * pmm.FrameSize)
	v, err := vmm.New(pm)
	if err != nil {
		t.Fatal(err)
	}
	tbl := proc.New()
	s := sched.New(tbl, v)
	return New(tbl, s), tbl, s
}

func TestSigKillTerminates(t *testing.T) {
	d, tbl, _ := newFixture(t)
	p, _ := tbl.Allocate("victim")
	tbl.Push(p)

	if err := d.Kill(p.PID, SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if p.State != proc.TERMINATED {
		t.Fatalf("expected TERMINATED, got %v", p.State)
	}
	for _, pid := range tbl.ReadyQueueIDs() {
		if pid == p.PID {
			t.Fatal("terminated process left in ready queue")
		}
	}
}

func TestSigStopThenSigCont(t *testing.T) {
	d, tbl, _ := newFixture(t)
	p, _ := tbl.Allocate("worker")
	tbl.Push(p)

	if err := d.Kill(p.PID, SIGSTOP); err != nil {
		t.Fatalf("SIGSTOP: %v", err)
	}
	if p.State != proc.BLOCKED {
		t.Fatalf("expected BLOCKED, got %v", p.State)
	}
	if err := d.Kill(p.PID, SIGCONT); err != nil {
		t.Fatalf("SIGCONT: %v", err)
	}
	if p.State != proc.READY {
		t.Fatalf("expected READY, got %v", p.State)
	}
}

func TestSigKillOnChildZombifiesAndWakesWaitingParent(t *testing.T) {
	d, tbl, _ := newFixture(t)
	parent, _ := tbl.Allocate("parent")
	tbl.Push(parent)
	child, _ := tbl.Allocate("child")
	child.ParentPID = parent.PID
	tbl.Push(child)
	parent.State = proc.WAITING

	if err := d.Kill(child.PID, SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if child.State != proc.ZOMBIE {
		t.Fatalf("expected child ZOMBIE (reapable), got %v", child.State)
	}
	if parent.State != proc.READY {
		t.Fatalf("expected waiting parent woken to READY, got %v", parent.State)
	}
}

func TestKillUnknownPidFails(t *testing.T) {
	d, _, _ := newFixture(t)
	if err := d.Kill(999, SIGKILL); err == nil {
		t.Fatal("expected error for unknown pid")
	}
}

func TestHandlerIsUnsupportedStub(t *testing.T) {
	if err := Handler(SIGINT, 0); err == nil {
		t.Fatal("expected signal() placeholder to report NotSupported")
	}
}
