package sched

import (
	"testing"

	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

func newFixture(t *testing.T) (*Scheduler, *proc.Table) {
	t.Helper()
	pm := pmm.New(4096 * pmm.FrameSize)
	v, err := vmm.New(pm)
	if err != nil {
		t.Fatal(err)
	}
	tbl := proc.New()
	return New(tbl, v), tbl
}

func spawn(t *testing.T, tbl *proc.Table, name string) *proc.PCB {
	t.Helper()
	p, err := tbl.Allocate(name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestScheduleRunsIdleWhenQueueEmpty(t *testing.T) {
	s, _ := newFixture(t)
	s.Schedule()
	if s.Current != s.Table.Idle {
		t.Fatalf("expected idle to run, got %v", s.Current.Name)
	}
}

func TestScheduleRoundRobinFIFO(t *testing.T) {
	s, tbl := newFixture(t)
	x := spawn(t, tbl, "x")
	y := spawn(t, tbl, "y")
	tbl.Push(x)
	tbl.Push(y)

	s.Schedule()
	if s.Current != x {
		t.Fatalf("expected x first, got %v", s.Current.Name)
	}
	s.Schedule()
	if s.Current != y {
		t.Fatalf("expected y second (x requeued behind y), got %v", s.Current.Name)
	}
}

func TestTickPreemptsOnQuantumExpiry(t *testing.T) {
	s, tbl := newFixture(t)
	x := spawn(t, tbl, "x")
	y := spawn(t, tbl, "y")
	tbl.Push(x)
	s.Schedule() // x now RUNNING
	tbl.Push(y)

	for i := 0; i < proc.DefaultQuantum-1; i++ {
		s.Tick()
		if s.Current != x {
			t.Fatalf("x preempted early at tick %d", i)
		}
	}
	s.Tick() // quantum hits zero here
	if s.Current != y {
		t.Fatalf("expected y to run after x's quantum expired, got %v", s.Current.Name)
	}
}

func TestFairnessOverThirtyTicks(t *testing.T) {
	s, tbl := newFixture(t)
	procs := []*proc.PCB{spawn(t, tbl, "x"), spawn(t, tbl, "y"), spawn(t, tbl, "z")}
	for _, p := range procs {
		tbl.Push(p)
	}
	s.Schedule() // first process starts running

	ticksRun := map[proc.PID]int{}
	for i := 0; i < 30; i++ {
		ticksRun[s.Current.PID]++
		s.Tick()
	}
	for _, p := range procs {
		if ticksRun[p.PID] != proc.DefaultQuantum {
			t.Fatalf("process %s ran %d ticks, want %d", p.Name, ticksRun[p.PID], proc.DefaultQuantum)
		}
	}
}

func TestBlockAndWake(t *testing.T) {
	s, tbl := newFixture(t)
	x := spawn(t, tbl, "x")
	tbl.Push(x)
	s.Schedule() // x RUNNING

	s.Block(x, proc.BLOCKED)
	if x.State != proc.BLOCKED {
		t.Fatalf("expected BLOCKED, got %v", x.State)
	}
	if s.Current == x {
		t.Fatal("blocked process should not remain current")
	}

	s.Wake(x)
	if x.State != proc.READY {
		t.Fatalf("expected READY after wake, got %v", x.State)
	}
	found := false
	for _, pid := range tbl.ReadyQueueIDs() {
		if pid == x.PID {
			found = true
		}
	}
	if !found {
		t.Fatal("woken process not requeued")
	}
}

func TestAuditInvariantsCatchesTwoRunning(t *testing.T) {
	s, tbl := newFixture(t)
	x := spawn(t, tbl, "x")
	y := spawn(t, tbl, "y")
	x.State = proc.RUNNING
	y.State = proc.RUNNING
	if err := s.AuditInvariants(); err == nil {
		t.Fatal("expected audit to catch two RUNNING processes")
	}
}
