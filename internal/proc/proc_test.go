package proc

import "testing"

func TestAllocateAssignsMonotonicPIDs(t *testing.T) {
	tbl := New()
	var pids []PID
	for i := 0; i < 5; i++ {
		p, err := tbl.Allocate("worker")
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		pids = append(pids, p.PID)
	}
	for i := 1; i < len(pids); i++ {
		if pids[i] <= pids[i-1] {
			t.Fatalf("PIDs not monotonic: %v", pids)
		}
	}
}

func TestIdleNeverInReadyQueue(t *testing.T) {
	tbl := New()
	tbl.Push(tbl.Idle)
	if len(tbl.ReadyQueueIDs()) != 0 {
		t.Fatal("idle process must never enter the ready queue")
	}
}

func TestFreeRejectsIdle(t *testing.T) {
	tbl := New()
	if err := tbl.Free(tbl.Idle); err == nil {
		t.Fatal("expected error freeing idle PCB")
	}
}

func TestReadyQueueFIFOOrder(t *testing.T) {
	tbl := New()
	a, _ := tbl.Allocate("a")
	b, _ := tbl.Allocate("b")
	c, _ := tbl.Allocate("c")
	tbl.Push(a)
	tbl.Push(b)
	tbl.Push(c)

	if got := tbl.Pop(); got != a {
		t.Fatalf("expected a first, got %v", got.Name)
	}
	if got := tbl.Pop(); got != b {
		t.Fatalf("expected b second, got %v", got.Name)
	}
	if got := tbl.Pop(); got != c {
		t.Fatalf("expected c third, got %v", got.Name)
	}
	if tbl.Pop() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestRemoveFromMiddleOfQueue(t *testing.T) {
	tbl := New()
	a, _ := tbl.Allocate("a")
	b, _ := tbl.Allocate("b")
	c, _ := tbl.Allocate("c")
	tbl.Push(a)
	tbl.Push(b)
	tbl.Push(c)
	tbl.Remove(b)

	ids := tbl.ReadyQueueIDs()
	if len(ids) != 2 || ids[0] != a.PID || ids[1] != c.PID {
		t.Fatalf("unexpected queue after removal: %v", ids)
	}
}

func TestZombieChildOfFindsReapableChild(t *testing.T) {
	tbl := New()
	parent, _ := tbl.Allocate("parent")
	child, _ := tbl.Allocate("child")
	child.ParentPID = parent.PID
	child.State = ZOMBIE

	got := tbl.ZombieChildOf(parent.PID)
	if got == nil || got.PID != child.PID {
		t.Fatalf("expected to find zombie child, got %v", got)
	}
}

func TestFreeThenLookupFails(t *testing.T) {
	tbl := New()
	p, _ := tbl.Allocate("transient")
	pid := p.PID
	if err := tbl.Free(p); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, ok := tbl.Lookup(pid); ok {
		t.Fatal("expected lookup to fail after free")
	}
}
