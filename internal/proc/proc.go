// Package proc is the process table, PCB, and ready queue (§3, §4.4, C4),
// grounded on process_t in include/kernel/process.h and the ready-queue
// push/pop/remove helpers in src/kernel/process.c, with naming carried
// over from common.Proc_t in the teacher kernel.
package proc

import (
	"github.com/zacharyr0th/simple-os/internal/fd"
	"github.com/zacharyr0th/simple-os/internal/kernelerr"
	"github.com/zacharyr0th/simple-os/internal/pmm"
)

// State is one of the PCB lifecycle states in §3.
type State int

const (
	READY State = iota
	RUNNING
	BLOCKED
	WAITING
	ZOMBIE
	TERMINATED
)

func (s State) String() string {
	switch s {
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case BLOCKED:
		return "BLOCKED"
	case WAITING:
		return "WAITING"
	case ZOMBIE:
		return "ZOMBIE"
	case TERMINATED:
		return "TERMINATED"
	}
	return "?"
}

// Context is exactly the callee-preserved register set, stack/instruction
// pointers, and RFLAGS that §4.5 specifies are saved across a switch — no
// FPU/SSE state.
type Context struct {
	R15, R14, R13, R12, RBX, RBP uint64
	RSP, RIP, RFLAGS             uint64
}

// HeapRange is the user heap triple (start, current, max) from §3.
type HeapRange struct {
	Start, Current, Max uint64
}

// StackRange is the user stack pair (bottom, top) from §3.
type StackRange struct {
	Bottom, Top uint64
}

// Quantum tracks ticks remaining in the current slice and the configured
// total (§4.6's DEFAULT_QUANTUM).
type Quantum struct {
	Remaining, Total int
}

const MaxProcs = 64
const KernelStackSize = 8192

// PID is a monotonically assigned process id, never reused within a boot.
type PID uint32

// PCB is the in-kernel control block for one process.
type PCB struct {
	PID      PID
	Name     string
	State    State
	Context  Context
	AddrRoot pmm.Frame
	KStack   []byte
	Heap     HeapRange
	Stack    StackRange
	Quantum  Quantum
	Priority int
	ParentPID PID
	ExitStatus int
	Fds      *fd.Table

	// intrusive ready-queue links; only the scheduler mutates these.
	prev, next *PCB
	inQueue    bool
}

// Table is the fixed-capacity process table plus ready queue plus idle
// PCB, grounded on process_table[MAX_PROCESSES] and the
// ready_queue_head/tail globals in process.c.
type Table struct {
	slots   [MaxProcs]*PCB
	nextPID PID

	qhead, qtail *PCB

	Idle *PCB
}

// New builds the table with slot 0 reserved for an idle PCB that is never
// placed in the ready queue.
func New() *Table {
	t := &Table{nextPID: 1}
	idle := &PCB{PID: 0, Name: "idle", State: RUNNING, KStack: make([]byte, KernelStackSize)}
	t.slots[0] = idle
	t.Idle = idle
	return t
}

// Allocate finds a free slot >= 1, zero-initializes a PCB, allocates its
// kernel stack, assigns the next monotonic PID, and attaches a fresh FD
// table with stdio wired to console (§4.4).
func (t *Table) Allocate(name string) (*PCB, error) {
	for i := 1; i < MaxProcs; i++ {
		if t.slots[i] != nil {
			continue
		}
		p := &PCB{
			PID:      t.nextPID,
			Name:     name,
			State:    READY,
			KStack:   make([]byte, KernelStackSize),
			Quantum:  Quantum{Remaining: DefaultQuantum, Total: DefaultQuantum},
			Fds:      fd.NewTable(),
		}
		t.nextPID++
		t.slots[i] = p
		return p, nil
	}
	return nil, kernelerr.TableFull
}

// DefaultQuantum is the tick budget before preemption (§4.6).
const DefaultQuantum = 10

// Free releases the slot, kernel stack, and FD table for p. Must never be
// called on the idle PCB.
func (t *Table) Free(p *PCB) error {
	if p == t.Idle {
		return kernelerr.InvalidArgument
	}
	for i := 1; i < MaxProcs; i++ {
		if t.slots[i] == p {
			t.slots[i] = nil
			p.KStack = nil
			p.Fds = nil
			return nil
		}
	}
	return kernelerr.NoSuchProcess
}

// Lookup finds a live PCB by pid, including the idle process.
func (t *Table) Lookup(pid PID) (*PCB, bool) {
	if pid == 0 {
		return t.Idle, true
	}
	for i := 1; i < MaxProcs; i++ {
		if t.slots[i] != nil && t.slots[i].PID == pid {
			return t.slots[i], true
		}
	}
	return nil, false
}

// All returns every live (non-nil) PCB including idle, for ps/debug audits.
func (t *Table) All() []*PCB {
	out := make([]*PCB, 0, MaxProcs)
	out = append(out, t.Idle)
	for i := 1; i < MaxProcs; i++ {
		if t.slots[i] != nil {
			out = append(out, t.slots[i])
		}
	}
	return out
}

// ZombieChildOf scans for a ZOMBIE process whose ParentPID is parent,
// implementing the wait() scan in §4.8.
func (t *Table) ZombieChildOf(parent PID) *PCB {
	for i := 1; i < MaxProcs; i++ {
		p := t.slots[i]
		if p != nil && p.State == ZOMBIE && p.ParentPID == parent {
			return p
		}
	}
	return nil
}

// ---- ready queue: O(1) push/pop/remove via intrusive links ----

// Push appends p (must be READY) to the tail of the ready queue.
func (t *Table) Push(p *PCB) {
	if p == t.Idle || p.inQueue {
		return
	}
	p.next = nil
	p.prev = t.qtail
	if t.qtail != nil {
		t.qtail.next = p
	} else {
		t.qhead = p
	}
	t.qtail = p
	p.inQueue = true
}

// Pop removes and returns the head of the ready queue, or nil if empty.
func (t *Table) Pop() *PCB {
	p := t.qhead
	if p == nil {
		return nil
	}
	t.remove(p)
	return p
}

// Remove deletes p from the ready queue wherever it sits (used when a
// process is signaled away from READY while still queued).
func (t *Table) Remove(p *PCB) {
	if !p.inQueue {
		return
	}
	t.remove(p)
}

func (t *Table) remove(p *PCB) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		t.qhead = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		t.qtail = p.prev
	}
	p.prev, p.next = nil, nil
	p.inQueue = false
}

// ReadyQueueIDs returns the PIDs currently queued, head to tail; used only
// by tests/debug audits.
func (t *Table) ReadyQueueIDs() []PID {
	var ids []PID
	for p := t.qhead; p != nil; p = p.next {
		ids = append(ids, p.PID)
	}
	return ids
}
