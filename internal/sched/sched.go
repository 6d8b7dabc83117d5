// Package sched is the round-robin preemptive scheduler and context
// switch (§4.5, §4.6, C5/C6), grounded on schedule()/scheduler_tick() in
// src/kernel/scheduler.c and the context_switch/process_entry_trampoline
// contract declared in include/kernel/process.h.
//
// There is no real register file to spill to: a PCB's Context already
// holds the only state a switch would otherwise save, so ContextSwitch is
// the bookkeeping step the spec describes (§4.5) rather than an assembly
// trampoline — see SPEC_FULL.md §0 for why actually resuming instruction
// execution is out of the core's scope.
package sched

import (
	"github.com/zacharyr0th/simple-os/internal/kernelerr"
	"github.com/zacharyr0th/simple-os/internal/pmm"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/vmm"
)

// Scheduler owns the process table/ready queue and tracks which PCB is
// current and which address-space root is loaded.
type Scheduler struct {
	Table   *proc.Table
	VMM     *vmm.VMM
	Current *proc.PCB
	loaded  pmm.Frame
	switches int
}

// New creates a scheduler with the idle process as the initial current.
func New(t *proc.Table, v *vmm.VMM) *Scheduler {
	return &Scheduler{Table: t, VMM: v, Current: t.Idle, loaded: v.KernelRoot()}
}

// Bootstrap places a new process's entry point on its context as the
// "trampoline" target and sets up its initial RFLAGS/RSP, so that its
// first dispatch looks like a resume (§4.5).
func Bootstrap(p *proc.PCB, entryRIP, userRSP uint64) {
	p.Context = proc.Context{RIP: entryRIP, RSP: userRSP, RFLAGS: 0x202}
}

// ContextSwitch spills nothing beyond what is already on old's PCB (its
// Context field is the save area), makes new the scheduler's Current, and
// counts the switch. When old is nil only the load path runs, matching the
// first-dispatch case in §4.5.
func (s *Scheduler) ContextSwitch(old, new *proc.PCB) {
	s.switches++
	s.Current = new
}

// SwitchCount reports how many context switches have occurred; used only
// by tests/debug audits.
func (s *Scheduler) SwitchCount() int { return s.switches }

// Tick decrements the running process's quantum and calls Schedule on
// expiry, resetting the quantum to DefaultQuantum first (§4.6).
func (s *Scheduler) Tick() {
	cur := s.Current
	if cur == s.Table.Idle {
		return
	}
	if cur.Quantum.Remaining > 0 {
		cur.Quantum.Remaining--
	}
	if cur.Quantum.Remaining == 0 {
		cur.Quantum.Remaining = proc.DefaultQuantum
		s.Schedule()
	}
}

// Schedule performs one round-robin pass: the current process (unless
// BLOCKED/WAITING/ZOMBIE/TERMINATED) goes back to READY and onto the tail
// of the ready queue; the head of the queue (or idle, if empty) becomes
// RUNNING; the address space is switched if it differs; a context switch
// is recorded. Interrupt disable/enable around this is implicit in the
// simulation's single-threaded call model (§5: the only other concurrent
// actor is the timer, and Schedule is itself the timer's synchronous call).
func (s *Scheduler) Schedule() {
	old := s.Current

	if old != nil && old != s.Table.Idle && old.State == proc.RUNNING {
		old.State = proc.READY
		s.Table.Push(old)
	}

	next := s.Table.Pop()
	if next == nil {
		next = s.Table.Idle
	}
	next.State = proc.RUNNING

	if next.AddrRoot != s.loaded {
		s.loaded = next.AddrRoot
	}
	s.ContextSwitch(old, next)
}

// Yield is the voluntary suspension point (§5b): it re-enters Schedule
// directly without touching the quantum counter.
func (s *Scheduler) Yield() {
	s.Schedule()
}

// Block transitions the current process to BLOCKED or WAITING and calls
// Schedule, implementing the blocking-syscall suspension point (§5c).
func (s *Scheduler) Block(p *proc.PCB, state proc.State) {
	if state != proc.BLOCKED && state != proc.WAITING {
		panic("sched: Block requires BLOCKED or WAITING")
	}
	p.State = state
	if p == s.Current {
		s.Schedule()
	}
}

// Wake moves p from BLOCKED/WAITING back to READY and enqueues it; it
// does not itself switch away from whatever is currently running.
func (s *Scheduler) Wake(p *proc.PCB) {
	if p.State != proc.BLOCKED && p.State != proc.WAITING {
		return
	}
	p.State = proc.READY
	s.Table.Push(p)
}

// AuditInvariants checks the §8 scheduler invariants that must hold after
// every pass: exactly one RUNNING PCB (or only idle runs), and every
// ready-queue PCB is in READY state.
func (s *Scheduler) AuditInvariants() error {
	runningCount := 0
	for _, p := range s.Table.All() {
		if p.State == proc.RUNNING {
			runningCount++
		}
	}
	if runningCount > 1 {
		return kernelerr.Fatal("more than one RUNNING process")
	}
	for _, pid := range s.Table.ReadyQueueIDs() {
		p, ok := s.Table.Lookup(pid)
		if !ok || p.State != proc.READY {
			return kernelerr.Fatal("ready queue contains a non-READY PCB")
		}
	}
	return nil
}
