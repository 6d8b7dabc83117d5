// Package signal implements the synchronous, kill-driven PID-targeted
// signal delivery of §4.11 (C11): no user-installed handlers, no signal
// masks, state transitions only. Grounded on the SIG_* state-transition
// table in src/kernel/signal.c and sig_send's direct PCB mutation (no
// queueing — the teacher kernel has no signal.c of its own, so this is
// built from the original C source rather than adapted from Biscuit).
package signal

import (
	"github.com/zacharyr0th/simple-os/internal/kernelerr"
	"github.com/zacharyr0th/simple-os/internal/proc"
	"github.com/zacharyr0th/simple-os/internal/sched"
)

// Signal numbers, matching the five v1 recognizes (§4.11).
type Signal int

const (
	SIGINT  Signal = 2
	SIGKILL Signal = 9
	SIGTERM Signal = 15
	SIGSTOP Signal = 19
	SIGCONT Signal = 18
)

// Deliverer applies kill-driven state transitions against a process table
// and scheduler.
type Deliverer struct {
	Table *proc.Table
	Sched *sched.Scheduler
}

// New binds a Deliverer to the given table/scheduler.
func New(t *proc.Table, s *sched.Scheduler) *Deliverer {
	return &Deliverer{Table: t, Sched: s}
}

// Kill looks up pid and applies sig's transition (§4.11): SIGKILL/SIGTERM/
// SIGINT terminate; SIGSTOP blocks a READY/RUNNING target; SIGCONT wakes a
// BLOCKED one. Returns NoSuchProcess if pid is unknown, InvalidArgument for
// an unrecognized signal number.
func (d *Deliverer) Kill(pid proc.PID, sig Signal) error {
	p, ok := d.Table.Lookup(pid)
	if !ok || p == d.Table.Idle {
		return kernelerr.NoSuchProcess
	}
	switch sig {
	case SIGKILL, SIGTERM, SIGINT:
		// Same exit()/ZOMBIE/wait() protocol as syscall.sysExit (§4.9):
		// a killed process with a live parent becomes a reapable zombie,
		// not TERMINATED outright, and a WAITING parent is woken. Table.Free
		// and VMM.Destroy only ever run from sysWait's reap path, so skipping
		// this would leak the table slot, FD table, and address space and
		// could hang a parent already blocked in wait().
		d.Table.Remove(p)
		p.ExitStatus = -1
		if p.ParentPID == 0 {
			p.State = proc.TERMINATED
		} else {
			p.State = proc.ZOMBIE
		}
		if parent, ok := d.Table.Lookup(p.ParentPID); ok && parent.State == proc.WAITING {
			parent.State = proc.READY
			d.Table.Push(parent)
		}
		if p == d.Sched.Current {
			d.Sched.Schedule()
		}
		return nil
	case SIGSTOP:
		if p.State == proc.READY || p.State == proc.RUNNING {
			wasCurrent := p == d.Sched.Current
			if p.State == proc.READY {
				d.Table.Remove(p)
			}
			p.State = proc.BLOCKED
			if wasCurrent {
				d.Sched.Schedule()
			}
		}
		return nil
	case SIGCONT:
		if p.State == proc.BLOCKED {
			p.State = proc.READY
			d.Table.Push(p)
		}
		return nil
	default:
		return kernelerr.InvalidArgument
	}
}

// Handler is the user-space handler-registration placeholder from §4.11:
// the original spec's signal() is a stub because v1 never dispatches into
// user-mode handlers.
func Handler(_ Signal, _ uintptr) error {
	return kernelerr.NotSupported
}
