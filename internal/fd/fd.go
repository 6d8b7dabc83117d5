// Package fd is the per-process file-descriptor table plus the bounded
// ring-buffer pipe (§4.10, C10), grounded on fd_entry_t in
// include/kernel/process.h and the pipe_t circular buffer in
// include/ipc/pipe.h / src/ipc/pipe.c.
package fd

import "github.com/zacharyr0th/simple-os/internal/kernelerr"

// Kind identifies what an FD entry is bound to.
type Kind int

const (
	Unused Kind = iota
	Console
	File
	PipeRead
	PipeWrite
)

// NumFDs is the fixed per-process FD array size (§3).
const NumFDs = 16

// FirstAllocatable is the first index the allocator scans from; 0/1/2 are
// kept free by convention for stdin/stdout/stderr (§4.10).
const FirstAllocatable = 3

// Entry is one FD slot: either unused, bound to an FS node with an offset
// and mode flags, or bound to a pipe endpoint with a direction flag.
type Entry struct {
	Kind   Kind
	Inode  uint32 // for Kind == File
	Offset int64  // for Kind == File
	Flags  int    // open() mode flags, for Kind == File
	Pipe   *Pipe  // for Kind == PipeRead/PipeWrite
}

// Table is the per-process FD array with entries 0/1/2 implicitly
// stdin/stdout/stderr attached to the console.
type Table struct {
	Entries [NumFDs]Entry
}

// NewTable returns a table with fds 0/1/2 bound to the console.
func NewTable() *Table {
	t := &Table{}
	t.Entries[0] = Entry{Kind: Console}
	t.Entries[1] = Entry{Kind: Console}
	t.Entries[2] = Entry{Kind: Console}
	return t
}

// Alloc scans from FirstAllocatable for an unused slot and installs e.
func (t *Table) Alloc(e Entry) (int, error) {
	for i := FirstAllocatable; i < NumFDs; i++ {
		if t.Entries[i].Kind == Unused {
			t.Entries[i] = e
			return i, nil
		}
	}
	return -1, kernelerr.TableFull
}

// Get returns the entry at fd, validating range and that it is in use.
func (t *Table) Get(fdnum int) (*Entry, error) {
	if fdnum < 0 || fdnum >= NumFDs {
		return nil, kernelerr.BadDescriptor
	}
	if t.Entries[fdnum].Kind == Unused {
		return nil, kernelerr.BadDescriptor
	}
	return &t.Entries[fdnum], nil
}

// Close releases fdnum, releasing the pipe endpoint reference if bound to
// one. Per spec §9's open question, reference counts across fork are not
// tracked: closing a pipe FD here marks that endpoint closed unconditionally,
// which is only safe in the pre-fork single-owner case the spec's v1 targets.
func (t *Table) Close(fdnum int) error {
	e, err := t.Get(fdnum)
	if err != nil {
		return err
	}
	switch e.Kind {
	case PipeRead:
		e.Pipe.CloseRead()
	case PipeWrite:
		e.Pipe.CloseWrite()
	}
	*e = Entry{}
	return nil
}

// Dup2 closes new (if open), copies old's entry into new, and returns new.
// Aliasing the same fd is a no-op that still returns fd (§4.10, §8).
func (t *Table) Dup2(oldfd, newfd int) (int, error) {
	if oldfd == newfd {
		if _, err := t.Get(oldfd); err != nil {
			return -1, err
		}
		return newfd, nil
	}
	src, err := t.Get(oldfd)
	if err != nil {
		return -1, err
	}
	if newfd < 0 || newfd >= NumFDs {
		return -1, kernelerr.BadDescriptor
	}
	if t.Entries[newfd].Kind != Unused {
		_ = t.Close(newfd)
	}
	t.Entries[newfd] = *src
	return newfd, nil
}

// Clone returns a shallow copy of the table for fork(): entries (including
// pipe/file references) are duplicated by value, sharing the underlying
// *Pipe or inode — matching §4.8's "pipes and files are shared references".
func (t *Table) Clone() *Table {
	nt := &Table{}
	nt.Entries = t.Entries
	return nt
}

// ---- pipe ----

// PipeCapacity is the fixed ring-buffer size (§3).
const PipeCapacity = 4096

// Pipe is a circular byte buffer with read/write cursors, a count, and two
// closed flags (§3, §4.10).
type Pipe struct {
	buf               [PipeCapacity]byte
	readCur, writeCur int
	count             int
	readClosed        bool
	writeClosed       bool
}

// NewPipe returns an empty, open pipe.
func NewPipe() *Pipe { return &Pipe{} }

// Write copies bytes into the ring until full and returns how many it
// accepted. A full ring is not an error: the write returns a short (or
// zero) count with a nil error, and the caller (the syscall layer) decides
// whether to yield and retry; the pipe itself never loops. Writing with the
// reader closed returns BrokenPipe; writing after the write end is closed
// returns InvalidArgument.
func (p *Pipe) Write(data []byte) (int, error) {
	if p.readClosed {
		return 0, kernelerr.BrokenPipe
	}
	if p.writeClosed {
		return 0, kernelerr.InvalidArgument
	}
	n := 0
	for n < len(data) && p.count < PipeCapacity {
		p.buf[p.writeCur] = data[n]
		p.writeCur = (p.writeCur + 1) % PipeCapacity
		p.count++
		n++
	}
	return n, nil
}

// Full reports whether the ring has no room left.
func (p *Pipe) Full() bool { return p.count == PipeCapacity }

// Empty reports whether the ring holds no bytes.
func (p *Pipe) Empty() bool { return p.count == 0 }

// Read copies up to len(dst) buffered bytes out and returns the count.
// An empty pipe reads as 0 whether or not the writer is closed; the caller
// tells EOF (writer closed) from "nothing yet" (writer open) with
// WriteClosed, leaving the busy-yield decision to the syscall layer
// exactly as for Write.
func (p *Pipe) Read(dst []byte) int {
	n := 0
	for n < len(dst) && p.count > 0 {
		dst[n] = p.buf[p.readCur]
		p.readCur = (p.readCur + 1) % PipeCapacity
		p.count--
		n++
	}
	return n
}

// CloseRead marks the read end closed.
func (p *Pipe) CloseRead() { p.readClosed = true }

// CloseWrite marks the write end closed.
func (p *Pipe) CloseWrite() { p.writeClosed = true }

func (p *Pipe) ReadClosed() bool  { return p.readClosed }
func (p *Pipe) WriteClosed() bool { return p.writeClosed }

// Count returns the number of buffered bytes, for the §8 invariant check
// (count <= capacity, cursors within [0, capacity)).
func (p *Pipe) Count() int { return p.count }
