package fd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewTableHasStdioOnConsole(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 3; i++ {
		e, err := tbl.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if e.Kind != Console {
			t.Fatalf("fd %d not bound to console: %+v", i, e)
		}
	}
}

func TestAllocSkipsStdioRange(t *testing.T) {
	tbl := NewTable()
	fdnum, err := tbl.Alloc(Entry{Kind: File, Inode: 5})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if fdnum < FirstAllocatable {
		t.Fatalf("allocated fd %d below FirstAllocatable", fdnum)
	}
}

func TestOpenThenCloseStateRestored(t *testing.T) {
	tbl := NewTable()
	before := *tbl
	fdnum, _ := tbl.Alloc(Entry{Kind: File, Inode: 9})
	if err := tbl.Close(fdnum); err != nil {
		t.Fatalf("Close: %v", err)
	}
	after := *tbl
	if diff := cmp.Diff(before, after, cmp.AllowUnexported(Table{})); diff != "" {
		t.Fatalf("table not restored to prior state after open;close (-before +after):\n%s", diff)
	}
}

func TestDup2SameFdIsNoop(t *testing.T) {
	tbl := NewTable()
	fdnum, _ := tbl.Alloc(Entry{Kind: File, Inode: 1})
	got, err := tbl.Dup2(fdnum, fdnum)
	if err != nil {
		t.Fatalf("Dup2: %v", err)
	}
	if got != fdnum {
		t.Fatalf("expected %d, got %d", fdnum, got)
	}
}

func TestDup2ClosesTargetFirst(t *testing.T) {
	tbl := NewTable()
	a, _ := tbl.Alloc(Entry{Kind: File, Inode: 1})
	b, _ := tbl.Alloc(Entry{Kind: File, Inode: 2})
	got, err := tbl.Dup2(a, b)
	if err != nil {
		t.Fatalf("Dup2: %v", err)
	}
	be, _ := tbl.Get(b)
	if be.Inode != 1 {
		t.Fatalf("fd %d not aliased to fd %d's entry: %+v", got, a, be)
	}
}

func TestCloneSharesPipeReference(t *testing.T) {
	tbl := NewTable()
	p := NewPipe()
	fdnum, _ := tbl.Alloc(Entry{Kind: PipeWrite, Pipe: p})
	clone := tbl.Clone()
	ce, _ := clone.Get(fdnum)
	if ce.Pipe != p {
		t.Fatal("clone did not share the pipe reference")
	}
}

func TestPipeWriteThenReadYieldsExactBytes(t *testing.T) {
	p := NewPipe()
	n, err := p.Write([]byte("ABCDEF"))
	if err != nil || n != 6 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	p.CloseWrite()
	buf := make([]byte, 16)
	got := p.Read(buf)
	if got != 6 || string(buf[:6]) != "ABCDEF" {
		t.Fatalf("Read mismatch: n=%d buf=%q", got, buf[:got])
	}
	second := p.Read(buf)
	if second != 0 {
		t.Fatalf("expected EOF (0) on second read of closed-writer empty pipe, got %d", second)
	}
}

func TestPipeCapacityAndCursorInvariant(t *testing.T) {
	p := NewPipe()
	data := make([]byte, PipeCapacity)
	n, err := p.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != PipeCapacity {
		t.Fatalf("expected full write of %d, got %d", PipeCapacity, n)
	}
	if !p.Full() {
		t.Fatal("expected pipe to report full")
	}
	extra, err := p.Write([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Write on full pipe should not error: %v", err)
	}
	if extra != 0 {
		t.Fatalf("expected 0 bytes accepted into full pipe, got %d", extra)
	}
	if p.Count() < 0 || p.Count() > PipeCapacity {
		t.Fatalf("count invariant violated: %d", p.Count())
	}
}

func TestPipeBrokenOnReaderClosed(t *testing.T) {
	p := NewPipe()
	p.CloseRead()
	if _, err := p.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing to pipe with closed reader")
	}
}
