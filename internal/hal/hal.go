// Package hal is the hardware seam the core consumes rather than
// implements (§1, §6): a periodic timer port, a keyboard byte source, a
// console byte sink, and an interrupt controller EOI. Grounded on the
// teacher kernel's cons_t console device and kbd_daemon keyboard ring in
// main.go, generalized to the port interfaces §6 describes so that a real
// PIT/PS2/VGA driver (or, here, a test double) can be plugged in underneath.
package hal

// ConsoleSink is the character-device write side (§6): CR/LF/BS/TAB are the
// caller's concern, not the sink's — it only accepts bytes.
type ConsoleSink interface {
	WriteConsole(p []byte) (int, error)
}

// KeyboardSource is the byte-producing side of the keyboard port (§6): a
// 256-byte ring that the driver pushes into and the syscall layer (stdin
// read) drains from.
type KeyboardSource interface {
	ReadByte() (b byte, ok bool)
}

// InterruptController acknowledges IRQs (§4.7, §6).
type InterruptController interface {
	EOI(irq int)
}

// RingCapacity is the keyboard ring's fixed size (§6).
const RingCapacity = 256

// KeyboardRing is a fixed 256-byte ring buffer standing in for the PS/2
// driver: Push is called by the (simulated) keyboard IRQ handler, ReadByte
// by the syscall layer's blocking stdin read.
type KeyboardRing struct {
	buf          [RingCapacity]byte
	head, tail   int
	count        int
	onCtrlC      func()
}

// NewKeyboardRing returns an empty ring. onCtrlC, if non-nil, is invoked
// when byte 0x03 (Ctrl-C) is pushed, raising SIGINT on the foreground
// process per §4.11 — the ring itself does not know what a process is.
func NewKeyboardRing(onCtrlC func()) *KeyboardRing {
	return &KeyboardRing{onCtrlC: onCtrlC}
}

// Push adds one byte, dropping it if the ring is full (no flow control in
// v1: a human typing cannot outrun a 256-byte ring in practice).
func (k *KeyboardRing) Push(b byte) {
	if b == 0x03 && k.onCtrlC != nil {
		k.onCtrlC()
		return
	}
	if k.count == RingCapacity {
		return
	}
	k.buf[k.tail] = b
	k.tail = (k.tail + 1) % RingCapacity
	k.count++
}

// ReadByte pops the oldest byte; ok is false when the ring is empty, which
// the syscall layer treats as "yield and retry" for a blocking stdin read.
func (k *KeyboardRing) ReadByte() (byte, bool) {
	if k.count == 0 {
		return 0, false
	}
	b := k.buf[k.head]
	k.head = (k.head + 1) % RingCapacity
	k.count--
	return b, true
}

// Empty reports whether the ring currently holds no bytes.
func (k *KeyboardRing) Empty() bool { return k.count == 0 }

// Console writes straight through to an underlying io.Writer-shaped sink;
// CR/LF/BS/TAB handling (§6) is left to that sink, matching the teacher
// kernel's cons_write which hands raw bytes to the VGA/serial backend.
type Console struct {
	Out interface {
		Write(p []byte) (int, error)
	}
}

func (c *Console) WriteConsole(p []byte) (int, error) {
	if c.Out == nil {
		return len(p), nil
	}
	return c.Out.Write(p)
}

// PIC is a minimal interrupt-controller stub: it records the last IRQ
// acknowledged, standing in for the real 8259/APIC EOI write in
// src/boot/exceptions.c.
type PIC struct {
	LastEOI int
}

func (p *PIC) EOI(irq int) { p.LastEOI = irq }
