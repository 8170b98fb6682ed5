// Package console implements the console I/O external collaborator noted
// in spec section 1's scope: input_getc (blocking single-byte keyboard
// read) and putbuf (raw buffer write), concretely backed by any
// io.Reader/io.Writer pair so the kernel is runnable against stdin/stdout
// or, in tests, an in-memory buffer.
package console

import (
	"bufio"
	"io"
	"sync"
)

// Console is a single input/output device, guarded by its own mutex the
// way spec §4.6 guards the file-system library — console access is a
// shared kernel resource, not a per-process one.
type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// New wraps r/w as the machine's console.
func New(r io.Reader, w io.Writer) *Console {
	return &Console{in: bufio.NewReader(r), out: w}
}

// InputGetc blocks for a single byte from the console's input, per the
// original's input_getc.
func (c *Console) InputGetc() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.ReadByte()
}

// Putbuf writes buf to the console's output in one call, per the
// original's putbuf (used by write(fd=1, ...) in spec §4.6).
func (c *Console) Putbuf(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(buf)
}
