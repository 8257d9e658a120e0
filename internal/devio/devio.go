// Package devio provides minimal console, keyboard, and RAM-disk
// stand-ins for the drivers spec.md §1 puts out of scope. They exist
// only so the manager-side console and readfile handlers in
// internal/syscall are real, runnable code instead of stubs (SPEC_FULL.md
// §4.L).
package devio

import (
	"sync"

	"github.com/kewu1992/pebbles-smp/internal/errno"
)

// Console is the manager-owned, single-writer text console: cursor
// position, a current color, and the lines printed so far (kept so
// tests can assert on output, the way a real console would be asserted
// on over serial in the teacher's cons_t).
type Console struct {
	mu     sync.Mutex
	row    int
	col    int
	color  int
	output []byte
}

// Print writes s to the console, advancing the cursor by len(s).
func (c *Console) Print(s string) {
	c.mu.Lock()
	c.output = append(c.output, s...)
	c.col += len(s)
	c.mu.Unlock()
}

// SetCursorPos sets the cursor row/col.
func (c *Console) SetCursorPos(row, col int) {
	c.mu.Lock()
	c.row, c.col = row, col
	c.mu.Unlock()
}

// GetCursorPos returns the cursor row/col.
func (c *Console) GetCursorPos() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.row, c.col
}

// SetTermColor sets the current text color.
func (c *Console) SetTermColor(color int) {
	c.mu.Lock()
	c.color = color
	c.mu.Unlock()
}

// TermColor returns the current text color, for test assertions.
func (c *Console) TermColor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.color
}

// Output returns everything printed so far, for test assertions.
func (c *Console) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.output)
}

// Keyboard assembles lines from posted key bytes and hands completed
// lines either to the first reader already waiting, or queues them for
// the next ReadLine call, "keyboard interrupt posts RESUME of the first
// blocked reader" (spec.md §4.I), expressed here as a direct callback
// invocation instead of a resume, since the manager never blocks.
type Keyboard struct {
	mu        sync.Mutex
	lineBuf   []byte
	completed []string
	waiters   []func(string)
}

// PostKey feeds one input byte into the line assembler. On '\n' the
// completed line is delivered to the oldest waiting reader if any,
// otherwise queued.
func (k *Keyboard) PostKey(b byte) {
	var deliver func(string)
	var line string
	k.mu.Lock()
	if b == '\n' {
		line = string(k.lineBuf)
		k.lineBuf = nil
		if len(k.waiters) > 0 {
			deliver = k.waiters[0]
			k.waiters = k.waiters[1:]
		} else {
			k.completed = append(k.completed, line)
		}
	} else {
		k.lineBuf = append(k.lineBuf, b)
	}
	k.mu.Unlock()
	if deliver != nil {
		deliver(line)
	}
}

// ReadLine delivers the oldest completed line to cb immediately if one
// is available; otherwise cb is queued and invoked later from PostKey
// once a line is assembled. Never blocks the caller.
func (k *Keyboard) ReadLine(cb func(string)) {
	k.mu.Lock()
	if len(k.completed) > 0 {
		line := k.completed[0]
		k.completed = k.completed[1:]
		k.mu.Unlock()
		cb(line)
		return
	}
	k.waiters = append(k.waiters, cb)
	k.mu.Unlock()
}

// RAMDisk is an in-memory stand-in for the out-of-scope filesystem
// image, giving exec's ELF-loader interface and readfile a concrete
// backing store (SPEC_FULL.md §6).
type RAMDisk struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewRAMDisk builds a disk pre-seeded with files.
func NewRAMDisk(files map[string][]byte) *RAMDisk {
	d := &RAMDisk{files: make(map[string][]byte, len(files))}
	for name, content := range files {
		cp := make([]byte, len(content))
		copy(cp, content)
		d.files[name] = cp
	}
	return d
}

// ReadFile copies up to len(buf) bytes of name's content starting at off
// into buf, returning the number of bytes copied.
func (d *RAMDisk) ReadFile(name string, buf []byte, off int) (int, errno.Errno) {
	d.mu.Lock()
	content, ok := d.files[name]
	d.mu.Unlock()
	if !ok {
		return 0, errno.ENOENT
	}
	if off < 0 || off > len(content) {
		return 0, errno.ENOENT
	}
	n := copy(buf, content[off:])
	return n, errno.OK
}

// Stat reports whether name exists and its size, for exec's loader.
func (d *RAMDisk) Stat(name string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.files[name]
	if !ok {
		return 0, false
	}
	return len(content), true
}
