// Package ringbuf is a fixed-capacity circular byte buffer. It backs the
// HTTPS client's received-bytes framing (internal/ringbuf is used, not
// exposed, by pkg/httpsclient): push/pop, linear read/write peeks for
// zero-copy I/O, a wrap-aware find, and a tail-anchored memcmp.
//
// No library provides this exact shape (a circular buffer exposing its own
// contiguous spans for direct socket reads/writes); bytes.Buffer grows
// unboundedly and bufio.Reader doesn't expose a writable span, so this is
// hand-rolled.
package ringbuf

import (
	"bytes"
	"fmt"
)

// Buffer is a fixed-capacity circular byte buffer.
type Buffer struct {
	data []byte
	head int // next byte to write
	tail int // next byte to read
	used int // bytes currently stored
}

// New allocates a Buffer with the given capacity in bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Capacity returns the buffer's fixed size.
func (b *Buffer) Capacity() int { return len(b.data) }

// Available returns the number of bytes currently stored.
func (b *Buffer) Available() int { return b.used }

// Free returns the number of bytes that can still be written.
func (b *Buffer) Free() int { return len(b.data) - b.used }

// Flush discards all buffered bytes and resets both pointers to the origin,
// so the next write gets the full linear span.
func (b *Buffer) Flush() {
	b.head, b.tail, b.used = 0, 0, 0
}

// Push writes as many bytes from src as fit, returning the count written.
// Partial writes are allowed; the caller must check the return value.
func (b *Buffer) Push(src []byte) int {
	n := 0
	for n < len(src) && b.used < len(b.data) {
		ptr, max := b.linearWriteRange()
		if max == 0 {
			break
		}
		end := n + min(len(src)-n, max)
		c := copy(ptr, src[n:end])
		b.bumpHeadUnchecked(c)
		n += c
	}
	return n
}

// Pop copies up to len(dst) bytes out of the buffer into dst, returning the
// count actually copied. Partial reads are allowed.
func (b *Buffer) Pop(dst []byte) int {
	n := 0
	for n < len(dst) && b.used > 0 {
		ptr, max := b.linearReadRange()
		if max == 0 {
			break
		}
		c := copy(dst[n:], ptr[:min(max, len(dst)-n)])
		b.bumpTailUnchecked(c)
		n += c
	}
	return n
}

// PeekLinearWrite returns the buffer's current contiguous writable span
// (bounded by the physical end of the backing array, not by wraparound) so
// a caller can read() directly into it. The returned slice must not be
// retained past the next mutating call.
func (b *Buffer) PeekLinearWrite() []byte {
	ptr, n := b.linearWriteRange()
	return ptr[:n]
}

// PeekLinearRead returns the buffer's current contiguous readable span for
// zero-copy writes out to a socket.
func (b *Buffer) PeekLinearRead() []byte {
	ptr, n := b.linearReadRange()
	return ptr[:n]
}

func (b *Buffer) linearWriteRange() ([]byte, int) {
	free := b.Free()
	if free == 0 {
		return nil, 0
	}
	if b.head >= b.tail {
		// Free space runs from head to the end of the array, unless the
		// buffer is empty and both pointers sit at 0 (full linear span).
		n := len(b.data) - b.head
		if n > free {
			n = free
		}
		return b.data[b.head:], n
	}
	n := b.tail - b.head
	return b.data[b.head : b.head+n], n
}

func (b *Buffer) linearReadRange() ([]byte, int) {
	if b.used == 0 {
		return nil, 0
	}
	if b.tail < b.head {
		return b.data[b.tail:b.head], b.head - b.tail
	}
	n := len(b.data) - b.tail
	return b.data[b.tail:], n
}

// BumpHead commits n bytes just written into the span PeekLinearWrite
// returned. It refuses to overrun the tail (i.e. to claim more bytes than
// Free() reports).
func (b *Buffer) BumpHead(n int) error {
	if n < 0 || n > b.Free() {
		return fmt.Errorf("ringbuf: bump_head(%d) overruns tail (free=%d)", n, b.Free())
	}
	b.bumpHeadUnchecked(n)
	return nil
}

// BumpTail commits n bytes just consumed from the span PeekLinearRead
// returned. It refuses to overrun the head.
func (b *Buffer) BumpTail(n int) error {
	if n < 0 || n > b.Available() {
		return fmt.Errorf("ringbuf: bump_tail(%d) overruns head (available=%d)", n, b.Available())
	}
	b.bumpTailUnchecked(n)
	return nil
}

func (b *Buffer) bumpHeadUnchecked(n int) {
	b.head = (b.head + n) % len(b.data)
	b.used += n
	if b.used == 0 {
		b.head, b.tail = 0, 0
	}
}

func (b *Buffer) bumpTailUnchecked(n int) {
	b.tail = (b.tail + n) % len(b.data)
	b.used -= n
	if b.used == 0 {
		// Tail caught up to head exactly: reset both to the origin so the
		// next write gets the full linear span.
		b.head, b.tail = 0, 0
	}
}

// Find scans the buffered bytes, including across the wrap point, for the
// first occurrence of needle. It returns the offset from the current tail,
// or -1 if not found.
func (b *Buffer) Find(needle []byte) int {
	if len(needle) == 0 || b.used < len(needle) {
		return -1
	}
	// Materialize the logical (unwrapped) view once; buffers used for HTTP
	// header scanning are small relative to a memmove here.
	view := make([]byte, 0, b.used)
	if b.tail < b.head || b.used == 0 {
		view = append(view, b.data[b.tail:b.tail+b.used]...)
	} else {
		view = append(view, b.data[b.tail:]...)
		view = append(view, b.data[:b.head]...)
	}
	return bytes.Index(view, needle)
}

// MemcmpTail compares expected against the `len(expected)` most recently
// written bytes (the window just before head), returning
// true on an exact match. Used to check for a terminator sequence that may
// have been pushed across multiple Push calls.
func (b *Buffer) MemcmpTail(expected []byte) bool {
	if len(expected) > b.used {
		return false
	}
	start := (b.head - len(expected) + len(b.data)) % len(b.data)
	for i, want := range expected {
		if b.data[(start+i)%len(b.data)] != want {
			return false
		}
	}
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
