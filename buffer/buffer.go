// Package buffer implements the fixed-capacity byte ring used for one
// direction (read or write) of one connection slot.
//
// Bytes are appended at the tail and consumed from the head. The backing
// array never grows past its configured capacity: callers that would
// overflow it get ErrFull and the bytes are not stored (the reactor closes
// a slot whose input buffer would overflow).
package buffer

import "errors"

// ErrFull is returned by Append when the buffer has no room for the given
// bytes without exceeding its capacity.
var ErrFull = errors.New("buffer: capacity exceeded")

// Buffer is a fixed-capacity byte accumulator. The zero value is not usable;
// construct with New.
type Buffer struct {
	data []byte
	cap  int
}

// New returns a Buffer that never grows past capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity), cap: capacity}
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return b.cap }

// Len returns the number of unconsumed bytes currently held.
func (b *Buffer) Len() int { return len(b.data) }

// Free returns how many more bytes can be appended before ErrFull.
func (b *Buffer) Free() int { return b.cap - len(b.data) }

// Bytes returns the current unconsumed contents. The slice is only valid
// until the next call to Append, Consume, or Reset.
func (b *Buffer) Bytes() []byte { return b.data }

// Append adds p to the tail of the buffer. It copies p; the caller retains
// no reference obligation afterward.
func (b *Buffer) Append(p []byte) error {
	if len(p) > b.Free() {
		return ErrFull
	}
	b.data = append(b.data, p...)
	return nil
}

// Consume removes the first n bytes, shifting the remainder to the front.
// Consuming more than Len is a no-op past the available bytes.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	copy(b.data, b.data[n:])
	b.data = b.data[:len(b.data)-n]
}

// Reset discards all unconsumed bytes.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Full reports whether the buffer currently has no free capacity.
func (b *Buffer) Full() bool { return len(b.data) == b.cap }
