// Package cursor provides an endian-aware typed reader over an in-memory
// byte buffer, used by the reader and validator stages to walk bundle
// header and table layouts without repeating offset arithmetic.
package cursor

import "encoding/binary"

// Cursor reads typed fields from a byte slice at a configured endianness.
// Reads are infallible: every caller pre-sizes its buffer from a
// version-dependent table length before constructing a Cursor, so running
// past the end of the buffer is a programmer error, not a recovery case.
type Cursor struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

// New wraps buf for reading at the given byte order.
func New(buf []byte, order binary.ByteOrder) *Cursor {
	return &Cursor{buf: buf, order: order}
}

// BigEndian is shorthand for console-platform bundles.
func BigEndian(buf []byte) *Cursor { return New(buf, binary.BigEndian) }

// LittleEndian is shorthand for PC-platform bundles.
func LittleEndian(buf []byte) *Cursor { return New(buf, binary.LittleEndian) }

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

// Len returns the total buffer length.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Seek moves the cursor to an absolute offset.
func (c *Cursor) Seek(abs int) { c.pos = abs }

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n int) { c.pos += n }

func (c *Cursor) take(n int) []byte {
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

// U8 reads one unsigned byte.
func (c *Cursor) U8() uint8 {
	return c.take(1)[0]
}

// U16 reads a 2-byte unsigned integer at the cursor's endianness.
func (c *Cursor) U16() uint16 {
	return c.order.Uint16(c.take(2))
}

// U32 reads a 4-byte unsigned integer at the cursor's endianness.
func (c *Cursor) U32() uint32 {
	return c.order.Uint32(c.take(4))
}

// U64 reads an 8-byte unsigned integer at the cursor's endianness.
func (c *Cursor) U64() uint64 {
	return c.order.Uint64(c.take(8))
}

// Bytes reads n raw bytes.
func (c *Cursor) Bytes(n int) []byte {
	out := make([]byte, n)
	copy(out, c.take(n))
	return out
}

// Char reads n bytes and returns them as a string, truncated at the first
// NUL byte if present (the debug-data blob and stream-name fields are
// NUL-padded fixed-width strings).
func (c *Cursor) Char(n int) string {
	b := c.take(n)
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// PeekU32At reads a 4-byte unsigned integer at an absolute offset without
// moving the cursor, for probing ahead of the current position.
func (c *Cursor) PeekU32At(abs int) uint32 {
	return c.order.Uint32(c.buf[abs : abs+4])
}

// Order returns the configured byte order.
func (c *Cursor) Order() binary.ByteOrder { return c.order }
