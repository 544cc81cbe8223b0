package heif

import (
	"bytes"
	"encoding/binary"
)

// breader reads big-endian fields from a box payload. The first read
// past the end makes it stick: every later read returns zero values
// and ok stays false.
type breader struct {
	data []byte
	pos  int
	ok   bool
}

func newBreader(data []byte) *breader { return &breader{data: data, ok: true} }

func (r *breader) remaining() int { return len(r.data) - r.pos }

func (r *breader) take(n int) []byte {
	if !r.ok || n < 0 || r.remaining() < n {
		r.ok = false
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *breader) skip(n int) { r.take(n) }

// bytes returns n bytes without copying; the result aliases the
// payload.
func (r *breader) bytes(n int) []byte { return r.take(n) }

func (r *breader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *breader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *breader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// uintN reads an n-byte big-endian unsigned integer, n in [0,8].
// n of 0 reads nothing and returns 0, matching the optional
// fixed-width fields of the iloc box.
func (r *breader) uintN(n int) uint64 {
	if n == 0 {
		return 0
	}
	if n > 8 {
		r.ok = false
		return 0
	}
	var v uint64
	for _, c := range r.take(n) {
		v = v<<8 | uint64(c)
	}
	return v
}

// str reads a NUL-terminated string, consuming the terminator. A
// missing terminator takes the rest of the payload.
func (r *breader) str() string {
	if !r.ok {
		return ""
	}
	rest := r.data[r.pos:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		r.pos = len(r.data)
		return string(rest)
	}
	r.pos += i + 1
	return string(rest[:i])
}

// str4 reads a 4-character code.
func (r *breader) str4() string {
	b := r.take(4)
	if b == nil {
		return ""
	}
	return string(b)
}
