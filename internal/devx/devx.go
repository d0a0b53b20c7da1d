// Package devx is the vendor command builder: it encodes and decodes the
// bitfields of fixed-layout hardware command buffers. Field positions come
// from the vendor IDL and are registered once in layout tables; a path that
// is not in the table panics at first use, so a typo cannot silently write
// the wrong dword.
//
// Command buffers are sequences of big-endian 32-bit dwords. A bitfield
// never crosses a dword boundary; 64-bit fields are dword-aligned pairs;
// byte-array fields (GIDs, MACs) are byte-aligned blobs.
package devx

import (
	"encoding/binary"
	"fmt"
)

// Command opcodes consumed by the engine.
const (
	CmdQueryHCACap uint16 = 0x100
	CmdCreateMkey  uint16 = 0x200
	CmdDestroyMkey uint16 = 0x202
	CmdCreateCQ    uint16 = 0x400
	CmdDestroyCQ   uint16 = 0x401
	CmdCreateQP    uint16 = 0x500
	CmdDestroyQP   uint16 = 0x501
	CmdRst2InitQP  uint16 = 0x502
	CmdInit2RtrQP  uint16 = 0x503
	CmdRtr2RtsQP   uint16 = 0x504
	CmdQP2Err      uint16 = 0x507
	CmdQueryQP     uint16 = 0x50b
)

type fieldKind uint8

const (
	kindBits fieldKind = iota
	kindQuad
	kindBlob
)

type field struct {
	kind fieldKind
	off  int // byte offset of the containing dword (or blob start)
	hi   uint8
	lo   uint8
	size int // blob length in bytes
}

// Layout describes one command struct: its size and named fields.
type Layout struct {
	Name   string
	Size   int
	fields map[string]field
}

func newLayout(name string, size int) *Layout {
	return &Layout{Name: name, Size: size, fields: make(map[string]field)}
}

func (l *Layout) bits(name string, off int, hi, lo uint8) *Layout {
	if off%4 != 0 || hi > 31 || lo > hi || off+4 > l.Size {
		panic(fmt.Sprintf("devx: bad field %s.%s", l.Name, name))
	}
	l.fields[name] = field{kind: kindBits, off: off, hi: hi, lo: lo}
	return l
}

func (l *Layout) quad(name string, off int) *Layout {
	if off%4 != 0 || off+8 > l.Size {
		panic(fmt.Sprintf("devx: bad field %s.%s", l.Name, name))
	}
	l.fields[name] = field{kind: kindQuad, off: off}
	return l
}

func (l *Layout) blob(name string, off, size int) *Layout {
	if off+size > l.Size {
		panic(fmt.Sprintf("devx: bad field %s.%s", l.Name, name))
	}
	l.fields[name] = field{kind: kindBlob, off: off, size: size}
	return l
}

// embed registers sub-struct fields under prefix at a base offset.
func (l *Layout) embed(prefix string, base int, sub func(add adder)) *Layout {
	sub(adder{l: l, prefix: prefix, base: base})
	return l
}

type adder struct {
	l      *Layout
	prefix string
	base   int
}

func (a adder) bits(name string, off int, hi, lo uint8) { a.l.bits(a.prefix+name, a.base+off, hi, lo) }
func (a adder) quad(name string, off int)               { a.l.quad(a.prefix+name, a.base+off) }
func (a adder) blob(name string, off, size int)         { a.l.blob(a.prefix+name, a.base+off, size) }

func (l *Layout) lookup(path string) field {
	f, ok := l.fields[path]
	if !ok {
		panic(fmt.Sprintf("devx: unknown path %s.%s", l.Name, path))
	}
	return f
}

// Cmd is one command buffer under construction or decode.
type Cmd struct {
	layout *Layout
	buf    []byte
}

// New allocates a zeroed command buffer for the layout.
func New(l *Layout) *Cmd {
	return &Cmd{layout: l, buf: make([]byte, l.Size)}
}

// Wrap decodes an existing buffer against the layout. The buffer must be at
// least the layout size.
func Wrap(l *Layout, buf []byte) *Cmd {
	if len(buf) < l.Size {
		panic(fmt.Sprintf("devx: short buffer for %s: %d < %d", l.Name, len(buf), l.Size))
	}
	return &Cmd{layout: l, buf: buf}
}

// Bytes returns the underlying buffer.
func (c *Cmd) Bytes() []byte { return c.buf }

// Set writes a bitfield or 64-bit field.
func (c *Cmd) Set(path string, v uint64) *Cmd {
	f := c.layout.lookup(path)
	switch f.kind {
	case kindQuad:
		binary.BigEndian.PutUint64(c.buf[f.off:], v)
	case kindBits:
		width := f.hi - f.lo + 1
		var mask uint32
		if width == 32 {
			mask = ^uint32(0)
		} else {
			mask = (uint32(1)<<width - 1) << f.lo
		}
		dw := binary.BigEndian.Uint32(c.buf[f.off:])
		dw = dw&^mask | (uint32(v) << f.lo & mask)
		binary.BigEndian.PutUint32(c.buf[f.off:], dw)
	default:
		panic(fmt.Sprintf("devx: %s.%s is not an integer field", c.layout.Name, path))
	}
	return c
}

// Get reads a bitfield or 64-bit field.
func (c *Cmd) Get(path string) uint64 {
	f := c.layout.lookup(path)
	switch f.kind {
	case kindQuad:
		return binary.BigEndian.Uint64(c.buf[f.off:])
	case kindBits:
		width := f.hi - f.lo + 1
		dw := binary.BigEndian.Uint32(c.buf[f.off:])
		if width == 32 {
			return uint64(dw)
		}
		return uint64(dw >> f.lo & (uint32(1)<<width - 1))
	default:
		panic(fmt.Sprintf("devx: %s.%s is not an integer field", c.layout.Name, path))
	}
}

// SetBytes copies a byte-array field.
func (c *Cmd) SetBytes(path string, b []byte) *Cmd {
	f := c.layout.lookup(path)
	if f.kind != kindBlob || len(b) != f.size {
		panic(fmt.Sprintf("devx: %s.%s bad blob write", c.layout.Name, path))
	}
	copy(c.buf[f.off:f.off+f.size], b)
	return c
}

// GetBytes returns a copy of a byte-array field.
func (c *Cmd) GetBytes(path string) []byte {
	f := c.layout.lookup(path)
	if f.kind != kindBlob {
		panic(fmt.Sprintf("devx: %s.%s is not a blob field", c.layout.Name, path))
	}
	out := make([]byte, f.size)
	copy(out, c.buf[f.off:f.off+f.size])
	return out
}

// Opcode extracts the command opcode from an input buffer header.
func Opcode(in []byte) uint16 {
	return uint16(binary.BigEndian.Uint32(in) >> 16)
}

// Status extracts the completion status from an output buffer header.
func Status(out []byte) uint8 {
	return uint8(binary.BigEndian.Uint32(out) >> 24)
}

// Syndrome extracts the error syndrome from an output buffer header.
func Syndrome(out []byte) uint32 {
	return binary.BigEndian.Uint32(out[4:])
}

// SetStatus fills the output header; used by device implementations.
func SetStatus(out []byte, status uint8, syndrome uint32) {
	binary.BigEndian.PutUint32(out, uint32(status)<<24)
	binary.BigEndian.PutUint32(out[4:], syndrome)
}
