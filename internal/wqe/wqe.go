// Package wqe formats send work-queue entries into caller-owned buffers.
//
// A WQE is built from 16-byte segments: a control segment, an optional
// remote-address segment for RDMA opcodes, and a data segment (scatter
// entry or inline payload). When a remote-address segment is present the
// head occupies a full 64-byte basic block and the data segment starts in
// the next block; the entry then spans two basic blocks. All multi-byte
// fields are stored big-endian — the device consumes the bytes as written.
package wqe

import (
	"encoding/binary"

	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// BBSize is the basic block: the 64-byte granularity unit of the send
// queue.
const BBSize = 64

// Segment sizes.
const (
	CtrlSegSize  = 16
	RaddrSegSize = 16
	DataSegSize  = 16
)

// Send opcodes (hardware encodings).
const (
	OpcodeSend         uint8 = 0x0a
	OpcodeSendImm      uint8 = 0x0b
	OpcodeRDMAWrite    uint8 = 0x08
	OpcodeRDMAWriteImm uint8 = 0x09
	OpcodeRDMARead     uint8 = 0x10
)

// Control-segment fm_ce_se flags plus the inline construction flag.
const (
	FlagSignaled  uint32 = 0x08 // completion requested
	FlagSolicited uint32 = 0x02
	FlagFence     uint32 = 0x80
	FlagInline    uint32 = 0x100 // payload copied into the WQE, not a flag byte bit
)

// inlineMarker tags an inline data segment's byte count.
const inlineMarker = uint32(1) << 31

// SGE is a local scatter entry.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// Remote addresses an RDMA target.
type Remote struct {
	Addr uint64
	RKey uint32
}

// Params describes one send WQE.
type Params struct {
	Opcode uint8
	QPN    uint32
	PI     uint32 // producer index of the first basic block
	Local  SGE
	Remote *Remote // required for RDMA opcodes
	Imm    uint32  // used by *_WITH_IMM opcodes only
	Flags  uint32
	// Inline payload; used instead of Local when FlagInline is set.
	Payload []byte
}

func needsRemote(op uint8) bool {
	return op == OpcodeRDMAWrite || op == OpcodeRDMAWriteImm || op == OpcodeRDMARead
}

func hasImm(op uint8) bool {
	return op == OpcodeSendImm || op == OpcodeRDMAWriteImm
}

// Size returns the unpadded WQE size in bytes and the number of basic
// blocks it consumes.
func Size(p *Params) (bytes, numBB int) {
	head := CtrlSegSize
	if needsRemote(p.Opcode) {
		// The control + remote-address head fills out its basic block; the
		// data segment starts in the next one.
		head = BBSize
	}
	data := DataSegSize
	if p.Flags&FlagInline != 0 {
		data = 4 + len(p.Payload)
		if rem := data % DataSegSize; rem != 0 {
			data += DataSegSize - rem
		}
	}
	bytes = head + data
	numBB = (bytes + BBSize - 1) / BBSize
	return bytes, numBB
}

// Write formats one WQE into buf and returns the number of basic blocks
// consumed. buf must hold the unpadded WQE size; bytes beyond what the
// entry needs are left untouched, and no assumption is made about prior
// contents of the bytes it does write.
func Write(buf []byte, p *Params) (int, error) {
	if p == nil {
		return 0, rdmaerr.ErrInvalidArgument
	}
	if needsRemote(p.Opcode) && p.Remote == nil {
		return 0, rdmaerr.ErrInvalidArgument
	}

	size, numBB := Size(p)
	if len(buf) < size {
		return 0, rdmaerr.ErrInvalidArgument
	}

	ds := 1 + 1 // control + data
	if needsRemote(p.Opcode) {
		ds++
	}

	// Control segment.
	binary.BigEndian.PutUint32(buf[0:4], (p.PI&0xffff)<<8|uint32(p.Opcode))
	binary.BigEndian.PutUint32(buf[4:8], p.QPN<<8|uint32(ds))
	buf[8] = 0 // signature
	buf[9] = 0
	buf[10] = 0
	buf[11] = uint8(p.Flags & 0xff) // fm_ce_se
	if hasImm(p.Opcode) {
		binary.BigEndian.PutUint32(buf[12:16], p.Imm)
	} else {
		binary.BigEndian.PutUint32(buf[12:16], 0)
	}

	off := CtrlSegSize
	if needsRemote(p.Opcode) {
		binary.BigEndian.PutUint64(buf[off:off+8], p.Remote.Addr)
		binary.BigEndian.PutUint32(buf[off+8:off+12], p.Remote.RKey)
		binary.BigEndian.PutUint32(buf[off+12:off+16], 0)
		off = BBSize
	}

	if p.Flags&FlagInline != 0 {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(p.Payload))|inlineMarker)
		copy(buf[off+4:], p.Payload)
		return numBB, nil
	}

	binary.BigEndian.PutUint32(buf[off:off+4], p.Local.Length)
	binary.BigEndian.PutUint32(buf[off+4:off+8], p.Local.LKey)
	binary.BigEndian.PutUint64(buf[off+8:off+16], p.Local.Addr)
	return numBB, nil
}

// Parsed is one decoded WQE; the simulated device and tests read entries
// back with it.
type Parsed struct {
	Opcode   uint8
	Index    uint16
	QPN      uint32
	DS       uint8
	FmCeSe   uint8
	Imm      uint32
	Remote   *Remote
	Local    SGE
	Inline   []byte
	IsInline bool
	NumBB    int
}

// Parse decodes a WQE previously formatted by Write.
func Parse(buf []byte) (*Parsed, error) {
	if len(buf) < BBSize {
		return nil, rdmaerr.ErrInvalidArgument
	}
	w := &Parsed{}
	dw0 := binary.BigEndian.Uint32(buf[0:4])
	w.Opcode = uint8(dw0)
	w.Index = uint16(dw0 >> 8)
	dw1 := binary.BigEndian.Uint32(buf[4:8])
	w.QPN = dw1 >> 8
	w.DS = uint8(dw1 & 0x3f)
	w.FmCeSe = buf[11]
	w.Imm = binary.BigEndian.Uint32(buf[12:16])
	w.NumBB = 1

	off := CtrlSegSize
	if needsRemote(w.Opcode) {
		if len(buf) < BBSize+DataSegSize {
			return nil, rdmaerr.ErrInvalidArgument
		}
		w.Remote = &Remote{
			Addr: binary.BigEndian.Uint64(buf[16:24]),
			RKey: binary.BigEndian.Uint32(buf[24:28]),
		}
		off = BBSize
		w.NumBB = 2
	}

	bc := binary.BigEndian.Uint32(buf[off : off+4])
	if bc&inlineMarker != 0 {
		n := int(bc &^ inlineMarker)
		if off+4+n > len(buf) {
			return nil, rdmaerr.ErrInvalidArgument
		}
		w.IsInline = true
		w.Inline = buf[off+4 : off+4+n]
		w.Local.Length = uint32(n)
		return w, nil
	}
	w.Local = SGE{
		Length: bc,
		LKey:   binary.BigEndian.Uint32(buf[off+4 : off+8]),
		Addr:   binary.BigEndian.Uint64(buf[off+8 : off+16]),
	}
	return w, nil
}
