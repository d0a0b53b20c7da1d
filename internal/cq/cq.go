// Package cq owns the completion-queue ring: owner-bit parity tracking,
// consumer-index advance, error-CQE decoding, and the arm doorbell
// sequence.
package cq

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/devx"
	"github.com/piwi3910/rdmaio/internal/mmio"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// CQE geometry and opcode space.
const (
	CQESize = 64

	OpcodeReq          uint8 = 0x0
	OpcodeRespWriteImm uint8 = 0x1
	OpcodeRespSend     uint8 = 0x2
	OpcodeRespSendImm  uint8 = 0x3
	OpcodeReqErr       uint8 = 0xd
	OpcodeRespErr      uint8 = 0xe
	OpcodeInvalid      uint8 = 0xf
)

// Arm doorbell commands.
const (
	dbReqNot    uint32 = 0 << 24
	dbReqNotSol uint32 = 1 << 24
)

// defaultLogSize is used when the requested ring size is zero or exceeds
// the device maximum.
const defaultLogSize = 9

// Completion is one successfully reaped CQE.
type Completion struct {
	Opcode     uint8
	WQECounter uint16
	ByteCount  uint32
	Timestamp  uint64
}

// CQ is a completion queue backed by a registered umem ring.
type CQ struct {
	dev     device.Device
	lg      zerolog.Logger
	cqn     uint32
	logSize uint8
	ring    *device.Umem
	dbr     *device.Umem
	uar     *device.UAR
	ci      uint64
	armSN   uint32
}

// New creates a completion queue of 2^logSize entries. The ring, its
// doorbell record, and a UAR page are allocated here and owned by the CQ.
func New(dev device.Device, logSize uint8) (*CQ, error) {
	if logSize == 0 || logSize > dev.Caps().LogMaxCQSz {
		logSize = defaultLogSize
	}

	uar, err := dev.AllocUAR()
	if err != nil {
		return nil, fmt.Errorf("cq uar: %w", err)
	}
	dbr, err := dev.RegUmem(device.DoorbellRecordSize)
	if err != nil {
		return nil, fmt.Errorf("cq doorbell umem: %w", err)
	}
	entries := 1 << logSize
	ring, err := dev.RegUmem(entries * CQESize)
	if err != nil {
		return nil, fmt.Errorf("cq ring umem: %w", err)
	}

	// Seed every slot invalid, with the owner bit the hardware will flip
	// on its first lap.
	buf := ring.Bytes()
	for i := 0; i < entries; i++ {
		buf[i*CQESize+CQESize-1] = OpcodeInvalid<<4 | uint8(i>>logSize&1)
	}

	in := devx.New(devx.CreateCQIn)
	in.Set("opcode", uint64(devx.CmdCreateCQ))
	in.Set("cqc.log_cq_size", uint64(logSize))
	in.Set("cqc.cqe_sz", 0)
	in.Set("cqc.uar_page", uint64(uar.PageID()))
	in.Set("cqc.log_page_size", uint64(dev.LogPageSize()))
	in.Set("cqc.dbr_umem_valid", 1)
	in.Set("cqc.dbr_umem_id", uint64(dbr.ID()))
	in.Set("cq_umem_valid", 1)
	in.Set("cq_umem_id", uint64(ring.ID()))
	out := devx.New(devx.CreateCQOut)
	if err := dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return nil, err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return nil, &rdmaerr.DeviceError{Cmd: "CREATE_CQ", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}

	c := &CQ{
		dev:     dev,
		cqn:     uint32(out.Get("cqn")),
		logSize: logSize,
		ring:    ring,
		dbr:     dbr,
		uar:     uar,
	}
	c.lg = log.With().Uint32("cqn", c.cqn).Logger()
	c.lg.Debug().Uint8("log_cq_size", logSize).Msg("CQ created")
	return c, nil
}

// CQN returns the hardware completion queue number.
func (c *CQ) CQN() uint32 { return c.cqn }

// ConsumerIndex returns the unbounded consumer index.
func (c *CQ) ConsumerIndex() uint64 { return c.ci }

// Poll reaps at most one CQE. It never blocks. Returns (nil, nil) when no
// new entry is owned by software. An error CQE consumes its slot and is
// returned as *rdmaerr.CompletionError; the CQ stays usable.
func (c *CQ) Poll() (*Completion, error) {
	size := uint64(1) << c.logSize
	slot := c.ci % size
	e := c.ring.Bytes()[slot*CQESize : (slot+1)*CQESize]

	opOwn := e[CQESize-1]
	owner := opOwn & 1
	opcode := opOwn >> 4
	expected := uint8(c.ci / size & 1)

	if owner != expected || opcode == OpcodeInvalid {
		return nil, nil
	}

	if opcode == OpcodeReqErr || opcode == OpcodeRespErr {
		cerr := &rdmaerr.CompletionError{
			Opcode:         opcode,
			Syndrome:       e[55],
			VendorSyndrome: e[54],
			WQECounter:     binary.BigEndian.Uint16(e[60:62]),
		}
		c.advance()
		c.lg.Debug().Uint8("syndrome", cerr.Syndrome).Uint16("wqe_counter", cerr.WQECounter).
			Msg("error CQE")
		return nil, cerr
	}

	comp := &Completion{
		Opcode:     opcode,
		ByteCount:  binary.BigEndian.Uint32(e[44:48]),
		Timestamp:  binary.BigEndian.Uint64(e[48:56]),
		WQECounter: binary.BigEndian.Uint16(e[60:62]),
	}
	c.advance()
	return comp, nil
}

// advance consumes the current slot and publishes the new consumer index
// to the doorbell record with a full fence.
func (c *CQ) advance() {
	c.ci++
	mmio.ToDeviceFence()
	mmio.WriteCQDoorbellRecord(c.dbr.Bytes()[device.CQSetCIDB*4:], uint32(c.ci)&0xffffff)
	mmio.WCFence()
}

// Arm requests a completion event: it bumps the 4-bit arm sequence, writes
// the arm word to the doorbell record, and rings the CQ doorbell register.
func (c *CQ) Arm(solicitedOnly bool) error {
	sn := c.armSN & 3
	c.armSN++

	cmd := dbReqNot
	if solicitedOnly {
		cmd = dbReqNotSol
	}
	armWord := sn<<28 | cmd | uint32(c.ci)&0xffffff

	mmio.WriteCQDoorbellRecord(c.dbr.Bytes()[device.CQArmDB*4:], armWord)
	mmio.FlushWrites()
	mmio.Write64BE(c.uar.Reg(device.UARCQDoorbell), uint64(armWord)<<32|uint64(c.cqn))
	mmio.WCFence()
	return nil
}

// Destroy tears the queue down and releases its resources.
func (c *CQ) Destroy() error {
	in := devx.New(devx.DestroyCQIn)
	in.Set("opcode", uint64(devx.CmdDestroyCQ))
	in.Set("cqn", uint64(c.cqn))
	out := devx.New(devx.DestroyCQOut)
	if err := c.dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return &rdmaerr.DeviceError{Cmd: "DESTROY_CQ", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}
	_ = c.dev.DeregUmem(c.ring)
	_ = c.dev.DeregUmem(c.dbr)
	_ = c.dev.FreeUAR(c.uar)
	c.lg.Debug().Msg("CQ destroyed")
	return nil
}
