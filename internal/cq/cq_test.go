package cq

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

func newCQ(t *testing.T, logSize uint8) *CQ {
	t.Helper()
	dev := device.NewSimulated("rdmasim0")
	c, err := New(dev, logSize)
	if err != nil {
		t.Fatalf("cq.New failed: %v", err)
	}
	return c
}

// seed writes a CQE by hand, the way the device would on lap `lap`.
func (c *CQ) seed(slot uint64, lap uint64, opcode uint8, byteCnt uint32, counter uint16, syndrome uint8) {
	e := c.ring.Bytes()[slot*CQESize : (slot+1)*CQESize]
	for i := range e {
		e[i] = 0
	}
	binary.BigEndian.PutUint32(e[44:48], byteCnt)
	binary.BigEndian.PutUint64(e[48:56], 0x1000+lap)
	binary.BigEndian.PutUint16(e[60:62], counter)
	e[55] = syndrome
	e[CQESize-1] = opcode<<4 | uint8(lap&1)
}

func TestRingSeededInvalid(t *testing.T) {
	c := newCQ(t, 2)
	buf := c.ring.Bytes()
	for i := 0; i < 4; i++ {
		if buf[i*CQESize+CQESize-1] != OpcodeInvalid<<4 {
			t.Errorf("slot %d op_own = 0x%x, want 0x%x", i, buf[i*CQESize+CQESize-1], OpcodeInvalid<<4)
		}
	}
}

func TestPollEmpty(t *testing.T) {
	c := newCQ(t, 2)
	comp, err := c.Poll()
	if err != nil || comp != nil {
		t.Errorf("poll on fresh CQ: comp=%v err=%v", comp, err)
	}
	if c.ConsumerIndex() != 0 {
		t.Error("empty poll must not advance the consumer index")
	}
}

func TestPollCompletionAdvancesAndRingsDoorbell(t *testing.T) {
	c := newCQ(t, 2)
	c.seed(0, 0, OpcodeReq, 18, 7, 0)

	comp, err := c.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if comp == nil {
		t.Fatal("expected a completion")
	}
	if comp.ByteCount != 18 || comp.WQECounter != 7 {
		t.Errorf("completion = %+v", comp)
	}
	if c.ConsumerIndex() != 1 {
		t.Errorf("ci = %d, want 1", c.ConsumerIndex())
	}

	dbrec := c.dbr.Bytes()[device.CQSetCIDB*4 : device.CQSetCIDB*4+4]
	if got := binary.BigEndian.Uint32(dbrec); got != 1 {
		t.Errorf("CQ doorbell record = %d, want 1", got)
	}
}

func TestPollStaleOwnerIgnored(t *testing.T) {
	c := newCQ(t, 2)
	// Entry written with lap-1 owner parity: not yet valid for lap 0 is
	// wrong-parity only after a full lap, so fake a stale entry.
	c.seed(0, 1, OpcodeReq, 8, 0, 0)
	if comp, err := c.Poll(); err != nil || comp != nil {
		t.Errorf("stale-owner entry must be ignored: comp=%v err=%v", comp, err)
	}
}

func TestPollErrorCQE(t *testing.T) {
	c := newCQ(t, 2)
	c.seed(0, 0, OpcodeReqErr, 0, 3, 0x13)

	comp, err := c.Poll()
	if comp != nil {
		t.Fatal("error CQE must not yield a completion")
	}
	var cerr *rdmaerr.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
	if cerr.Syndrome != 0x13 || cerr.WQECounter != 3 {
		t.Errorf("decoded error = %+v", cerr)
	}
	// The slot is consumed.
	if c.ConsumerIndex() != 1 {
		t.Errorf("ci = %d, want 1 after error CQE", c.ConsumerIndex())
	}
}

func TestOwnerBitFlipsOnWrap(t *testing.T) {
	c := newCQ(t, 2)

	// First lap: owner bit 0.
	for i := uint64(0); i < 4; i++ {
		c.seed(i, 0, OpcodeReq, 8, uint16(i), 0)
		if comp, err := c.Poll(); err != nil || comp == nil {
			t.Fatalf("lap-0 poll %d: comp=%v err=%v", i, comp, err)
		}
	}
	// Second lap: slot 0 again, owner bit 1.
	c.seed(0, 1, OpcodeReq, 8, 4, 0)
	comp, err := c.Poll()
	if err != nil || comp == nil {
		t.Fatalf("wrap poll: comp=%v err=%v", comp, err)
	}
	if comp.WQECounter != 4 {
		t.Errorf("wrapped completion counter = %d, want 4", comp.WQECounter)
	}
	if c.ConsumerIndex() != 5 {
		t.Errorf("ci = %d, want 5", c.ConsumerIndex())
	}
}

func TestArmDoorbellSequence(t *testing.T) {
	c := newCQ(t, 2)
	c.ci = 5

	if err := c.Arm(false); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	armRec := binary.BigEndian.Uint32(c.dbr.Bytes()[device.CQArmDB*4 : device.CQArmDB*4+4])
	if armRec != 5 { // sn=0, REQ_NOT, ci=5
		t.Errorf("arm record = 0x%x, want 0x5", armRec)
	}

	reg := c.uar.Reg(device.UARCQDoorbell)
	hi := binary.BigEndian.Uint32(reg[0:4])
	lo := binary.BigEndian.Uint32(reg[4:8])
	if hi != armRec || lo != c.cqn {
		t.Errorf("UAR doorbell = %x/%x, want %x/%x", hi, lo, armRec, c.cqn)
	}

	// Arm sequence increments mod 4 and REQ_NOT_SOL sets bit 24.
	if err := c.Arm(true); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	armRec = binary.BigEndian.Uint32(c.dbr.Bytes()[device.CQArmDB*4 : device.CQArmDB*4+4])
	if armRec != 1<<28|1<<24|5 {
		t.Errorf("second arm record = 0x%x", armRec)
	}
}
