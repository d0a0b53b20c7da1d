package mmio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWriteDoorbellRecord(t *testing.T) {
	rec := make([]byte, 8)
	WriteDoorbellRecord(rec, 0x12345)

	// Only the low 16 bits survive, stored big-endian.
	if got := binary.BigEndian.Uint32(rec[:4]); got != 0x2345 {
		t.Errorf("doorbell record = 0x%x, want 0x2345", got)
	}
}

func TestWrite64PreservesDeviceOrder(t *testing.T) {
	reg := make([]byte, 8)
	ctrl := []byte{0x00, 0x00, 0x07, 0x0a, 0x00, 0x12, 0x34, 0x03}
	Write64(reg, ctrl)

	if !bytes.Equal(reg, ctrl) {
		t.Errorf("register bytes %x, want %x", reg, ctrl)
	}
}

func TestWrite64BE(t *testing.T) {
	reg := make([]byte, 8)
	Write64BE(reg, 0x0102030405060708)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(reg, want) {
		t.Errorf("register bytes %x, want %x", reg, want)
	}
}

func TestRingDoorbell(t *testing.T) {
	dbrec := make([]byte, 8)
	reg := make([]byte, 8)
	ctrl := make([]byte, 64)
	for i := range ctrl {
		ctrl[i] = byte(i)
	}

	RingDoorbell(dbrec, 0x1000a, reg, ctrl)

	if got := binary.BigEndian.Uint32(dbrec[:4]); got != 0x000a {
		t.Errorf("doorbell record = 0x%x, want 0xa", got)
	}
	if !bytes.Equal(reg, ctrl[:8]) {
		t.Error("UAR register must hold the first 8 bytes of the control segment")
	}
}

func TestBlueFlameCopyWrap(t *testing.T) {
	queue := make([]byte, 4*64)
	for i := range queue {
		queue[i] = byte(i % 251)
	}
	bf := make([]byte, 256)

	// A 2-block WQE starting in the last slot wraps to slot 0.
	BlueFlameCopy(bf, queue, 3*64, 128)

	if !bytes.Equal(bf[:64], queue[3*64:]) {
		t.Error("first block mismatch")
	}
	if !bytes.Equal(bf[64:128], queue[:64]) {
		t.Error("wrapped block mismatch")
	}
}
