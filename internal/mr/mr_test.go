package mr

import (
	"errors"
	"testing"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

func TestRegisterAndDestroy(t *testing.T) {
	dev := device.NewSimulated("rdmasim0")
	defer dev.Close()

	pd, err := dev.AllocPD()
	if err != nil {
		t.Fatalf("AllocPD failed: %v", err)
	}

	m, err := New(dev, pd, 8192)
	if err != nil {
		t.Fatalf("mr.New failed: %v", err)
	}
	if m.LKey() == 0 || m.LKey() != m.RKey() {
		t.Errorf("keys: lkey=0x%x rkey=0x%x", m.LKey(), m.RKey())
	}
	if m.LKey()&0xff != 0xef {
		t.Errorf("user-space key variant = 0x%x, want 0xef", m.LKey()&0xff)
	}
	if m.Length() != 8192 || len(m.Bytes()) != 8192 {
		t.Error("region length mismatch")
	}
	if m.Addr() == 0 {
		t.Error("region address not assigned")
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
}

func TestRegisterInvalidArgs(t *testing.T) {
	dev := device.NewSimulated("rdmasim0")
	defer dev.Close()

	if _, err := New(dev, nil, 4096); !errors.Is(err, rdmaerr.ErrInvalidArgument) {
		t.Errorf("nil pd: got %v", err)
	}
	pd, _ := dev.AllocPD()
	if _, err := New(dev, pd, 0); !errors.Is(err, rdmaerr.ErrInvalidArgument) {
		t.Errorf("zero length: got %v", err)
	}
}
