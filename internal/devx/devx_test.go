package devx

import (
	"encoding/binary"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(CreateQPIn)
	c.Set("opcode", uint64(CmdCreateQP))
	c.Set("qpc.pd", 0x1234)
	c.Set("qpc.log_sq_size", 7)
	c.Set("qpc.log_rq_size", 6)
	c.Set("qpc.log_rq_stride", 2)
	c.Set("qpc.dbr_umem_valid", 1)
	c.Set("wq_umem_id", 0xdeadbeef)

	if got := c.Get("opcode"); got != uint64(CmdCreateQP) {
		t.Errorf("opcode = 0x%x", got)
	}
	if got := c.Get("qpc.pd"); got != 0x1234 {
		t.Errorf("pd = 0x%x", got)
	}
	if got := c.Get("qpc.log_sq_size"); got != 7 {
		t.Errorf("log_sq_size = %d", got)
	}
	if got := c.Get("qpc.log_rq_size"); got != 6 {
		t.Errorf("log_rq_size = %d", got)
	}
	if got := c.Get("wq_umem_id"); got != 0xdeadbeef {
		t.Errorf("wq_umem_id = 0x%x", got)
	}
}

func TestSetDoesNotClobberSiblings(t *testing.T) {
	// All these fields share dword 0x14 of the qpc.
	c := New(CreateQPIn)
	c.Set("qpc.mtu", 5)
	c.Set("qpc.log_msg_max", 30)
	c.Set("qpc.log_rq_size", 6)
	c.Set("qpc.log_rq_stride", 2)
	c.Set("qpc.log_sq_size", 7)
	c.Set("qpc.log_rra_max", 4)
	c.Set("qpc.log_page_size", 12)

	checks := map[string]uint64{
		"qpc.mtu":           5,
		"qpc.log_msg_max":   30,
		"qpc.log_rq_size":   6,
		"qpc.log_rq_stride": 2,
		"qpc.log_sq_size":   7,
		"qpc.log_rra_max":   4,
		"qpc.log_page_size": 12,
	}
	for path, want := range checks {
		if got := c.Get(path); got != want {
			t.Errorf("%s = %d, want %d", path, got, want)
		}
	}
}

func TestQuadAndBlob(t *testing.T) {
	c := New(CreateMkeyIn)
	c.Set("memory_key_mkey_entry.start_addr", 0x7f52deadbeef0000)
	if got := c.Get("memory_key_mkey_entry.start_addr"); got != 0x7f52deadbeef0000 {
		t.Errorf("start_addr = 0x%x", got)
	}

	q := New(Init2RtrQPIn)
	gid := make([]byte, 16)
	for i := range gid {
		gid[i] = byte(i + 1)
	}
	q.SetBytes("qpc.primary_address_path.rgid_rip", gid)
	got := q.GetBytes("qpc.primary_address_path.rgid_rip")
	for i := range gid {
		if got[i] != gid[i] {
			t.Fatalf("rgid_rip[%d] = %d, want %d", i, got[i], gid[i])
		}
	}
}

func TestOpcodeHeader(t *testing.T) {
	c := New(QueryQPIn)
	c.Set("opcode", uint64(CmdQueryQP))
	if got := Opcode(c.Bytes()); got != CmdQueryQP {
		t.Errorf("Opcode = 0x%x, want 0x%x", got, CmdQueryQP)
	}
}

func TestStatusSyndrome(t *testing.T) {
	out := make([]byte, 0x10)
	SetStatus(out, 0x10, 0x57a002)
	if Status(out) != 0x10 {
		t.Errorf("Status = 0x%x", Status(out))
	}
	if Syndrome(out) != 0x57a002 {
		t.Errorf("Syndrome = 0x%x", Syndrome(out))
	}
}

func TestUnknownPathPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Set on an unknown path must panic")
		}
	}()
	New(CreateQPIn).Set("qpc.no_such_field", 1)
}

func TestBigEndianDwordEncoding(t *testing.T) {
	c := New(QueryQPIn)
	c.Set("opcode", uint64(CmdQueryQP))
	// The opcode occupies bits 31:16 of the first big-endian dword.
	if dw := binary.BigEndian.Uint32(c.Bytes()[:4]); dw != uint32(CmdQueryQP)<<16 {
		t.Errorf("header dword = 0x%x", dw)
	}
}
