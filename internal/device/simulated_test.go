package device

import (
	"testing"

	"github.com/piwi3910/rdmaio/internal/devx"
)

func TestSimulatedCaps(t *testing.T) {
	dev := NewSimulated("rdmasim0")
	defer dev.Close()

	caps := dev.Caps()
	if caps.LogMaxMsg == 0 || caps.LogMaxCQSz == 0 {
		t.Errorf("capabilities not populated: %+v", caps)
	}

	out := devx.New(devx.QueryHCACapOut)
	in := devx.New(devx.QueryHCACapIn)
	in.Set("opcode", uint64(devx.CmdQueryHCACap))
	if err := dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		t.Fatalf("QUERY_HCA_CAP failed: %v", err)
	}
	if got := out.Get("capability.log_max_msg"); got != uint64(caps.LogMaxMsg) {
		t.Errorf("log_max_msg = %d, want %d", got, caps.LogMaxMsg)
	}
}

func TestSimulatedPort(t *testing.T) {
	dev := NewSimulated("rdmasim0")
	defer dev.Close()

	port, err := dev.Port(1)
	if err != nil {
		t.Fatalf("Port failed: %v", err)
	}
	if port.LinkLayer != LinkLayerEthernet {
		t.Errorf("default link layer = %s, want ethernet", port.LinkLayer)
	}
	if port.GID == ([16]byte{}) {
		t.Error("port GID not populated")
	}

	if _, err := dev.Port(2); err == nil {
		t.Error("port 2 must not exist on a single-port device")
	}

	ib := NewSimulated("rdmasim1", WithLinkLayer(LinkLayerInfiniBand))
	defer ib.Close()
	port, _ = ib.Port(1)
	if port.LinkLayer != LinkLayerInfiniBand {
		t.Error("WithLinkLayer not applied")
	}
}

func TestCreateQPRejectsUnknownResources(t *testing.T) {
	dev := NewSimulated("rdmasim0")
	defer dev.Close()

	in := devx.New(devx.CreateQPIn)
	in.Set("opcode", uint64(devx.CmdCreateQP))
	in.Set("qpc.st", devx.QPCStRC)
	in.Set("wq_umem_valid", 1)
	in.Set("wq_umem_id", 0xbad)
	in.Set("qpc.dbr_umem_valid", 1)
	in.Set("qpc.dbr_umem_id", 0xbad)
	out := devx.New(devx.CreateQPOut)
	if err := dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if devx.Status(out.Bytes()) == 0 {
		t.Error("CREATE_QP with unknown umems must fail")
	}
	if devx.Syndrome(out.Bytes()) == 0 {
		t.Error("failed command must carry a syndrome")
	}
}

func TestModifyQPStateOrder(t *testing.T) {
	dev := NewSimulated("rdmasim0")
	defer dev.Close()

	pd, _ := dev.AllocPD()
	wq, _ := dev.RegUmem(4096)
	dbr, _ := dev.RegUmem(64)
	uar, _ := dev.AllocUAR()

	in := devx.New(devx.CreateQPIn)
	in.Set("opcode", uint64(devx.CmdCreateQP))
	in.Set("qpc.st", devx.QPCStRC)
	in.Set("qpc.pd", uint64(pd.PDN()))
	in.Set("qpc.uar_page", uint64(uar.PageID()))
	in.Set("qpc.log_sq_size", 4)
	in.Set("qpc.log_rq_size", 2)
	in.Set("qpc.log_rq_stride", 2)
	in.Set("wq_umem_valid", 1)
	in.Set("wq_umem_id", uint64(wq.ID()))
	in.Set("qpc.dbr_umem_valid", 1)
	in.Set("qpc.dbr_umem_id", uint64(dbr.ID()))
	out := devx.New(devx.CreateQPOut)
	if err := dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if devx.Status(out.Bytes()) != 0 {
		t.Fatalf("CREATE_QP syndrome 0x%x", devx.Syndrome(out.Bytes()))
	}
	qpn := out.Get("qpn")
	if qpn == 0 || qpn > 0xffffff {
		t.Fatalf("qpn = 0x%x, want 24-bit nonzero", qpn)
	}

	// INIT2RTR straight from RESET must fail with a bad-state syndrome.
	rtr := devx.New(devx.Init2RtrQPIn)
	rtr.Set("opcode", uint64(devx.CmdInit2RtrQP))
	rtr.Set("qpn", qpn)
	mout := devx.New(devx.Init2RtrQPOut)
	if err := dev.Exec(rtr.Bytes(), mout.Bytes()); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if devx.Status(mout.Bytes()) == 0 {
		t.Error("INIT2RTR from RESET must fail")
	}
}

func TestResolveAVDerivesMAC(t *testing.T) {
	dev := NewSimulated("rdmasim0")
	defer dev.Close()

	var gid [16]byte
	copy(gid[:], []byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0x02, 0x11, 0x22, 0xff, 0xfe, 0x33, 0x44, 0x55})
	av, err := dev.ResolveAV(&AHAttr{IsGlobal: true, GRH: GlobalRoute{DGID: gid, HopLimit: 1}})
	if err != nil {
		t.Fatalf("ResolveAV failed: %v", err)
	}
	want := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	if av.RMAC != want {
		t.Errorf("RMAC = %x, want %x", av.RMAC, want)
	}
	if av.RGID != gid {
		t.Error("RGID must mirror the DGID")
	}
	if av.HopLimit != 1 {
		t.Errorf("HopLimit = %d, want 1", av.HopLimit)
	}
}

func TestUmemAddressesAreDisjoint(t *testing.T) {
	dev := NewSimulated("rdmasim0")
	defer dev.Close()

	a, err := dev.RegUmem(4096)
	if err != nil {
		t.Fatalf("RegUmem failed: %v", err)
	}
	b, err := dev.RegUmem(4096)
	if err != nil {
		t.Fatalf("RegUmem failed: %v", err)
	}
	if a.ID() == b.ID() {
		t.Error("umem ids must be unique")
	}
	if a.Base()+uint64(a.Size()) > b.Base() && b.Base()+uint64(b.Size()) > a.Base() {
		t.Error("umem address ranges overlap")
	}
}

func TestHostDiscovery(t *testing.T) {
	names := List()
	if len(names) == 0 {
		t.Fatal("no devices discovered")
	}

	dev, err := Open("rdmasim0")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()
	if dev.Name() != "rdmasim0" {
		t.Errorf("device name = %q", dev.Name())
	}

	if _, err := Open("mlx5_99"); err == nil {
		t.Error("opening an unknown device must fail")
	}
}
