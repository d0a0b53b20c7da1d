package qp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/piwi3910/rdmaio/internal/cq"
	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/mr"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
	"github.com/piwi3910/rdmaio/internal/wqe"
)

type rig struct {
	dev *device.Simulated
	qp  *QP
	cq  *cq.CQ
	mr  *mr.MR
}

func newRig(t *testing.T, sqSize uint16, logCQ uint8) *rig {
	t.Helper()
	dev := device.NewSimulated("rdmasim0")

	pd, err := dev.AllocPD()
	if err != nil {
		t.Fatalf("AllocPD failed: %v", err)
	}
	compQ, err := cq.New(dev, logCQ)
	if err != nil {
		t.Fatalf("cq.New failed: %v", err)
	}

	const rqSize, logStride = 4, 2
	rqBytes := rqSize * (16 << logStride)
	wqUmem, err := dev.RegUmem(rqBytes + int(sqSize)*wqe.BBSize)
	if err != nil {
		t.Fatalf("RegUmem failed: %v", err)
	}
	dbrUmem, err := dev.RegUmem(device.DoorbellRecordSize)
	if err != nil {
		t.Fatalf("RegUmem failed: %v", err)
	}
	uar, err := dev.AllocUAR()
	if err != nil {
		t.Fatalf("AllocUAR failed: %v", err)
	}

	queue, err := New(dev, &CreateParams{
		PD:          pd,
		CQN:         compQ.CQN(),
		SQSize:      sqSize,
		RQSize:      rqSize,
		LogRQStride: logStride,
		MaxRDAtomic: 1,
		UAR:         uar,
		WQUmem:      wqUmem,
		DBRUmem:     dbrUmem,
	})
	if err != nil {
		t.Fatalf("qp.New failed: %v", err)
	}

	region, err := mr.New(dev, pd, 4096)
	if err != nil {
		t.Fatalf("mr.New failed: %v", err)
	}
	return &rig{dev: dev, qp: queue, cq: compQ, mr: region}
}

// toRTS drives the QP through INIT and RTR to RTS, connected to itself.
func (r *rig) toRTS(t *testing.T) {
	t.Helper()
	port, err := r.dev.Port(1)
	if err != nil {
		t.Fatalf("Port failed: %v", err)
	}
	params := &ConnParams{
		MTU:        port.ActiveMTU,
		PortNum:    1,
		RetryCount: 7,
		RnrRetry:   7,
		MinRnrTO:   12,
		RemoteQPN:  r.qp.QPN(),
		RemoteAH: &device.AHAttr{
			IsGlobal: true,
			DLID:     4791,
			PortNum:  1,
			GRH:      device.GlobalRoute{DGID: port.GID, HopLimit: 64},
		},
	}
	if err := r.qp.Rst2Init(params); err != nil {
		t.Fatalf("Rst2Init failed: %v", err)
	}
	if err := r.qp.Init2Rtr(params); err != nil {
		t.Fatalf("Init2Rtr failed: %v", err)
	}
	if err := r.qp.Rtr2Rts(params); err != nil {
		t.Fatalf("Rtr2Rts failed: %v", err)
	}
}

// drain polls one completion and reclaims the send-queue space it frees.
func (r *rig) drain(t *testing.T) *cq.Completion {
	t.Helper()
	comp, err := r.cq.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if comp != nil {
		r.qp.Reclaim(comp.WQECounter)
	}
	return comp
}

func (r *rig) sge(length uint32) wqe.SGE {
	return wqe.SGE{Addr: r.mr.Addr(), Length: length, LKey: r.mr.LKey()}
}

func TestStateMachineWalk(t *testing.T) {
	r := newRig(t, 16, 4)

	if r.qp.State() != StateReset {
		t.Fatalf("fresh QP state = %s, want RESET", r.qp.State())
	}
	if r.qp.RemoteAH() != nil {
		t.Error("remote AH must be nil before RTR")
	}

	r.toRTS(t)
	if r.qp.State() != StateRTS {
		t.Fatalf("state = %s, want RTS", r.qp.State())
	}
	if r.qp.RemoteAH() == nil {
		t.Error("remote AH must be cached in RTS")
	}

	hw, err := r.qp.QueryState()
	if err != nil {
		t.Fatalf("QueryState failed: %v", err)
	}
	if hw != StateRTS {
		t.Errorf("hardware state = %s, want RTS", hw)
	}

	if err := r.qp.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
}

func TestTransitionOrderEnforced(t *testing.T) {
	r := newRig(t, 16, 4)

	params := &ConnParams{PortNum: 1}
	if err := r.qp.Rtr2Rts(params); !errors.Is(err, rdmaerr.ErrInvalidState) {
		t.Errorf("RTR2RTS from RESET: got %v, want ErrInvalidState", err)
	}
	if err := r.qp.Rst2Init(params); err != nil {
		t.Fatalf("Rst2Init failed: %v", err)
	}
	if err := r.qp.Rst2Init(params); !errors.Is(err, rdmaerr.ErrInvalidState) {
		t.Errorf("second RST2INIT: got %v, want ErrInvalidState", err)
	}
}

func TestPostInInitRejected(t *testing.T) {
	r := newRig(t, 16, 4)
	if err := r.qp.Rst2Init(&ConnParams{PortNum: 1}); err != nil {
		t.Fatalf("Rst2Init failed: %v", err)
	}

	_, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled)
	if !errors.Is(err, rdmaerr.ErrInvalidState) {
		t.Fatalf("post in INIT: got %v, want ErrInvalidState", err)
	}

	// The doorbell record must still read zero.
	dbrec := r.qp.dbr.Bytes()[device.SndDBR*4 : device.SndDBR*4+4]
	if binary.BigEndian.Uint32(dbrec) != 0 {
		t.Error("doorbell record changed by a rejected post")
	}
	if r.qp.ProducerIndex() != 0 {
		t.Error("producer index advanced by a rejected post")
	}
}

func TestDoorbellEqualsProducerIndex(t *testing.T) {
	r := newRig(t, 16, 4)
	r.toRTS(t)

	for i := 0; i < 3; i++ {
		if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); err != nil {
			t.Fatalf("PostSend %d failed: %v", i, err)
		}
		dbrec := r.qp.dbr.Bytes()[device.SndDBR*4 : device.SndDBR*4+4]
		if got := binary.BigEndian.Uint32(dbrec); got != r.qp.ProducerIndex()&0xffff {
			t.Fatalf("doorbell record = %d, want %d", got, r.qp.ProducerIndex())
		}
	}
}

func TestLoopbackWrite(t *testing.T) {
	r := newRig(t, 16, 4)
	r.toRTS(t)

	payload := []byte("Hello from test-1\x00")
	src := r.mr
	copy(src.Bytes(), payload)

	// Write to the upper half of the same registered region.
	dstOff := uint64(2048)
	wrID, err := r.qp.PostWrite(
		wqe.SGE{Addr: src.Addr(), Length: uint32(len(payload)), LKey: src.LKey()},
		wqe.Remote{Addr: src.Addr() + dstOff, RKey: src.RKey()},
		wqe.FlagSignaled,
	)
	if err != nil {
		t.Fatalf("PostWrite failed: %v", err)
	}
	if wrID != 0 {
		t.Errorf("first wr_id = %d, want 0", wrID)
	}
	if r.qp.ProducerIndex() != 2 {
		t.Errorf("sq_pi = %d, want 2 (head + data block)", r.qp.ProducerIndex())
	}

	comp := r.drain(t)
	if comp == nil {
		t.Fatal("no completion for signaled write")
	}
	if comp.ByteCount < uint32(len(payload)) {
		t.Errorf("byte_count = %d, want >= %d", comp.ByteCount, len(payload))
	}
	if r.cq.ConsumerIndex() != 1 {
		t.Errorf("cq_ci = %d, want 1", r.cq.ConsumerIndex())
	}
	if !bytes.Equal(src.Bytes()[dstOff:dstOff+uint64(len(payload))], payload) {
		t.Error("destination bytes differ from source")
	}
}

func TestCapacityExhaustion(t *testing.T) {
	r := newRig(t, 4, 4)
	r.toRTS(t)

	for i := 0; i < 4; i++ {
		if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); err != nil {
			t.Fatalf("PostSend %d failed: %v", i, err)
		}
	}

	_, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled)
	if !errors.Is(err, rdmaerr.ErrBackpressure) {
		t.Fatalf("fifth post: got %v, want ErrBackpressure", err)
	}

	if comp := r.drain(t); comp == nil {
		t.Fatal("expected a completion to drain")
	}
	if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); err != nil {
		t.Fatalf("post after drain failed: %v", err)
	}
}

func TestBackpressureBoundary(t *testing.T) {
	r := newRig(t, 4, 4)
	r.toRTS(t)

	// Fill to one free basic block.
	for i := 0; i < 3; i++ {
		if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); err != nil {
			t.Fatalf("PostSend %d failed: %v", i, err)
		}
	}

	// A 2-block WQE must not fit.
	_, err := r.qp.PostWrite(r.sge(8), wqe.Remote{Addr: r.mr.Addr(), RKey: r.mr.RKey()}, wqe.FlagSignaled)
	if !errors.Is(err, rdmaerr.ErrBackpressure) {
		t.Fatalf("2-BB post with 1 free block: got %v, want ErrBackpressure", err)
	}

	// A 1-block WQE must.
	if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); err != nil {
		t.Fatalf("1-BB post with 1 free block failed: %v", err)
	}
}

func TestPollWrapAroundOwnerBit(t *testing.T) {
	r := newRig(t, 16, 2) // CQ ring of 4 entries
	r.toRTS(t)

	polled := 0
	for round := 0; round < 2; round++ {
		for i := 0; i < 3; i++ {
			if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); err != nil {
				t.Fatalf("PostSend failed: %v", err)
			}
		}
		for i := 0; i < 3; i++ {
			if comp := r.drain(t); comp == nil {
				t.Fatalf("poll %d returned nothing", polled)
			}
			polled++
		}
	}

	if polled != 6 {
		t.Fatalf("reaped %d completions, want 6", polled)
	}
	if r.cq.ConsumerIndex() != 6 {
		t.Errorf("cq_ci = %d, want 6", r.cq.ConsumerIndex())
	}
	if comp := r.drain(t); comp != nil {
		t.Error("seventh poll must return nothing")
	}
}

func TestCompletionErrorMovesQPToErr(t *testing.T) {
	r := newRig(t, 16, 4)
	r.toRTS(t)

	_, err := r.qp.PostWrite(r.sge(8), wqe.Remote{Addr: r.mr.Addr(), RKey: 0xdead00ef}, wqe.FlagSignaled)
	if err != nil {
		t.Fatalf("PostWrite failed: %v", err)
	}

	_, err = r.cq.Poll()
	var cerr *rdmaerr.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
	if cerr.Syndrome == 0 {
		t.Error("error CQE must carry a syndrome")
	}
	if cerr.WQECounter != 0 {
		t.Errorf("wqe_counter = %d, want 0", cerr.WQECounter)
	}

	// The device moved the QP to ERR; mirror it and verify.
	r.qp.MarkErr()
	hw, qerr := r.qp.QueryState()
	if qerr != nil {
		t.Fatalf("QueryState failed: %v", qerr)
	}
	if hw != StateErr {
		t.Errorf("hardware state = %s, want ERR", hw)
	}
	if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); !errors.Is(err, rdmaerr.ErrInvalidState) {
		t.Errorf("post in ERR: got %v, want ErrInvalidState", err)
	}

	// The CQ remains usable.
	if comp, err := r.cq.Poll(); err != nil || comp != nil {
		t.Errorf("CQ poll after error: comp=%v err=%v", comp, err)
	}
}

func TestQueryCounters(t *testing.T) {
	r := newRig(t, 16, 4)
	r.toRTS(t)

	for i := 0; i < 2; i++ {
		if _, err := r.qp.PostSend(r.sge(8), wqe.FlagSignaled); err != nil {
			t.Fatalf("PostSend failed: %v", err)
		}
	}
	hw, sw, err := r.qp.QueryCounters()
	if err != nil {
		t.Fatalf("QueryCounters failed: %v", err)
	}
	if hw != 2 {
		t.Errorf("hw wqebb counter = %d, want 2", hw)
	}
	if sw != 2 {
		t.Errorf("sw counter = %d, want 2", sw)
	}
}
