package device

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/devx"
	"github.com/piwi3910/rdmaio/internal/wqe"
)

// CQE field offsets within a 64-byte entry.
const (
	cqeByteCnt    = 44
	cqeTimestamp  = 48
	cqeVendorSyn  = 54
	cqeSyndrome   = 55
	cqeOpcodeQPN  = 56
	cqeWQECounter = 60
	cqeSignature  = 62
	cqeOpOwn      = 63
)

// ring processes the send queues of every QP bound to the rung UAR page.
// On hardware this work happens on the device; here it runs synchronously
// under the device lock.
func (s *Simulated) ring(pageID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, qp := range s.qps {
		if qp.uarPage == pageID {
			s.processSQ(qp)
		}
	}
}

func (s *Simulated) processSQ(qp *simQP) {
	dbr, ok := s.umems[qp.dbrUmem]
	if !ok {
		return
	}
	wq, ok := s.umems[qp.wqUmem]
	if !ok {
		return
	}

	pi := uint16(binary.BigEndian.Uint32(dbr.buf[SndDBR*4:]) & 0xffff)
	sqCap := uint16(1) << qp.logSQ
	rqBytes := (1 << qp.logRQ) * (16 << qp.logStride)
	sqOff := (rqBytes + wqe.BBSize - 1) &^ (wqe.BBSize - 1)

	for qp.hwBB != pi {
		slot := int(qp.hwBB % sqCap)
		entry := s.assembleWQE(wq.buf, sqOff, slot, int(sqCap))
		w, err := wqe.Parse(entry)
		if err != nil {
			log.Error().Uint32("qpn", qp.qpn).Err(err).Msg("simulated device: bad WQE")
			qp.state = devx.QPCStateErr
			s.writeErrCQE(qp, uint16(qp.hwBB), 0, synLocalProt)
			return
		}

		syn := s.executeWQE(qp, w)
		if syn != 0 {
			qp.state = devx.QPCStateErr
			s.writeErrCQE(qp, w.Index, w.Opcode, syn)
		} else if w.FmCeSe&uint8(wqe.FlagSignaled) != 0 {
			s.writeReqCQE(qp, w)
		}
		qp.hwBB += uint16(w.NumBB)
		qp.wqeExecuted++
	}
}

// assembleWQE returns a contiguous view of the WQE at slot, copying across
// the ring wrap when the entry spans the queue end.
func (s *Simulated) assembleWQE(buf []byte, sqOff, slot, sqCap int) []byte {
	first := buf[sqOff+slot*wqe.BBSize : sqOff+(slot+1)*wqe.BBSize]
	op := first[3]
	if op != wqe.OpcodeRDMAWrite && op != wqe.OpcodeRDMAWriteImm && op != wqe.OpcodeRDMARead {
		return first
	}
	next := (slot + 1) % sqCap
	entry := make([]byte, 2*wqe.BBSize)
	copy(entry, first)
	copy(entry[wqe.BBSize:], buf[sqOff+next*wqe.BBSize:sqOff+(next+1)*wqe.BBSize])
	return entry
}

// executeWQE performs the data movement for one entry. A zero return means
// success; otherwise the returned syndrome is reported through an error
// CQE and the QP enters the error state.
func (s *Simulated) executeWQE(qp *simQP, w *wqe.Parsed) uint8 {
	if qp.state != devx.QPCStateRts {
		return synWRFlush
	}

	var local []byte
	if w.IsInline {
		local = w.Inline
	} else {
		b, ok := s.resolve(w.Local.LKey, w.Local.Addr, uint64(w.Local.Length))
		if !ok {
			return synLocalProt
		}
		local = b
	}

	switch w.Opcode {
	case wqe.OpcodeSend, wqe.OpcodeSendImm:
		// Receive-side delivery is out of scope; the requester completes.
		return 0
	case wqe.OpcodeRDMAWrite, wqe.OpcodeRDMAWriteImm:
		remote, ok := s.resolve(w.Remote.RKey, w.Remote.Addr, uint64(w.Local.Length))
		if !ok {
			return synRemoteAccess
		}
		copy(remote, local)
		return 0
	case wqe.OpcodeRDMARead:
		remote, ok := s.resolve(w.Remote.RKey, w.Remote.Addr, uint64(w.Local.Length))
		if !ok {
			return synRemoteAccess
		}
		copy(local, remote)
		return 0
	default:
		return synLocalProt
	}
}

// resolve maps (key, addr, len) to the backing bytes of the registered
// region, or fails when the key is unknown or the range escapes it.
func (s *Simulated) resolve(key uint32, addr, length uint64) ([]byte, bool) {
	mk, ok := s.mkeys[key>>8]
	if !ok || mk.key != key {
		return nil, false
	}
	if addr < mk.start || addr+length > mk.start+mk.length {
		return nil, false
	}
	u, ok := s.umems[mk.umem]
	if !ok {
		return nil, false
	}
	off := addr - u.base
	if off+length > uint64(len(u.buf)) {
		return nil, false
	}
	return u.buf[off : off+length], true
}

func (s *Simulated) cqSlot(cq *simCQ) ([]byte, uint8) {
	u := s.umems[cq.umem]
	size := uint64(1) << cq.logSize
	slot := cq.produced % size
	owner := uint8(cq.produced / size & 1)
	return u.buf[slot*cqeSize : (slot+1)*cqeSize], owner
}

func (s *Simulated) writeReqCQE(qp *simQP, w *wqe.Parsed) {
	cq, ok := s.cqs[qp.cqnSnd]
	if !ok {
		return
	}
	e, owner := s.cqSlot(cq)
	for i := range e {
		e[i] = 0
	}
	s.tick++
	binary.BigEndian.PutUint32(e[cqeByteCnt:], w.Local.Length)
	binary.BigEndian.PutUint64(e[cqeTimestamp:], s.tick)
	binary.BigEndian.PutUint32(e[cqeOpcodeQPN:], uint32(w.Opcode)<<24|qp.qpn)
	binary.BigEndian.PutUint16(e[cqeWQECounter:], w.Index)
	e[cqeOpOwn] = cqeOpReq<<4 | owner
	cq.produced++
}

func (s *Simulated) writeErrCQE(qp *simQP, counter uint16, opcode, syndrome uint8) {
	cq, ok := s.cqs[qp.cqnSnd]
	if !ok {
		return
	}
	e, owner := s.cqSlot(cq)
	for i := range e {
		e[i] = 0
	}
	e[cqeVendorSyn] = cqeVendorSynd
	e[cqeSyndrome] = syndrome
	binary.BigEndian.PutUint32(e[cqeOpcodeQPN:], uint32(opcode)<<24|qp.qpn)
	binary.BigEndian.PutUint16(e[cqeWQECounter:], counter)
	e[cqeOpOwn] = cqeOpReqErr<<4 | owner
	cq.produced++
	log.Debug().Uint32("qpn", qp.qpn).Uint8("syndrome", syndrome).Msg("simulated device: error CQE")
}
