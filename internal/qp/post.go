package qp

import (
	"fmt"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/metrics"
	"github.com/piwi3910/rdmaio/internal/mmio"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
	"github.com/piwi3910/rdmaio/internal/wqe"
)

func opcodeName(op uint8) string {
	switch op {
	case wqe.OpcodeSend:
		return "send"
	case wqe.OpcodeSendImm:
		return "send_imm"
	case wqe.OpcodeRDMAWrite:
		return "write"
	case wqe.OpcodeRDMAWriteImm:
		return "write_imm"
	case wqe.OpcodeRDMARead:
		return "read"
	default:
		return "unknown"
	}
}

// Post formats one send WQE into the next send-queue slot, publishes it
// through the doorbell sequence, and advances the producer index. Posts on
// one QP are ordered by the order the calls complete; the queue pair must
// be in RTS.
func (q *QP) Post(op uint8, local wqe.SGE, remote *wqe.Remote, imm uint32, flags uint32) (uint64, error) {
	if q.locking {
		q.mu.Lock()
		defer q.mu.Unlock()
	}

	if q.state != StateRTS {
		return 0, fmt.Errorf("%w: post in %s", rdmaerr.ErrInvalidState, q.state)
	}

	params := &wqe.Params{
		Opcode: op,
		QPN:    q.qpn,
		PI:     q.sqPI,
		Local:  local,
		Remote: remote,
		Imm:    imm,
		Flags:  flags,
	}
	_, numBB := wqe.Size(params)

	if q.sqPI-q.sqCI+uint32(numBB) > uint32(q.sqCap) {
		return 0, fmt.Errorf("%w: sq full (pi=%d ci=%d cap=%d need=%d)",
			rdmaerr.ErrBackpressure, q.sqPI, q.sqCI, q.sqCap, numBB)
	}

	slot := int(q.sqPI % uint32(q.sqCap))
	buf := q.wq.Bytes()
	wrapped := slot+numBB > int(q.sqCap)

	var ctrl []byte
	if !wrapped {
		ctrl = buf[q.sqBufOff+slot*wqe.BBSize : q.sqBufOff+(slot+numBB)*wqe.BBSize]
		for i := range ctrl {
			ctrl[i] = 0
		}
		if _, err := wqe.Write(ctrl, params); err != nil {
			return 0, err
		}
	} else {
		// The entry spans the queue end: format contiguously, then scatter
		// the basic blocks around the wrap.
		scratch := make([]byte, numBB*wqe.BBSize)
		if _, err := wqe.Write(scratch, params); err != nil {
			return 0, err
		}
		for bb := 0; bb < numBB; bb++ {
			dst := q.sqBufOff + ((slot+bb)%int(q.sqCap))*wqe.BBSize
			copy(buf[dst:dst+wqe.BBSize], scratch[bb*wqe.BBSize:(bb+1)*wqe.BBSize])
		}
		ctrl = buf[q.sqBufOff+slot*wqe.BBSize : q.sqBufOff+(slot+1)*wqe.BBSize]
	}

	newPI := q.sqPI + uint32(numBB)
	q.publish(ctrl, slot, numBB, newPI)

	wrID := uint64(q.sqPI)
	q.pending = append(q.pending, pendingWQE{idx: uint16(q.sqPI), bb: uint16(numBB)})
	q.sqPI = newPI
	q.bfOffset ^= q.bfSize
	metrics.PostsTotal.WithLabelValues(opcodeName(op)).Inc()
	return wrID, nil
}

// publish runs the ordered doorbell sequence of the MMIO layer and kicks
// the device.
func (q *QP) publish(ctrl []byte, slot, numBB int, newPI uint32) {
	reg := q.uar.Page()[device.UARSendDoorbell+q.bfOffset : device.UARSendDoorbell+q.bfOffset+q.bfSize]
	dbrec := q.dbr.Bytes()[device.SndDBR*4:]

	mmio.ToDeviceFence()
	mmio.WriteDoorbellRecord(dbrec, newPI)
	mmio.FlushWrites()
	if q.useBF {
		sq := q.wq.Bytes()[q.sqBufOff:]
		mmio.BlueFlameCopy(reg, sq, slot*wqe.BBSize, numBB*wqe.BBSize)
	}
	mmio.Write64(reg, ctrl)
	mmio.WCFence()

	q.uar.Kick()
}

// Reclaim frees send-queue space up to and including the WQE whose
// producer index matches a reaped completion's wqe_counter.
func (q *QP) Reclaim(counter uint16) {
	if q.locking {
		q.mu.Lock()
		defer q.mu.Unlock()
	}
	for len(q.pending) > 0 {
		head := q.pending[0]
		q.pending = q.pending[1:]
		q.sqCI = uint32(head.idx) + uint32(head.bb)
		if head.idx == counter {
			return
		}
	}
}

// PostSend posts a SEND of the local region.
func (q *QP) PostSend(local wqe.SGE, flags uint32) (uint64, error) {
	return q.Post(wqe.OpcodeSend, local, nil, 0, flags)
}

// PostSendImm posts a SEND carrying immediate data.
func (q *QP) PostSendImm(local wqe.SGE, imm uint32, flags uint32) (uint64, error) {
	return q.Post(wqe.OpcodeSendImm, local, nil, imm, flags)
}

// PostWrite posts an RDMA WRITE to the remote region.
func (q *QP) PostWrite(local wqe.SGE, remote wqe.Remote, flags uint32) (uint64, error) {
	return q.Post(wqe.OpcodeRDMAWrite, local, &remote, 0, flags)
}

// PostWriteImm posts an RDMA WRITE carrying immediate data.
func (q *QP) PostWriteImm(local wqe.SGE, remote wqe.Remote, imm uint32, flags uint32) (uint64, error) {
	return q.Post(wqe.OpcodeRDMAWriteImm, local, &remote, imm, flags)
}

// PostRead posts an RDMA READ from the remote region.
func (q *QP) PostRead(local wqe.SGE, remote wqe.Remote, flags uint32) (uint64, error) {
	return q.Post(wqe.OpcodeRDMARead, local, &remote, 0, flags)
}
