package device

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/devx"
)

// Exec dispatches one vendor command against the device model. Command
// failures are reported through the output header status and syndrome; a
// non-nil return means the buffer never parsed as a command.
func (s *Simulated) Exec(in, out []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("device %s: closed", s.name)
	}
	if len(in) < 8 || len(out) < 8 {
		return fmt.Errorf("device %s: short command buffer", s.name)
	}

	op := devx.Opcode(in)
	switch op {
	case devx.CmdQueryHCACap:
		s.execQueryHCACap(out)
	case devx.CmdCreateQP:
		s.execCreateQP(in, out)
	case devx.CmdRst2InitQP:
		s.execModifyQP(in, out, devx.Rst2InitQPIn, devx.QPCStateInit, devx.QPCStateRst)
	case devx.CmdInit2RtrQP:
		s.execModifyQP(in, out, devx.Init2RtrQPIn, devx.QPCStateRtr, devx.QPCStateInit)
	case devx.CmdRtr2RtsQP:
		s.execModifyQP(in, out, devx.Rtr2RtsQPIn, devx.QPCStateRts, devx.QPCStateRtr)
	case devx.CmdQP2Err:
		s.execQP2Err(in, out)
	case devx.CmdQueryQP:
		s.execQueryQP(in, out)
	case devx.CmdDestroyQP:
		qpn := uint32(devx.Wrap(devx.DestroyQPIn, in).Get("qpn"))
		delete(s.qps, qpn)
		devx.SetStatus(out, statOK, 0)
	case devx.CmdCreateCQ:
		s.execCreateCQ(in, out)
	case devx.CmdDestroyCQ:
		cqn := uint32(devx.Wrap(devx.DestroyCQIn, in).Get("cqn"))
		delete(s.cqs, cqn)
		devx.SetStatus(out, statOK, 0)
	case devx.CmdCreateMkey:
		s.execCreateMkey(in, out)
	case devx.CmdDestroyMkey:
		idx := uint32(devx.Wrap(devx.DestroyMkeyIn, in).Get("mkey_index"))
		delete(s.mkeys, idx)
		devx.SetStatus(out, statOK, 0)
	default:
		return fmt.Errorf("device %s: unknown command opcode 0x%x", s.name, op)
	}
	return nil
}

func (s *Simulated) execQueryHCACap(out []byte) {
	c := devx.Wrap(devx.QueryHCACapOut, out)
	devx.SetStatus(out, statOK, 0)
	c.Set("capability.log_max_qp_sz", uint64(s.caps.LogMaxQPSz))
	c.Set("capability.log_max_cq_sz", uint64(s.caps.LogMaxCQSz))
	c.Set("capability.log_max_msg", uint64(s.caps.LogMaxMsg))
	c.Set("capability.log_max_ra_req_qp", uint64(s.caps.LogMaxRAReqQP))
	c.Set("capability.log_max_ra_res_qp", uint64(s.caps.LogMaxRAResQP))
	c.Set("capability.max_wqe_sz_sq", uint64(s.caps.MaxWQESzSq))
	c.Set("capability.max_sge", uint64(s.caps.MaxSGE))
	c.Set("capability.num_ports", uint64(s.caps.NumPorts))
	c.Set("capability.native_port_num", 1)
	c.Set("capability.log_uar_page_sz", 12)
}

func (s *Simulated) execCreateQP(in, out []byte) {
	c := devx.Wrap(devx.CreateQPIn, in)

	if c.Get("wq_umem_valid") == 0 || c.Get("qpc.dbr_umem_valid") == 0 {
		devx.SetStatus(out, statBadParam, 0x30a551)
		return
	}
	wqUmem := uint32(c.Get("wq_umem_id"))
	dbrUmem := uint32(c.Get("qpc.dbr_umem_id"))
	if _, ok := s.umems[wqUmem]; !ok {
		devx.SetStatus(out, statBadResource, 0x30a552)
		return
	}
	if _, ok := s.umems[dbrUmem]; !ok {
		devx.SetStatus(out, statBadResource, 0x30a553)
		return
	}
	pdn := uint32(c.Get("qpc.pd"))
	if _, ok := s.pds[pdn]; !ok {
		devx.SetStatus(out, statBadResource, 0x30a554)
		return
	}
	uarPage := uint32(c.Get("qpc.uar_page"))
	if _, ok := s.uars[uarPage]; !ok {
		devx.SetStatus(out, statBadResource, 0x30a555)
		return
	}
	if c.Get("qpc.st") != devx.QPCStRC {
		devx.SetStatus(out, statBadParam, 0x30a556)
		return
	}

	qpn := s.handle() & 0xffffff
	qp := &simQP{
		qpn:       qpn,
		state:     devx.QPCStateRst,
		pdn:       pdn,
		cqnSnd:    uint32(c.Get("qpc.cqn_snd")),
		cqnRcv:    uint32(c.Get("qpc.cqn_rcv")),
		uarPage:   uarPage,
		wqUmem:    wqUmem,
		dbrUmem:   dbrUmem,
		logSQ:     uint8(c.Get("qpc.log_sq_size")),
		logRQ:     uint8(c.Get("qpc.log_rq_size")),
		logStride: uint8(c.Get("qpc.log_rq_stride")),
		logRRA:    uint8(c.Get("qpc.log_rra_max")),
	}
	s.qps[qpn] = qp

	devx.SetStatus(out, statOK, 0)
	devx.Wrap(devx.CreateQPOut, out).Set("qpn", uint64(qpn))
	log.Debug().Uint32("qpn", qpn).Uint8("log_sq_size", qp.logSQ).Msg("simulated QP created")
}

func (s *Simulated) execModifyQP(in, out []byte, layout *devx.Layout, to, from int) {
	c := devx.Wrap(layout, in)
	qpn := uint32(c.Get("qpn"))
	qp, ok := s.qps[qpn]
	if !ok {
		devx.SetStatus(out, statBadResource, 0x57a001)
		return
	}
	if qp.state != from {
		devx.SetStatus(out, statBadResState, 0x57a002)
		return
	}
	if to == devx.QPCStateRtr {
		qp.remoteQPN = uint32(c.Get("qpc.remote_qpn"))
		qp.mtu = uint8(c.Get("qpc.mtu"))
	}
	qp.state = to
	devx.SetStatus(out, statOK, 0)
}

func (s *Simulated) execQP2Err(in, out []byte) {
	c := devx.Wrap(devx.QP2ErrIn, in)
	qp, ok := s.qps[uint32(c.Get("qpn"))]
	if !ok {
		devx.SetStatus(out, statBadResource, 0x57a001)
		return
	}
	qp.state = devx.QPCStateErr
	devx.SetStatus(out, statOK, 0)
}

func (s *Simulated) execQueryQP(in, out []byte) {
	qpn := uint32(devx.Wrap(devx.QueryQPIn, in).Get("qpn"))
	qp, ok := s.qps[qpn]
	if !ok {
		devx.SetStatus(out, statBadResource, 0x57a001)
		return
	}
	devx.SetStatus(out, statOK, 0)
	c := devx.Wrap(devx.QueryQPOut, out)
	c.Set("qpc.state", uint64(qp.state))
	c.Set("qpc.remote_qpn", uint64(qp.remoteQPN))
	c.Set("qpc.hw_sq_wqebb_counter", uint64(qp.hwBB))
	c.Set("qpc.sw_sq_wqebb_counter", uint64(qp.wqeExecuted))
}

func (s *Simulated) execCreateCQ(in, out []byte) {
	c := devx.Wrap(devx.CreateCQIn, in)
	if c.Get("cq_umem_valid") == 0 || c.Get("cqc.dbr_umem_valid") == 0 {
		devx.SetStatus(out, statBadParam, 0x44c001)
		return
	}
	umem := uint32(c.Get("cq_umem_id"))
	dbrUmem := uint32(c.Get("cqc.dbr_umem_id"))
	logSize := uint8(c.Get("cqc.log_cq_size"))
	u, ok := s.umems[umem]
	if !ok {
		devx.SetStatus(out, statBadResource, 0x44c002)
		return
	}
	if _, ok := s.umems[dbrUmem]; !ok {
		devx.SetStatus(out, statBadResource, 0x44c003)
		return
	}
	if u.Size() < cqeSize<<logSize {
		devx.SetStatus(out, statBadParam, 0x44c004)
		return
	}

	cqn := s.handle() & 0xffffff
	s.cqs[cqn] = &simCQ{cqn: cqn, umem: umem, dbrUmem: dbrUmem, logSize: logSize}
	devx.SetStatus(out, statOK, 0)
	devx.Wrap(devx.CreateCQOut, out).Set("cqn", uint64(cqn))
	log.Debug().Uint32("cqn", cqn).Uint8("log_cq_size", logSize).Msg("simulated CQ created")
}

func (s *Simulated) execCreateMkey(in, out []byte) {
	c := devx.Wrap(devx.CreateMkeyIn, in)
	if c.Get("mkey_umem_valid") == 0 {
		devx.SetStatus(out, statBadParam, 0x2ee001)
		return
	}
	umem := uint32(c.Get("mkey_umem_id"))
	if _, ok := s.umems[umem]; !ok {
		devx.SetStatus(out, statBadResource, 0x2ee002)
		return
	}
	pdn := uint32(c.Get("memory_key_mkey_entry.pd"))
	if _, ok := s.pds[pdn]; !ok {
		devx.SetStatus(out, statBadResource, 0x2ee003)
		return
	}

	idx := s.handle() & 0xffffff
	variant := uint32(c.Get("memory_key_mkey_entry.mkey_7_0"))
	mk := &simMKey{
		index:  idx,
		key:    idx<<8 | variant,
		pdn:    pdn,
		umem:   umem,
		start:  c.Get("memory_key_mkey_entry.start_addr"),
		length: c.Get("memory_key_mkey_entry.len"),
	}
	s.mkeys[idx] = mk
	devx.SetStatus(out, statOK, 0)
	devx.Wrap(devx.CreateMkeyOut, out).Set("mkey_index", uint64(idx))
}
