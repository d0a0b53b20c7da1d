package devx

// QPC field values.
const (
	QPCStateRst  = 0x0
	QPCStateInit = 0x1
	QPCStateRtr  = 0x2
	QPCStateRts  = 0x3
	QPCStateSqd  = 0x4
	QPCStateSqer = 0x5
	QPCStateErr  = 0x6

	QPCStRC            = 0x0 // reliable connected service
	QPCPMStateMigrated = 0x3

	MkcAccessModeMTT = 0x1
)

// addressPath registers the primary_address_path sub-struct (0x30 bytes,
// padded to 0x40 inside the qpc).
func addressPath(a adder) {
	a.bits("pkey_index", 0x00, 15, 0)
	a.bits("vhca_port_num", 0x00, 27, 24)
	a.bits("grh", 0x04, 31, 31)
	a.bits("mlid", 0x04, 22, 16)
	a.bits("rlid", 0x04, 15, 0)
	a.bits("src_addr_index", 0x08, 31, 24)
	a.bits("hop_limit", 0x08, 7, 0)
	a.bits("tclass", 0x0c, 31, 24)
	a.bits("static_rate", 0x0c, 19, 16)
	a.bits("dscp", 0x0c, 13, 8)
	a.bits("eth_prio", 0x0c, 6, 4)
	a.bits("sl", 0x0c, 3, 0)
	a.bits("rmac_47_32", 0x10, 15, 0)
	a.bits("rmac_31_0", 0x14, 31, 0)
	a.bits("flow_label", 0x18, 19, 0)
	a.blob("rgid_rip", 0x20, 16)
}

// qpc registers the queue-pair context sub-struct (0xC0 bytes).
func qpc(a adder) {
	a.bits("state", 0x00, 31, 28)
	a.bits("st", 0x00, 23, 16)
	a.bits("pm_state", 0x00, 12, 11)
	a.bits("wq_signature", 0x00, 10, 10)
	a.bits("no_sq", 0x00, 9, 9)
	a.bits("rae", 0x04, 31, 31)
	a.bits("rwe", 0x04, 30, 30)
	a.bits("rre", 0x04, 29, 29)
	a.bits("atomic_mode", 0x04, 27, 24)
	a.bits("pd", 0x08, 23, 0)
	a.bits("cqn_snd", 0x0c, 23, 0)
	a.bits("cqn_rcv", 0x10, 23, 0)
	a.bits("mtu", 0x14, 31, 29)
	a.bits("log_msg_max", 0x14, 28, 24)
	a.bits("log_rq_size", 0x14, 23, 20)
	a.bits("log_rq_stride", 0x14, 18, 16)
	a.bits("log_sq_size", 0x14, 14, 11)
	a.bits("log_rra_max", 0x14, 10, 8)
	a.bits("log_page_size", 0x14, 7, 3)
	a.bits("remote_qpn", 0x18, 23, 0)
	a.bits("next_send_psn", 0x1c, 23, 0)
	a.bits("next_rcv_psn", 0x20, 23, 0)
	a.bits("retry_count", 0x24, 18, 16)
	a.bits("rnr_retry", 0x24, 15, 13)
	a.bits("min_rnr_nak", 0x24, 12, 8)
	a.bits("log_ack_req_freq", 0x24, 3, 0)
	a.bits("uar_page", 0x28, 23, 0)
	a.bits("dbr_umem_id", 0x2c, 31, 0)
	a.bits("dbr_umem_valid", 0x30, 31, 31)
	a.bits("page_offset", 0x30, 15, 0)
	a.quad("dbr_addr", 0x38)
	a.l.embed(a.prefix+"primary_address_path.", a.base+0x40, addressPath)
	a.bits("hw_sq_wqebb_counter", 0x80, 15, 0)
	a.bits("sw_sq_wqebb_counter", 0x84, 15, 0)
}

// cqc registers the completion-queue context sub-struct (0x40 bytes).
func cqc(a adder) {
	a.bits("log_cq_size", 0x00, 28, 24)
	a.bits("cqe_sz", 0x00, 22, 21)
	a.bits("cqe_comp_en", 0x00, 20, 20)
	a.bits("cq_period_mode", 0x00, 19, 18)
	a.bits("cq_period", 0x04, 27, 16)
	a.bits("cq_max_count", 0x04, 15, 0)
	a.bits("uar_page", 0x08, 23, 0)
	a.bits("c_eqn", 0x0c, 7, 0)
	a.bits("log_page_size", 0x10, 28, 24)
	a.bits("dbr_umem_id", 0x14, 31, 0)
	a.bits("dbr_umem_valid", 0x18, 31, 31)
	a.quad("dbr_addr", 0x20)
}

// mkc registers the memory-key context sub-struct (0x40 bytes).
func mkc(a adder) {
	a.bits("free", 0x00, 31, 31)
	a.bits("a", 0x00, 14, 14)
	a.bits("rw", 0x00, 13, 13)
	a.bits("rr", 0x00, 12, 12)
	a.bits("lw", 0x00, 11, 11)
	a.bits("lr", 0x00, 10, 10)
	a.bits("access_mode_1_0", 0x00, 1, 0)
	a.bits("qpn", 0x04, 31, 8)
	a.bits("mkey_7_0", 0x04, 7, 0)
	a.bits("pd", 0x08, 23, 0)
	a.quad("start_addr", 0x10)
	a.quad("len", 0x18)
	a.bits("translations_octword_size", 0x20, 26, 0)
	a.bits("log_page_size", 0x24, 12, 8)
}

// hcaCap registers the general device capability sub-struct (0x100 bytes).
func hcaCap(a adder) {
	a.bits("log_max_qp_sz", 0x00, 31, 24)
	a.bits("log_max_qp", 0x00, 20, 16)
	a.bits("log_max_cq_sz", 0x04, 31, 24)
	a.bits("log_max_cq", 0x04, 20, 16)
	a.bits("log_max_mkey", 0x08, 29, 24)
	a.bits("log_max_pd", 0x08, 20, 16)
	a.bits("log_max_msg", 0x0c, 28, 24)
	a.bits("log_max_ra_req_qp", 0x10, 29, 24)
	a.bits("log_max_ra_res_qp", 0x10, 21, 16)
	a.bits("max_wqe_sz_sq", 0x14, 15, 0)
	a.bits("native_port_num", 0x18, 27, 24)
	a.bits("num_ports", 0x18, 23, 16)
	a.bits("max_tc", 0x1c, 19, 16)
	a.bits("log_uar_page_sz", 0x20, 15, 0)
	a.bits("max_sge", 0x24, 7, 0)
}

func inHeader(l *Layout) *Layout {
	return l.bits("opcode", 0x00, 31, 16).
		bits("uid", 0x00, 15, 0).
		bits("op_mod", 0x04, 15, 0)
}

func outHeader(l *Layout) *Layout {
	return l.bits("status", 0x00, 31, 24).
		bits("syndrome", 0x04, 31, 0)
}

func qpModifyIn(name string) *Layout {
	l := inHeader(newLayout(name, 0x140))
	return l.bits("qpn", 0x08, 23, 0).
		bits("opt_param_mask", 0x10, 31, 0).
		bits("ece", 0x14, 31, 0).
		embed("qpc.", 0x40, qpc)
}

// Command layouts.
var (
	CreateQPIn = inHeader(newLayout("create_qp_in", 0x140)).
			bits("input_qpn", 0x08, 23, 0).
			bits("opt_param_mask", 0x10, 31, 0).
			bits("ece", 0x14, 31, 0).
			embed("qpc.", 0x40, qpc).
			quad("wq_umem_offset", 0x100).
			bits("wq_umem_id", 0x108, 31, 0).
			bits("wq_umem_valid", 0x10c, 31, 31)

	CreateQPOut = outHeader(newLayout("create_qp_out", 0x20)).
			bits("qpn", 0x08, 23, 0).
			bits("ece", 0x0c, 31, 0)

	Rst2InitQPIn  = qpModifyIn("rst2init_qp_in")
	Rst2InitQPOut = outHeader(newLayout("rst2init_qp_out", 0x10))

	Init2RtrQPIn  = qpModifyIn("init2rtr_qp_in")
	Init2RtrQPOut = outHeader(newLayout("init2rtr_qp_out", 0x10))

	Rtr2RtsQPIn  = qpModifyIn("rtr2rts_qp_in")
	Rtr2RtsQPOut = outHeader(newLayout("rtr2rts_qp_out", 0x10))

	QP2ErrIn  = qpModifyIn("qp_2err_in")
	QP2ErrOut = outHeader(newLayout("qp_2err_out", 0x10))

	QueryQPIn = inHeader(newLayout("query_qp_in", 0x10)).
			bits("qpn", 0x08, 23, 0)
	QueryQPOut = outHeader(newLayout("query_qp_out", 0x100)).
			embed("qpc.", 0x40, qpc)

	DestroyQPIn = inHeader(newLayout("destroy_qp_in", 0x10)).
			bits("qpn", 0x08, 23, 0)
	DestroyQPOut = outHeader(newLayout("destroy_qp_out", 0x10))

	CreateCQIn = inHeader(newLayout("create_cq_in", 0x80)).
			embed("cqc.", 0x10, cqc).
			quad("cq_umem_offset", 0x50).
			bits("cq_umem_id", 0x58, 31, 0).
			bits("cq_umem_valid", 0x5c, 31, 31)
	CreateCQOut = outHeader(newLayout("create_cq_out", 0x10)).
			bits("cqn", 0x08, 23, 0)

	DestroyCQIn = inHeader(newLayout("destroy_cq_in", 0x10)).
			bits("cqn", 0x08, 23, 0)
	DestroyCQOut = outHeader(newLayout("destroy_cq_out", 0x10))

	CreateMkeyIn = inHeader(newLayout("create_mkey_in", 0x100)).
			bits("mkey_umem_valid", 0x04, 31, 31).
			bits("mkey_umem_id", 0x08, 31, 0).
			quad("mkey_umem_offset", 0x10).
			bits("translations_octword_actual_size", 0x18, 31, 0).
			embed("memory_key_mkey_entry.", 0x40, mkc)
	CreateMkeyOut = outHeader(newLayout("create_mkey_out", 0x10)).
			bits("mkey_index", 0x08, 23, 0)

	DestroyMkeyIn = inHeader(newLayout("destroy_mkey_in", 0x10)).
			bits("mkey_index", 0x08, 23, 0)
	DestroyMkeyOut = outHeader(newLayout("destroy_mkey_out", 0x10))

	QueryHCACapIn  = inHeader(newLayout("query_hca_cap_in", 0x10))
	QueryHCACapOut = outHeader(newLayout("query_hca_cap_out", 0x110)).
			embed("capability.", 0x10, hcaCap)
)
