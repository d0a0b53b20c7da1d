// Package qp implements the reliable-connected queue pair: the vendor
// command state machine (RESET → INIT → RTR → RTS) and the send-queue
// posting path over a user-mapped work queue.
package qp

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/devx"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
	"github.com/piwi3910/rdmaio/internal/wqe"
)

// State is the queue-pair lifecycle state.
type State int

const (
	StateReset State = iota
	StateInit
	StateRTR
	StateRTS
	StateSQD
	StateSQE
	StateErr
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	case StateSQD:
		return "SQD"
	case StateSQE:
		return "SQE"
	case StateErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// CreateParams configures queue-pair creation. The work-queue and doorbell
// umems and the UAR are caller-owned; the QP borrows them for its lifetime.
type CreateParams struct {
	PD           *device.PD
	CQN          uint32
	SQSize       uint16 // send queue capacity in basic blocks, power of two
	RQSize       uint16 // receive queue entries, power of two
	LogRQStride  uint8
	MaxRDAtomic  uint8
	UAR          *device.UAR
	WQUmem       *device.Umem
	DBRUmem      *device.Umem
	UseBlueFlame bool
	// Locking serialises Post/Reclaim internally. Off by default: posts on
	// one QP from multiple threads otherwise require an external lock.
	Locking bool
}

// ConnParams carries the per-connection attributes consumed by the state
// transitions.
type ConnParams struct {
	MTU          device.MTU
	ECE          uint32
	PortNum      uint8
	RetryCount   uint8
	RnrRetry     uint8
	MinRnrTO     uint8
	SL           uint8
	DSCP         uint8
	TrafficClass uint8
	RemoteQPN    uint32
	RemoteAH     *device.AHAttr
}

type pendingWQE struct {
	idx uint16
	bb  uint16
}

// QP is a reliable-connected queue pair.
type QP struct {
	dev device.Device
	lg  zerolog.Logger

	qpn   uint32
	state State

	uar *device.UAR
	wq  *device.Umem
	dbr *device.Umem
	pdn uint32
	cqn uint32

	sqCap    uint16
	sqBufOff int
	sqPI     uint32
	sqCI     uint32
	pending  []pendingWQE

	bfOffset int
	bfSize   int
	useBF    bool

	remoteAH *device.AHAttr

	locking bool
	mu      sync.Mutex
}

func ilog2(v uint32) uint32 {
	var r uint32
	for 1<<r < v {
		r++
	}
	return r
}

// New issues CREATE_QP and returns a queue pair in RESET.
func New(dev device.Device, p *CreateParams) (*QP, error) {
	if p == nil || p.PD == nil || p.UAR == nil || p.WQUmem == nil || p.DBRUmem == nil {
		return nil, rdmaerr.ErrInvalidArgument
	}
	if p.SQSize == 0 || p.SQSize&(p.SQSize-1) != 0 || p.RQSize&(p.RQSize-1) != 0 {
		return nil, fmt.Errorf("%w: queue sizes must be powers of two", rdmaerr.ErrInvalidArgument)
	}

	caps := dev.Caps()
	in := devx.New(devx.CreateQPIn)
	in.Set("opcode", uint64(devx.CmdCreateQP))
	in.Set("qpc.st", devx.QPCStRC)
	in.Set("qpc.pm_state", devx.QPCPMStateMigrated)
	in.Set("qpc.pd", uint64(p.PD.PDN()))
	in.Set("qpc.cqn_snd", uint64(p.CQN))
	in.Set("qpc.cqn_rcv", uint64(p.CQN))
	in.Set("qpc.log_sq_size", uint64(ilog2(uint32(p.SQSize))))
	in.Set("qpc.log_rq_size", uint64(ilog2(uint32(p.RQSize))))
	in.Set("qpc.log_rq_stride", uint64(p.LogRQStride))
	in.Set("qpc.no_sq", 0)
	in.Set("qpc.wq_signature", 0)
	in.Set("qpc.uar_page", uint64(p.UAR.PageID()))
	in.Set("qpc.dbr_umem_valid", 1)
	in.Set("qpc.dbr_umem_id", uint64(p.DBRUmem.ID()))
	in.Set("qpc.dbr_addr", 0)
	in.Set("qpc.log_msg_max", uint64(caps.LogMaxMsg))
	in.Set("qpc.log_page_size", uint64(dev.LogPageSize()))
	in.Set("qpc.page_offset", 0)
	in.Set("qpc.log_rra_max", uint64(p.MaxRDAtomic))
	in.Set("wq_umem_valid", 1)
	in.Set("wq_umem_id", uint64(p.WQUmem.ID()))

	out := devx.New(devx.CreateQPOut)
	if err := dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return nil, err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return nil, &rdmaerr.DeviceError{Cmd: "CREATE_QP", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}

	rqStride := 16 << p.LogRQStride
	rqBytes := int(p.RQSize) * rqStride
	q := &QP{
		dev:      dev,
		qpn:      uint32(out.Get("qpn")),
		state:    StateReset,
		uar:      p.UAR,
		wq:       p.WQUmem,
		dbr:      p.DBRUmem,
		pdn:      p.PD.PDN(),
		cqn:      p.CQN,
		sqCap:    p.SQSize,
		sqBufOff: (rqBytes + wqe.BBSize - 1) &^ (wqe.BBSize - 1),
		bfSize:   device.BlueFlameBufSize,
		useBF:    p.UseBlueFlame,
		locking:  p.Locking,
	}
	q.lg = log.With().Uint32("qpn", q.qpn).Logger()
	q.lg.Debug().Uint16("sq_size", q.sqCap).Int("sq_buf_offset", q.sqBufOff).Msg("QP created")
	return q, nil
}

// QPN returns the 24-bit hardware queue pair number.
func (q *QP) QPN() uint32 { return q.qpn }

// State returns the locally tracked state.
func (q *QP) State() State { return q.state }

// RemoteAH returns the cached remote address handle; non-nil only in RTR
// and RTS.
func (q *QP) RemoteAH() *device.AHAttr { return q.remoteAH }

// ProducerIndex returns the send-queue producer index in basic blocks.
func (q *QP) ProducerIndex() uint32 { return q.sqPI }

// ConsumerIndex returns the reclaimed send-queue consumer index.
func (q *QP) ConsumerIndex() uint32 { return q.sqCI }

func (q *QP) execModify(name string, layout *devx.Layout, opcode uint16,
	fill func(c *devx.Cmd), outLayout *devx.Layout) error {
	in := devx.New(layout)
	in.Set("opcode", uint64(opcode))
	in.Set("qpn", uint64(q.qpn))
	fill(in)
	out := devx.New(outLayout)
	if err := q.dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return &rdmaerr.DeviceError{Cmd: name, Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}
	return nil
}

// Rst2Init moves RESET → INIT, enabling remote access on the primary path.
func (q *QP) Rst2Init(p *ConnParams) error {
	if q.state != StateReset {
		return fmt.Errorf("%w: RST2INIT in %s", rdmaerr.ErrInvalidState, q.state)
	}
	port, err := q.dev.Port(p.PortNum)
	if err != nil {
		return err
	}
	err = q.execModify("RST2INIT_QP", devx.Rst2InitQPIn, devx.CmdRst2InitQP, func(c *devx.Cmd) {
		c.Set("qpc.rae", 1)
		c.Set("qpc.rwe", 1)
		c.Set("qpc.rre", 1)
		c.Set("qpc.atomic_mode", 1)
		c.Set("qpc.pm_state", devx.QPCPMStateMigrated)
		if port.LinkLayer != device.LinkLayerEthernet {
			c.Set("qpc.primary_address_path.pkey_index", 0)
		}
		c.Set("qpc.primary_address_path.vhca_port_num", uint64(p.PortNum))
	}, devx.Rst2InitQPOut)
	if err != nil {
		return err
	}
	q.state = StateInit
	q.lg.Debug().Msg("QP RESET -> INIT")
	return nil
}

// Init2Rtr moves INIT → RTR, programming the remote path from the caller's
// address-handle attributes. On success the remote AH is cached.
func (q *QP) Init2Rtr(p *ConnParams) error {
	if q.state != StateInit {
		return fmt.Errorf("%w: INIT2RTR in %s", rdmaerr.ErrInvalidState, q.state)
	}
	if p.RemoteAH == nil {
		return rdmaerr.ErrInvalidArgument
	}
	av, err := q.dev.ResolveAV(p.RemoteAH)
	if err != nil {
		return err
	}
	port, err := q.dev.Port(p.RemoteAH.PortNum)
	if err != nil {
		return err
	}

	ah := p.RemoteAH
	err = q.execModify("INIT2RTR_QP", devx.Init2RtrQPIn, devx.CmdInit2RtrQP, func(c *devx.Cmd) {
		c.Set("ece", uint64(p.ECE))
		c.Set("qpc.mtu", uint64(p.MTU))
		c.Set("qpc.remote_qpn", uint64(p.RemoteQPN))
		c.Set("qpc.log_msg_max", uint64(q.dev.Caps().LogMaxMsg))
		c.Set("qpc.primary_address_path.vhca_port_num", uint64(ah.PortNum))

		if port.LinkLayer == device.LinkLayerEthernet {
			c.Set("qpc.primary_address_path.rmac_47_32", uint64(av.RMAC[0])<<8|uint64(av.RMAC[1]))
			c.Set("qpc.primary_address_path.rmac_31_0",
				uint64(av.RMAC[2])<<24|uint64(av.RMAC[3])<<16|uint64(av.RMAC[4])<<8|uint64(av.RMAC[5]))
			c.SetBytes("qpc.primary_address_path.rgid_rip", av.RGID[:])
			c.Set("qpc.primary_address_path.hop_limit", uint64(av.HopLimit))
			c.Set("qpc.primary_address_path.src_addr_index", uint64(ah.GRH.SGIDIndex))
			c.Set("qpc.primary_address_path.eth_prio", uint64(p.SL))
			c.Set("qpc.primary_address_path.dscp", uint64(p.DSCP))
		} else {
			if ah.IsGlobal {
				c.Set("qpc.primary_address_path.grh", 1)
			}
			c.Set("qpc.primary_address_path.rlid", uint64(ah.DLID))
			c.Set("qpc.primary_address_path.mlid", uint64(ah.SrcPathBits&0x7f))
			c.Set("qpc.primary_address_path.sl", uint64(p.SL))
			if ah.IsGlobal {
				c.Set("qpc.primary_address_path.src_addr_index", uint64(ah.GRH.SGIDIndex))
				c.Set("qpc.primary_address_path.hop_limit", uint64(ah.GRH.HopLimit))
				c.SetBytes("qpc.primary_address_path.rgid_rip", ah.GRH.DGID[:])
				c.Set("qpc.primary_address_path.tclass", uint64(p.TrafficClass))
			}
		}
	}, devx.Init2RtrQPOut)
	if err != nil {
		return err
	}
	cached := *ah
	q.remoteAH = &cached
	q.state = StateRTR
	q.lg.Debug().Uint32("remote_qpn", p.RemoteQPN).Msg("QP INIT -> RTR")
	return nil
}

// Rtr2Rts moves RTR → RTS.
func (q *QP) Rtr2Rts(p *ConnParams) error {
	if q.state != StateRTR {
		return fmt.Errorf("%w: RTR2RTS in %s", rdmaerr.ErrInvalidState, q.state)
	}
	err := q.execModify("RTR2RTS_QP", devx.Rtr2RtsQPIn, devx.CmdRtr2RtsQP, func(c *devx.Cmd) {
		c.Set("qpc.log_ack_req_freq", 0)
		c.Set("qpc.retry_count", uint64(p.RetryCount))
		c.Set("qpc.rnr_retry", uint64(p.RnrRetry))
		c.Set("qpc.min_rnr_nak", uint64(p.MinRnrTO))
		c.Set("qpc.next_send_psn", 0)
	}, devx.Rtr2RtsQPOut)
	if err != nil {
		return err
	}
	q.state = StateRTS
	q.lg.Debug().Msg("QP RTR -> RTS")
	return nil
}

// ToErr forces the queue pair into the error state.
func (q *QP) ToErr() error {
	err := q.execModify("2ERR_QP", devx.QP2ErrIn, devx.CmdQP2Err,
		func(c *devx.Cmd) {}, devx.QP2ErrOut)
	if err != nil {
		return err
	}
	q.state = StateErr
	q.remoteAH = nil
	return nil
}

// MarkErr records a hardware-induced transition to ERR observed through an
// error CQE. ERR is absorbing: only Destroy exits it.
func (q *QP) MarkErr() {
	q.state = StateErr
	q.remoteAH = nil
}

// QueryState reads the hardware state through QUERY_QP.
func (q *QP) QueryState() (State, error) {
	in := devx.New(devx.QueryQPIn)
	in.Set("opcode", uint64(devx.CmdQueryQP))
	in.Set("qpn", uint64(q.qpn))
	out := devx.New(devx.QueryQPOut)
	if err := q.dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return 0, err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return 0, &rdmaerr.DeviceError{Cmd: "QUERY_QP", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}
	return State(out.Get("qpc.state")), nil
}

// QueryCounters reads the hardware and software send WQEBB counters.
func (q *QP) QueryCounters() (hw, sw uint16, err error) {
	in := devx.New(devx.QueryQPIn)
	in.Set("opcode", uint64(devx.CmdQueryQP))
	in.Set("qpn", uint64(q.qpn))
	out := devx.New(devx.QueryQPOut)
	if err := q.dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return 0, 0, err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return 0, 0, &rdmaerr.DeviceError{Cmd: "QUERY_QP", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}
	return uint16(out.Get("qpc.hw_sq_wqebb_counter")), uint16(out.Get("qpc.sw_sq_wqebb_counter")), nil
}

// Destroy releases the hardware object. Valid in any state.
func (q *QP) Destroy() error {
	in := devx.New(devx.DestroyQPIn)
	in.Set("opcode", uint64(devx.CmdDestroyQP))
	in.Set("qpn", uint64(q.qpn))
	out := devx.New(devx.DestroyQPOut)
	if err := q.dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return &rdmaerr.DeviceError{Cmd: "DESTROY_QP", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}
	q.remoteAH = nil
	q.lg.Debug().Msg("QP destroyed")
	return nil
}
