package connector

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/cq"
	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/metrics"
	"github.com/piwi3910/rdmaio/internal/mr"
	"github.com/piwi3910/rdmaio/internal/qp"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
	"github.com/piwi3910/rdmaio/internal/wqe"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateInitializing
	StateConnected
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Handshake I/O limits.
const (
	handshakeDeadline = 10 * time.Second
	ioRetries         = 3
	ioRetryDelay      = 100 * time.Millisecond
)

// ResourceConfig sizes the per-connection resource bundle.
type ResourceConfig struct {
	SQSize      uint16
	RQSize      uint16
	LogRQStride uint8
	LogCQSize   uint8
	MRSize      int
	MaxRDAtomic uint8
}

// DefaultResourceConfig mirrors the engine defaults.
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		SQSize:      128,
		RQSize:      64,
		LogRQStride: 2,
		LogCQSize:   9,
		MRSize:      1 << 20,
		MaxRDAtomic: 1,
	}
}

// Endpoint is one peer connection: the TCP side-channel socket plus the
// resource bundle it exclusively owns (QP, CQ, PD, UAR, umems, MR).
type Endpoint struct {
	id         uint64
	conn       net.Conn
	remoteIP   string
	remotePort uint16
	role       string
	lg         zerolog.Logger

	mu    sync.Mutex
	state State

	dev     device.Device
	pd      *device.PD
	uar     *device.UAR
	wqUmem  *device.Umem
	dbrUmem *device.Umem
	cq      *cq.CQ
	qp      *qp.QP
	mr      *mr.MR

	remoteParams *Params
	remoteMR     *MRInfo
}

func newEndpoint(id uint64, conn net.Conn, ip string, port uint16, role string) *Endpoint {
	return &Endpoint{
		id:         id,
		conn:       conn,
		remoteIP:   ip,
		remotePort: port,
		role:       role,
		state:      StateDisconnected,
		lg:         log.With().Uint64("conn_id", id).Logger(),
	}
}

func (e *Endpoint) ID() uint64         { return e.id }
func (e *Endpoint) RemoteIP() string   { return e.remoteIP }
func (e *Endpoint) RemotePort() uint16 { return e.remotePort }

// State returns the connection state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// QP returns the endpoint's queue pair. Nil until resources are created.
func (e *Endpoint) QP() *qp.QP { return e.qp }

// CQ returns the endpoint's completion queue.
func (e *Endpoint) CQ() *cq.CQ { return e.cq }

// MR returns the endpoint's primary memory region.
func (e *Endpoint) MR() *mr.MR { return e.mr }

// RemoteMR returns the peer's published (raddr, rkey). It is non-nil only
// once the connection reaches Connected.
func (e *Endpoint) RemoteMR() *MRInfo { return e.remoteMR }

// RemoteParams returns the peer's cached connection parameters.
func (e *Endpoint) RemoteParams() *Params { return e.remoteParams }

// createResources builds the per-connection bundle: PD, work-queue and
// doorbell umems, UAR, CQ, QP, and the primary MR.
func (e *Endpoint) createResources(dev device.Device, rc ResourceConfig) error {
	if e.qp != nil {
		return nil
	}
	e.dev = dev

	pd, err := dev.AllocPD()
	if err != nil {
		return fmt.Errorf("%w: pd: %v", rdmaerr.ErrResourceExhaustion, err)
	}

	rqBytes := int(rc.RQSize) * (16 << rc.LogRQStride)
	sqOff := (rqBytes + wqe.BBSize - 1) &^ (wqe.BBSize - 1)
	wqUmem, err := dev.RegUmem(sqOff + int(rc.SQSize)*wqe.BBSize)
	if err != nil {
		return fmt.Errorf("%w: wq umem: %v", rdmaerr.ErrResourceExhaustion, err)
	}
	dbrUmem, err := dev.RegUmem(device.UARPageSize)
	if err != nil {
		return fmt.Errorf("%w: dbr umem: %v", rdmaerr.ErrResourceExhaustion, err)
	}
	uar, err := dev.AllocUAR()
	if err != nil {
		return fmt.Errorf("%w: uar: %v", rdmaerr.ErrResourceExhaustion, err)
	}

	compQ, err := cq.New(dev, rc.LogCQSize)
	if err != nil {
		return fmt.Errorf("cq: %w", err)
	}

	queue, err := qp.New(dev, &qp.CreateParams{
		PD:          pd,
		CQN:         compQ.CQN(),
		SQSize:      rc.SQSize,
		RQSize:      rc.RQSize,
		LogRQStride: rc.LogRQStride,
		MaxRDAtomic: rc.MaxRDAtomic,
		UAR:         uar,
		WQUmem:      wqUmem,
		DBRUmem:     dbrUmem,
	})
	if err != nil {
		return fmt.Errorf("qp: %w", err)
	}

	region, err := mr.New(dev, pd, rc.MRSize)
	if err != nil {
		return fmt.Errorf("mr: %w", err)
	}

	e.pd = pd
	e.uar = uar
	e.wqUmem = wqUmem
	e.dbrUmem = dbrUmem
	e.cq = compQ
	e.qp = queue
	e.mr = region
	e.setState(StateInitializing)
	e.lg.Debug().Uint32("qpn", queue.QPN()).Uint32("cqn", compQ.CQN()).Msg("endpoint resources created")
	return nil
}

// Poll reaps at most one completion from the endpoint's CQ and reclaims
// the send-queue space it covered. A HardwareCompletionError moves the QP
// into ERR.
func (e *Endpoint) Poll() (*cq.Completion, error) {
	comp, err := e.cq.Poll()
	if err != nil {
		var cerr *rdmaerr.CompletionError
		if errors.As(err, &cerr) {
			e.qp.Reclaim(cerr.WQECounter)
			e.qp.MarkErr()
			metrics.CompletionErrorsTotal.Inc()
		}
		return nil, err
	}
	if comp != nil {
		e.qp.Reclaim(comp.WQECounter)
		metrics.CompletionsTotal.Inc()
	}
	return comp, nil
}

// close tears down the socket and the resource bundle.
func (e *Endpoint) close() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	if e.mr != nil {
		_ = e.mr.Destroy()
	}
	if e.qp != nil {
		_ = e.qp.Destroy()
	}
	if e.cq != nil {
		_ = e.cq.Destroy()
	}
	if e.dev != nil {
		if e.uar != nil {
			_ = e.dev.FreeUAR(e.uar)
		}
		if e.wqUmem != nil {
			_ = e.dev.DeregUmem(e.wqUmem)
		}
		if e.dbrUmem != nil {
			_ = e.dev.DeregUmem(e.dbrUmem)
		}
		if e.pd != nil {
			_ = e.dev.DeallocPD(e.pd)
		}
	}
	if e.State() != StateError {
		e.setState(StateClosed)
	}
}

// sendFull writes the whole buffer under the handshake deadline, retrying
// transient errors a bounded number of times.
func (e *Endpoint) sendFull(b []byte) error {
	if err := e.conn.SetWriteDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		return &rdmaerr.NetworkError{Op: "set deadline", Code: err}
	}
	var lastErr error
	for attempt := 0; attempt < ioRetries; attempt++ {
		n, err := e.conn.Write(b)
		if err == nil && n == len(b) {
			return nil
		}
		lastErr = err
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			break
		}
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			time.Sleep(ioRetryDelay)
			b = b[n:]
			continue
		}
		break
	}
	return &rdmaerr.NetworkError{Op: "send", Code: lastErr}
}

// recvFull reads exactly len(b) bytes under the handshake deadline.
func (e *Endpoint) recvFull(b []byte) error {
	if err := e.conn.SetReadDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		return &rdmaerr.NetworkError{Op: "set deadline", Code: err}
	}
	var lastErr error
	for attempt := 0; attempt < ioRetries; attempt++ {
		_, err := io.ReadFull(e.conn, b)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return rdmaerr.ErrProtocolMismatch
		}
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			time.Sleep(ioRetryDelay)
			continue
		}
		break
	}
	return &rdmaerr.NetworkError{Op: "recv", Code: lastErr}
}
