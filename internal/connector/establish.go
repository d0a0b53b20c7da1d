package connector

import (
	"fmt"
	"time"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/metrics"
	"github.com/piwi3910/rdmaio/internal/qp"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// Handshake defaults (§ RTR/RTS attributes).
const (
	defaultPortNum    = 1
	defaultRetryCount = 7
	defaultRnrRetry   = 7
	defaultMinRnrTO   = 12
	roceDLID          = 4791 // RoCE v2 UDP port doubles as the pseudo-LID
)

// localParams queries the local device and fills the record this side
// sends to its peer. The address-handle snapshot describes this endpoint
// so the peer can route to it.
func localParams(dev device.Device, qpn uint32) (*Params, error) {
	port, err := dev.Port(defaultPortNum)
	if err != nil {
		return nil, err
	}

	p := &Params{
		MTU:        port.ActiveMTU,
		PortNum:    defaultPortNum,
		RetryCount: defaultRetryCount,
		RnrRetry:   defaultRnrRetry,
		MinRnrTO:   defaultMinRnrTO,
		QPN:        qpn,
	}
	p.AH.PortNum = defaultPortNum
	if port.LinkLayer == device.LinkLayerEthernet {
		p.AH.IsGlobal = true
		p.AH.DLID = roceDLID
		p.AH.GRH.DGID = port.GID
		p.AH.GRH.HopLimit = 64
	} else {
		p.AH.DLID = port.LID
		p.AH.GRH.DGID = port.GID
	}
	return p, nil
}

// exchange swaps fixed-size records on the side channel. The server reads
// first; the client writes first.
func (e *Endpoint) exchange(server bool, local []byte, remoteSize int) ([]byte, error) {
	remote := make([]byte, remoteSize)
	if server {
		if err := e.recvFull(remote); err != nil {
			return nil, err
		}
		if err := e.sendFull(local); err != nil {
			return nil, err
		}
	} else {
		if err := e.sendFull(local); err != nil {
			return nil, err
		}
		if err := e.recvFull(remote); err != nil {
			return nil, err
		}
	}
	return remote, nil
}

// Establish runs the one-shot handshake for a tracked endpoint: create the
// resource bundle, exchange connection parameters and memory-region info
// with the peer, and drive the queue pair to RTS. On failure the endpoint
// transitions to Error and the disconnection callback fires.
func (m *Manager) Establish(id uint64) error {
	ep, ok := m.Endpoint(id)
	if !ok {
		return fmt.Errorf("%w: unknown connection %d", rdmaerr.ErrInvalidArgument, id)
	}

	start := time.Now()
	err := m.establish(ep)
	if err != nil {
		ep.setState(StateError)
		m.lg.Error().Uint64("conn_id", id).Err(err).Msg("handshake failed")
		if m.onDisc != nil {
			m.onDisc(id)
		}
		return err
	}
	metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	m.lg.Info().Uint64("conn_id", id).Dur("took", time.Since(start)).Msg("connection ready")
	return nil
}

func (m *Manager) establish(ep *Endpoint) error {
	if err := ep.createResources(m.dev, m.cfg.Resources); err != nil {
		return err
	}
	server := ep.role == "server"

	local, err := localParams(m.dev, ep.qp.QPN())
	if err != nil {
		return err
	}

	remoteWire, err := ep.exchange(server, local.encode(), paramsWireSize)
	if err != nil {
		return err
	}
	remote, err := decodeParams(remoteWire)
	if err != nil {
		return err
	}
	ep.remoteParams = remote

	conn := &qp.ConnParams{
		MTU:          remote.MTU,
		PortNum:      local.PortNum,
		RetryCount:   remote.RetryCount,
		RnrRetry:     remote.RnrRetry,
		MinRnrTO:     remote.MinRnrTO,
		SL:           remote.SL,
		DSCP:         remote.DSCP,
		TrafficClass: remote.TrafficClass,
		RemoteQPN:    remote.QPN,
		RemoteAH:     &remote.AH,
	}
	if remote.ECE {
		conn.ECE = 1
	}
	if err := ep.qp.Rst2Init(conn); err != nil {
		return err
	}
	if err := ep.qp.Init2Rtr(conn); err != nil {
		return err
	}
	if err := ep.qp.Rtr2Rts(conn); err != nil {
		return err
	}

	mrInfo := MRInfo{RAddr: ep.mr.Addr(), RKey: ep.mr.RKey()}
	remoteMRWire, err := ep.exchange(server, mrInfo.encode(), mrInfoWireSize)
	if err != nil {
		return err
	}
	remoteMR, err := decodeMRInfo(remoteMRWire)
	if err != nil {
		return err
	}
	ep.remoteMR = remoteMR
	ep.setState(StateConnected)
	return nil
}
