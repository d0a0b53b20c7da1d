package connector

import (
	"encoding/binary"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// Wire sizes of the handshake records. All multi-byte integers are network
// byte order; both peers must be at the same version.
const (
	paramsWireSize = 43
	mrInfoWireSize = 12
)

// Params is the connection-parameter tuple exchanged between peers before
// the RTR transition.
type Params struct {
	MTU          device.MTU
	ECE          bool
	PortNum      uint8
	RetryCount   uint8
	RnrRetry     uint8
	MinRnrTO     uint8
	SL           uint8
	DSCP         uint8
	TrafficClass uint8
	QPN          uint32
	AH           device.AHAttr
}

// MRInfo is the (raddr, rkey) pair each side publishes for its primary
// memory region after the parameter exchange.
type MRInfo struct {
	RAddr uint64
	RKey  uint32
}

func (p *Params) encode() []byte {
	b := make([]byte, paramsWireSize)
	b[0] = uint8(p.MTU)
	if p.ECE {
		b[1] = 1
	}
	b[2] = p.PortNum
	b[3] = p.RetryCount
	b[4] = p.RnrRetry
	b[5] = p.MinRnrTO
	b[6] = p.SL
	b[7] = p.DSCP
	b[8] = p.TrafficClass
	binary.BigEndian.PutUint32(b[9:13], p.QPN)

	// Fixed-size address-handle snapshot.
	if p.AH.IsGlobal {
		b[13] = 1
	}
	binary.BigEndian.PutUint16(b[14:16], p.AH.DLID)
	b[16] = p.AH.SrcPathBits
	b[17] = p.AH.StaticRate
	b[18] = p.AH.PortNum
	b[19] = p.AH.SL
	copy(b[20:36], p.AH.GRH.DGID[:])
	b[36] = p.AH.GRH.SGIDIndex
	binary.BigEndian.PutUint32(b[37:41], p.AH.GRH.FlowLabel)
	b[41] = p.AH.GRH.HopLimit
	b[42] = p.AH.GRH.TrafficClass
	return b
}

func decodeParams(b []byte) (*Params, error) {
	if len(b) != paramsWireSize {
		return nil, rdmaerr.ErrProtocolMismatch
	}
	if b[0] < uint8(device.MTU256) || b[0] > uint8(device.MTU4096) || b[1] > 1 {
		return nil, rdmaerr.ErrProtocolMismatch
	}
	p := &Params{
		MTU:          device.MTU(b[0]),
		ECE:          b[1] == 1,
		PortNum:      b[2],
		RetryCount:   b[3],
		RnrRetry:     b[4],
		MinRnrTO:     b[5],
		SL:           b[6],
		DSCP:         b[7],
		TrafficClass: b[8],
		QPN:          binary.BigEndian.Uint32(b[9:13]),
	}
	p.AH.IsGlobal = b[13] == 1
	p.AH.DLID = binary.BigEndian.Uint16(b[14:16])
	p.AH.SrcPathBits = b[16]
	p.AH.StaticRate = b[17]
	p.AH.PortNum = b[18]
	p.AH.SL = b[19]
	copy(p.AH.GRH.DGID[:], b[20:36])
	p.AH.GRH.SGIDIndex = b[36]
	p.AH.GRH.FlowLabel = binary.BigEndian.Uint32(b[37:41])
	p.AH.GRH.HopLimit = b[41]
	p.AH.GRH.TrafficClass = b[42]
	return p, nil
}

func (i *MRInfo) encode() []byte {
	b := make([]byte, mrInfoWireSize)
	binary.BigEndian.PutUint64(b[0:8], i.RAddr)
	binary.BigEndian.PutUint32(b[8:12], i.RKey)
	return b
}

func decodeMRInfo(b []byte) (*MRInfo, error) {
	if len(b) != mrInfoWireSize {
		return nil, rdmaerr.ErrProtocolMismatch
	}
	return &MRInfo{
		RAddr: binary.BigEndian.Uint64(b[0:8]),
		RKey:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
