// Simulated software device model. It executes the vendor command set
// against in-memory state and emulates the data path: a doorbell ring
// parses the posted WQEs out of the work-queue umem, moves bytes between
// registered regions, and writes completion entries with the owner-bit
// discipline real hardware uses. Every test in the engine that needs a
// device runs against it.
package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// Command status codes reported through the output header.
const (
	statOK          uint8 = 0x00
	statBadParam    uint8 = 0x03
	statBadResource uint8 = 0x05
	statBadResState uint8 = 0x10
)

// Completion syndromes.
const (
	synLocalProt    uint8 = 0x04
	synWRFlush      uint8 = 0x05
	synRemoteAccess uint8 = 0x13
)

// CQE opcodes (high nibble of op_own).
const (
	cqeOpReq      uint8 = 0x0
	cqeOpReqErr   uint8 = 0xd
	cqeOpInvalid  uint8 = 0xf
	cqeSize             = 64
	cqeVendorSynd       = 0x51
)

// simulated virtual address space base for registered umems.
const umemVABase = 0x7f52_0000_0000

type simQP struct {
	qpn         uint32
	state       int
	pdn         uint32
	cqnSnd      uint32
	cqnRcv      uint32
	uarPage     uint32
	wqUmem      uint32
	dbrUmem     uint32
	logSQ       uint8
	logRQ       uint8
	logStride   uint8
	logRRA      uint8
	remoteQPN   uint32
	mtu         uint8
	hwBB        uint16 // basic blocks consumed by the device
	wqeExecuted uint16 // WQEs completed, for the sw counter
}

type simCQ struct {
	cqn      uint32
	umem     uint32
	dbrUmem  uint32
	logSize  uint8
	produced uint64
}

type simMKey struct {
	index  uint32
	key    uint32
	pdn    uint32
	umem   uint32
	start  uint64
	length uint64
}

// Simulated is the software device.
type Simulated struct {
	mu     sync.Mutex
	name   string
	guid   uuid.UUID
	caps   Caps
	ports  map[uint8]*PortAttr
	umems  map[uint32]*Umem
	uars   map[uint32]*UAR
	pds    map[uint32]struct{}
	qps    map[uint32]*simQP
	cqs    map[uint32]*simCQ
	mkeys  map[uint32]*simMKey
	nextID uint32
	nextVA uint64
	tick   uint64
	closed bool
}

// Option configures a simulated device.
type Option func(*Simulated)

// WithLinkLayer sets the link layer of port 1.
func WithLinkLayer(l LinkLayer) Option {
	return func(s *Simulated) { s.ports[1].LinkLayer = l }
}

// WithActiveMTU sets the active MTU of port 1.
func WithActiveMTU(m MTU) Option {
	return func(s *Simulated) { s.ports[1].ActiveMTU = m }
}

// NewSimulated creates a software device. The default port is RoCE
// (Ethernet link layer) with a 1024-byte active MTU.
func NewSimulated(name string, opts ...Option) *Simulated {
	s := &Simulated{
		name:   name,
		guid:   uuid.New(),
		umems:  make(map[uint32]*Umem),
		uars:   make(map[uint32]*UAR),
		pds:    make(map[uint32]struct{}),
		qps:    make(map[uint32]*simQP),
		cqs:    make(map[uint32]*simCQ),
		mkeys:  make(map[uint32]*simMKey),
		ports:  make(map[uint8]*PortAttr),
		nextID: 0x10,
		nextVA: umemVABase,
		caps: Caps{
			LogMaxQPSz:    15,
			LogMaxCQSz:    22,
			LogMaxMsg:     30,
			LogMaxRAReqQP: 4,
			LogMaxRAResQP: 4,
			MaxWQESzSq:    1024,
			MaxSGE:        30,
			NumPorts:      1,
		},
	}

	var gid [16]byte
	gid[0], gid[1] = 0xfe, 0x80
	copy(gid[8:], s.guid[:8])
	s.ports[1] = &PortAttr{
		Number:    1,
		LinkLayer: LinkLayerEthernet,
		ActiveMTU: MTU1024,
		LID:       0x1d,
		GID:       gid,
	}

	for _, opt := range opts {
		opt(s)
	}

	log.Debug().Str("device", name).Str("link_layer", s.ports[1].LinkLayer.String()).
		Msg("simulated device created")
	return s
}

func (s *Simulated) Name() string { return s.name }

func (s *Simulated) Caps() *Caps {
	c := s.caps
	return &c
}

func (s *Simulated) Port(num uint8) (*PortAttr, error) {
	p, ok := s.ports[num]
	if !ok {
		return nil, fmt.Errorf("%w: port %d", rdmaerr.ErrInvalidArgument, num)
	}
	attr := *p
	return &attr, nil
}

func (s *Simulated) LogPageSize() uint8 { return 12 }

func (s *Simulated) handle() uint32 {
	s.nextID++
	return s.nextID
}

func (s *Simulated) AllocPD() (*PD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, rdmaerr.ErrResourceExhaustion
	}
	pdn := s.handle()
	s.pds[pdn] = struct{}{}
	return &PD{pdn: pdn}, nil
}

func (s *Simulated) DeallocPD(pd *PD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pds, pd.pdn)
	return nil
}

func (s *Simulated) RegUmem(size int) (*Umem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || size <= 0 {
		return nil, rdmaerr.ErrResourceExhaustion
	}
	u := &Umem{
		id:   s.handle(),
		base: s.nextVA,
		buf:  make([]byte, size),
	}
	pages := (uint64(size) + UARPageSize - 1) / UARPageSize
	s.nextVA += (pages + 1) * UARPageSize
	s.umems[u.id] = u
	return u, nil
}

func (s *Simulated) DeregUmem(u *Umem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.umems, u.id)
	return nil
}

func (s *Simulated) AllocUAR() (*UAR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, rdmaerr.ErrResourceExhaustion
	}
	u := &UAR{
		pageID: s.handle(),
		page:   make([]byte, UARPageSize),
	}
	u.kick = func() { s.ring(u.pageID) }
	s.uars[u.pageID] = u
	return u, nil
}

func (s *Simulated) FreeUAR(u *UAR) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uars, u.pageID)
	return nil
}

// ResolveAV extracts the address vector. On Ethernet the remote MAC is
// recovered from the EUI-64 interface identifier in the DGID.
func (s *Simulated) ResolveAV(attr *AHAttr) (*AV, error) {
	if attr == nil {
		return nil, rdmaerr.ErrInvalidArgument
	}
	av := &AV{RGID: attr.GRH.DGID, HopLimit: attr.GRH.HopLimit}
	if av.HopLimit == 0 {
		av.HopLimit = 64
	}
	g := attr.GRH.DGID
	av.RMAC = [6]byte{g[8] ^ 0x02, g[9], g[10], g[13], g[14], g[15]}
	return av, nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
