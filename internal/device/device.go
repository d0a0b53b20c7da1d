// Package device provides the device capability source and resource
// registry the engine runs against: capability and port queries, user
// memory registration, UAR allocation, and execution of vendor command
// buffers.
//
// Two backends exist behind the Device interface: Simulated, a software
// device model used by default and by every test that needs a device, and
// whatever hardware
// binding is attached out of tree. The engine never talks to hardware
// except through this interface.
package device

// LinkLayer identifies the port transport.
type LinkLayer uint8

const (
	LinkLayerInfiniBand LinkLayer = iota + 1
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "infiniband"
	case LinkLayerEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// MTU is the hardware path-MTU encoding.
type MTU uint8

const (
	MTU256  MTU = 1
	MTU512  MTU = 2
	MTU1024 MTU = 3
	MTU2048 MTU = 4
	MTU4096 MTU = 5
)

// Bytes returns the MTU in bytes.
func (m MTU) Bytes() int { return 128 << m }

// Caps holds the HCA capabilities the engine consumes.
type Caps struct {
	LogMaxQPSz    uint8
	LogMaxCQSz    uint8
	LogMaxMsg     uint8
	LogMaxRAReqQP uint8
	LogMaxRAResQP uint8
	MaxWQESzSq    uint16
	MaxSGE        uint8
	NumPorts      uint8
}

// PortAttr describes one device port.
type PortAttr struct {
	Number    uint8
	LinkLayer LinkLayer
	ActiveMTU MTU
	LID       uint16
	GID       [16]byte
}

// GlobalRoute is the GRH part of an address handle.
type GlobalRoute struct {
	DGID         [16]byte
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AHAttr describes the remote address path.
type AHAttr struct {
	GRH         GlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	PortNum     uint8
	IsGlobal    bool
}

// AV is the vendor address vector extracted from an address handle; the
// INIT2RTR command copies its fields into the primary address path.
type AV struct {
	RMAC     [6]byte
	RGID     [16]byte
	HopLimit uint8
}

// Umem is a registered user memory region. Base is the address the device
// translates for this region; work-request addresses resolve against it.
type Umem struct {
	id   uint32
	base uint64
	buf  []byte
}

func (u *Umem) ID() uint32    { return u.id }
func (u *Umem) Base() uint64  { return u.base }
func (u *Umem) Bytes() []byte { return u.buf }
func (u *Umem) Size() int     { return len(u.buf) }

// UAR layout constants.
const (
	UARPageSize        = 4096
	UARCQDoorbell      = 0x20
	UARSendDoorbell    = 0x800
	BlueFlameBufSize   = 256
	DoorbellRecordSize = 64
)

// Doorbell record word indices within a QP doorbell record.
const (
	RcvDBR = 0
	SndDBR = 1
)

// CQ doorbell record word indices.
const (
	CQSetCIDB = 0
	CQArmDB   = 1
)

// UAR is a mapped user access region page. On hardware the fenced MMIO
// store alone reaches the device; the simulated device additionally hooks
// Kick, which the QP post path invokes after its doorbell sequence
// completes. CQ arming does not kick.
type UAR struct {
	pageID uint32
	page   []byte
	kick   func()
}

func (u *UAR) PageID() uint32 { return u.pageID }
func (u *UAR) Page() []byte   { return u.page }

// Reg returns the 8-byte register window at the given page offset.
func (u *UAR) Reg(off int) []byte { return u.page[off : off+8] }

// Kick notifies a simulated device that a doorbell was rung. It is a
// no-op on hardware-backed UARs.
func (u *UAR) Kick() {
	if u.kick != nil {
		u.kick()
	}
}

// PD is a protection domain handle.
type PD struct {
	pdn uint32
}

func (p *PD) PDN() uint32 { return p.pdn }

// Device is the capability source and resource registry.
type Device interface {
	// Name returns the device name (e.g. "rdmasim0").
	Name() string

	// Caps returns the queried HCA capabilities.
	Caps() *Caps

	// Port returns the attributes of a port, 1-based.
	Port(num uint8) (*PortAttr, error)

	// LogPageSize is the host page size as a power of two.
	LogPageSize() uint8

	// AllocPD allocates a protection domain.
	AllocPD() (*PD, error)
	DeallocPD(pd *PD) error

	// RegUmem allocates and registers size bytes of user memory.
	RegUmem(size int) (*Umem, error)
	DeregUmem(u *Umem) error

	// AllocUAR maps a doorbell page.
	AllocUAR() (*UAR, error)
	FreeUAR(u *UAR) error

	// ResolveAV extracts the vendor address vector for a remote path.
	ResolveAV(attr *AHAttr) (*AV, error)

	// Exec runs one vendor command. A non-nil error means the command
	// never reached the device; command-level failures are reported
	// through the output buffer's status and syndrome.
	Exec(in, out []byte) error

	Close() error
}
