// Package connector is the connection manager: it accepts peer
// connections over a TCP side-channel, issues per-connection resource
// bundles, orchestrates the RTR/RTS handshake, and tracks endpoints by
// connection id.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/metrics"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// Config holds the manager's side-channel configuration.
type Config struct {
	Address        string
	Port           uint16
	TimeoutMS      int
	Nonblocking    bool
	MaxConnections int
	ListenBacklog  int
	Resources      ResourceConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Address:        "0.0.0.0",
		Port:           18515,
		TimeoutMS:      5000,
		Nonblocking:    false,
		MaxConnections: 16,
		ListenBacklog:  10,
		Resources:      DefaultResourceConfig(),
	}
}

// acceptPollInterval bounds how long shutdown can lag the stop signal.
const acceptPollInterval = time.Second

// capacityWait is how long a fresh accept waits for a slot before the
// socket is dropped.
const capacityWait = time.Second

// TCP keepalive settings installed on every data socket.
const (
	keepaliveIdle     = 60
	keepaliveInterval = 5
	keepaliveCount    = 3
)

// OnConnection is invoked after accept or a successful client connect,
// before the handshake. For accepted connections it runs on the acceptor
// goroutine, and for Connect on the caller's goroutine; long work must be
// offloaded.
type OnConnection func(id uint64, remoteIP string, remotePort uint16)

// OnDisconnection is invoked after CloseConnection or during Stop.
type OnDisconnection func(id uint64)

// Manager owns all active endpoints, keyed by connection id.
type Manager struct {
	cfg     Config
	dev     device.Device
	session uuid.UUID
	lg      zerolog.Logger

	mu     sync.Mutex
	eps    map[uint64]*Endpoint
	nextID atomic.Uint64

	running atomic.Bool
	ln      *net.TCPListener
	slots   chan struct{}
	stopCh  chan struct{}
	group   *errgroup.Group

	onConn OnConnection
	onDisc OnDisconnection
}

// New creates a manager bound to a device.
func New(dev device.Device, cfg Config) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	m := &Manager{
		cfg:     cfg,
		dev:     dev,
		session: uuid.New(),
		eps:     make(map[uint64]*Endpoint),
	}
	m.lg = log.With().Str("session", m.session.String()).Logger()
	return m
}

// OnConnection installs the connection callback.
func (m *Manager) OnConnection(cb OnConnection) { m.onConn = cb }

// OnDisconnection installs the disconnection callback.
func (m *Manager) OnDisconnection(cb OnDisconnection) { m.onDisc = cb }

// Running reports whether the server loop is active.
func (m *Manager) Running() bool { return m.running.Load() }

// ConnectionCount returns the number of tracked endpoints.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.eps)
}

// Endpoint returns a non-owning reference to a tracked endpoint.
func (m *Manager) Endpoint(id uint64) (*Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.eps[id]
	return ep, ok
}

// Start binds the listening socket and launches the background acceptor.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: server already running", rdmaerr.ErrInvalidState)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	// The kernel listen backlog is governed by net.core.somaxconn; the
	// configured listen_backlog is advisory on this runtime.
	addr := net.JoinHostPort(m.cfg.Address, strconv.Itoa(int(m.cfg.Port)))
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		m.running.Store(false)
		return &rdmaerr.NetworkError{Op: "listen " + addr, Code: err}
	}

	m.ln = ln.(*net.TCPListener)
	m.slots = make(chan struct{}, m.cfg.MaxConnections)
	m.stopCh = make(chan struct{})
	m.group = &errgroup.Group{}
	m.group.Go(m.acceptLoop)

	m.lg.Info().Str("addr", addr).Int("max_connections", m.cfg.MaxConnections).
		Msg("connection manager listening")
	return nil
}

// acceptLoop polls the listen socket with a short deadline so Stop stays
// responsive, gates admissions on the capacity semaphore, and hands each
// accepted socket to an endpoint.
func (m *Manager) acceptLoop() error {
	for m.running.Load() {
		if err := m.ln.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			return err
		}
		conn, err := m.ln.AcceptTCP()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if !m.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.lg.Error().Err(err).Msg("accept failed")
			return err
		}

		// Admission: wait briefly for a free slot, then drop the socket.
		select {
		case m.slots <- struct{}{}:
		case <-time.After(capacityWait):
			m.lg.Warn().Int("max", m.cfg.MaxConnections).Msg("connection limit reached, dropping accept")
			_ = conn.Close()
			continue
		case <-m.stopCh:
			_ = conn.Close()
			return nil
		}

		if _, err := m.track(conn, "server"); err != nil {
			<-m.slots
			m.lg.Error().Err(err).Msg("failed to track accepted connection")
			_ = conn.Close()
		}
	}
	return nil
}

// track installs socket options, registers the endpoint, and fires the
// connection callback.
func (m *Manager) track(conn *net.TCPConn, role string) (uint64, error) {
	if err := configureSocket(conn, time.Duration(m.cfg.TimeoutMS)*time.Millisecond, m.cfg.Nonblocking); err != nil {
		return 0, err
	}

	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port, _ := strconv.Atoi(portStr)

	id := m.nextID.Add(1)
	ep := newEndpoint(id, conn, host, uint16(port), role)

	m.mu.Lock()
	m.eps[id] = ep
	m.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(role).Inc()
	metrics.ConnectionsActive.Inc()
	m.lg.Info().Uint64("conn_id", id).Str("remote", conn.RemoteAddr().String()).
		Str("role", role).Msg("connection established")

	if m.onConn != nil {
		m.onConn(id, host, uint16(port))
	}
	return id, nil
}

// Connect opens a client connection to a remote manager.
func (m *Manager) Connect(address string, port uint16) (uint64, error) {
	timeout := time.Duration(m.cfg.TimeoutMS) * time.Millisecond
	addr := net.JoinHostPort(address, strconv.Itoa(int(port)))

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return 0, &rdmaerr.NetworkError{Op: "connect " + addr, Code: err}
	}
	tcp := conn.(*net.TCPConn)
	id, err := m.track(tcp, "client")
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	return id, nil
}

// CloseConnection tears one endpoint down and releases its capacity slot.
func (m *Manager) CloseConnection(id uint64) bool {
	m.mu.Lock()
	ep, ok := m.eps[id]
	if ok {
		delete(m.eps, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	ep.close()
	metrics.ConnectionsActive.Dec()
	select {
	case <-m.slots:
	default:
	}
	if m.onDisc != nil {
		m.onDisc(id)
	}
	m.lg.Info().Uint64("conn_id", id).Msg("connection closed")
	return true
}

// Stop halts the acceptor and closes every endpoint.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	if m.ln != nil {
		_ = m.ln.Close()
	}
	_ = m.group.Wait()

	m.mu.Lock()
	ids := make([]uint64, 0, len(m.eps))
	for id := range m.eps {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseConnection(id)
	}
	m.lg.Info().Msg("connection manager stopped")
}

// configureSocket installs keepalive and I/O timeouts on a data socket and
// optionally leaves it non-blocking.
func configureSocket(c *net.TCPConn, timeout time.Duration, nonblocking bool) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		sock := int(fd)
		if serr = unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); serr != nil {
			return
		}
		if serr = unix.SetsockoptInt(sock, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepaliveIdle); serr != nil {
			return
		}
		if serr = unix.SetsockoptInt(sock, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepaliveInterval); serr != nil {
			return
		}
		if serr = unix.SetsockoptInt(sock, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveCount); serr != nil {
			return
		}
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		if serr = unix.SetsockoptTimeval(sock, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); serr != nil {
			return
		}
		if serr = unix.SetsockoptTimeval(sock, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); serr != nil {
			return
		}
		if nonblocking {
			serr = unix.SetNonblock(sock, true)
		}
	})
	if err != nil {
		return err
	}
	return serr
}
