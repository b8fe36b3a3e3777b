// Package server runs the agent's network event loop.
//
// One goroutine, the loop, owns the MIB store, the connection pool and every
// client's buffers. Reader goroutines do the blocking socket reads and hand
// their results to the loop over channels, so nothing the loop owns needs a
// lock. A client's reader posts one chunk and then waits for the loop to
// resume it, which keeps a connection from being read while its reply is
// still pending.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/mib"
	"github.com/geekxflood/proteus/internal/parser"
	"github.com/geekxflood/proteus/internal/pool"
)

// Handler is the PDU dispatcher the loop feeds requests to.
type Handler interface {
	// Handle returns the reply to req; an empty reply means none is sent.
	Handle(req []byte, from net.Addr) ([]byte, error)
	// MessageComplete returns 1, 0 or -1 for a complete, incomplete or
	// malformed stream buffer.
	MessageComplete(buf []byte) int
}

// ServerConfig holds the server.* settings.
type ServerConfig struct {
	Host         string        `json:"host"`
	UDPPort      int           `json:"udp_port"`
	TCPPort      int           `json:"tcp_port"`
	TCPEnabled   bool          `json:"tcp_enabled"`
	Interface    string        `json:"interface"`
	Family       string        `json:"family"`
	MaxClients   int           `json:"max_clients"`
	TimeoutTicks int           `json:"timeout_ticks"`
	BufferSize   int           `json:"buffer_size"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// MaxWriteTimeout caps server.write_timeout. Replies are written from the
// loop goroutine, so a blocked write delays every other socket.
const MaxWriteTimeout = 100 * time.Millisecond

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "",
		UDPPort:      161,
		TCPPort:      161,
		TCPEnabled:   true,
		Family:       "dual",
		MaxClients:   4,
		TimeoutTicks: 100,
		BufferSize:   2048,
		WriteTimeout: tick,
	}
}

// LoadServerConfig reads the server.* keys over the defaults.
func LoadServerConfig(cfg config.Provider) (*ServerConfig, error) {
	sc := DefaultServerConfig()

	if host, err := cfg.GetString("server.host"); err == nil {
		sc.Host = host
	}

	if port, err := cfg.GetInt("server.udp_port"); err == nil {
		sc.UDPPort = port
	}

	if port, err := cfg.GetInt("server.tcp_port"); err == nil {
		sc.TCPPort = port
	}

	if enabled, err := cfg.GetBool("server.tcp_enabled"); err == nil {
		sc.TCPEnabled = enabled
	}

	if iface, err := cfg.GetString("server.interface"); err == nil {
		sc.Interface = iface
	}

	if family, err := cfg.GetString("server.family"); err == nil {
		sc.Family = family
	}

	if maxClients, err := cfg.GetInt("server.max_clients"); err == nil {
		sc.MaxClients = maxClients
	}

	if ticks, err := cfg.GetInt("server.timeout_ticks"); err == nil {
		sc.TimeoutTicks = ticks
	}

	if size, err := cfg.GetInt("server.buffer_size"); err == nil {
		sc.BufferSize = size
	}

	if timeout, err := cfg.GetDuration("server.write_timeout"); err == nil {
		sc.WriteTimeout = timeout
	}

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Validate checks the ranges the loop relies on.
func (sc *ServerConfig) Validate() error {
	switch {
	case sc.UDPPort < 0 || sc.UDPPort > 65535:
		return fmt.Errorf("server.udp_port out of range: %d", sc.UDPPort)
	case sc.TCPPort < 0 || sc.TCPPort > 65535:
		return fmt.Errorf("server.tcp_port out of range: %d", sc.TCPPort)
	case sc.MaxClients < 1:
		return fmt.Errorf("server.max_clients must be at least 1, got %d", sc.MaxClients)
	case sc.TimeoutTicks < 1:
		return fmt.Errorf("server.timeout_ticks must be at least 1, got %d", sc.TimeoutTicks)
	case sc.BufferSize < 484:
		// every SNMP agent must accept 484 byte messages
		return fmt.Errorf("server.buffer_size must be at least 484, got %d", sc.BufferSize)
	case sc.WriteTimeout <= 0 || sc.WriteTimeout > MaxWriteTimeout:
		return fmt.Errorf("server.write_timeout must be in (0, %v], got %v", MaxWriteTimeout, sc.WriteTimeout)
	}

	if _, _, err := networks(sc.Family); err != nil {
		return err
	}
	return nil
}

// networks maps server.family to the UDP and TCP network names.
func networks(family string) (string, string, error) {
	switch family {
	case "", "dual":
		return "udp", "tcp", nil
	case "ipv4":
		return "udp4", "tcp4", nil
	case "ipv6":
		return "udp6", "tcp6", nil
	}
	return "", "", fmt.Errorf("unknown server.family %q (want ipv4, ipv6 or dual)", family)
}

type datagram struct {
	data []byte
	addr net.Addr
}

type chunk struct {
	client *pool.Client
	data   []byte
	err    error
}

// Server is the agent's server context: sockets, pool, MIB and dispatcher.
type Server struct {
	config  *ServerConfig
	logger  logging.Logger
	metrics *metrics.ServerMetrics

	store   *mib.Store
	source  mib.Source
	handler Handler
	pool    *pool.Pool

	udp net.PacketConn
	tcp net.Listener

	datagrams chan datagram
	accepted  chan net.Conn
	chunks    chan chunk

	lastRefresh time.Time
	budget      Ticks

	wg sync.WaitGroup
}

// New creates a server. Listen must be called before Run.
func New(cfg *ServerConfig, store *mib.Store, source mib.Source, handler Handler, logger logging.Logger, m *metrics.MetricsManager) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || source == nil {
		return nil, fmt.Errorf("MIB store and refresh source cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		config:    cfg,
		logger:    logger.With("component", "server"),
		metrics:   m.GetServerMetrics(),
		store:     store,
		source:    source,
		handler:   handler,
		pool:      pool.New(cfg.MaxClients),
		datagrams: make(chan datagram),
		accepted:  make(chan net.Conn),
		chunks:    make(chan chunk),
	}, nil
}

// Listen opens the UDP socket and, when enabled, the TCP listener. Any
// failure here is fatal.
func (s *Server) Listen(ctx context.Context) error {
	udpNet, tcpNet, err := networks(s.config.Family)
	if err != nil {
		return fatal("listen", err)
	}

	lc := net.ListenConfig{Control: bindToDevice(s.config.Interface)}

	udpAddr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.UDPPort))
	udp, err := lc.ListenPacket(ctx, udpNet, udpAddr)
	if err != nil {
		return fatal("listen udp", err)
	}
	s.udp = udp

	if s.config.TCPEnabled {
		tcpAddr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.TCPPort))
		tcp, err := lc.Listen(ctx, tcpNet, tcpAddr)
		if err != nil {
			udp.Close()
			return fatal("listen tcp", err)
		}
		s.tcp = tcp
	}

	s.logger.Info("Listening",
		"udp", s.udp.LocalAddr().String(),
		"tcp", s.TCPAddr(),
		"interface", s.config.Interface,
		"max_clients", s.config.MaxClients)

	return nil
}

// UDPAddr returns the bound UDP address.
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil without a listener.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Run serves until ctx is cancelled or a refresh fails. It closes every
// socket before returning.
func (s *Server) Run(ctx context.Context) error {
	if s.udp == nil {
		return fatal("run", errors.New("server is not listening"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.shutdown()
	}()

	s.wg.Add(1)
	go s.readUDP(ctx)

	if s.tcp != nil {
		s.wg.Add(1)
		go s.acceptTCP(ctx)
	}

	// the first pass is always full
	s.lastRefresh = time.Time{}
	if err := s.refresh(time.Now()); err != nil {
		return err
	}

	timer := time.NewTimer(s.budget.Duration())
	defer timer.Stop()

	s.logger.Info("Started", "refresh_interval", Ticks(s.config.TimeoutTicks).Duration())

	for {
		var (
			dgram    *datagram
			conn     net.Conn
			received *chunk
		)

		select {
		case <-ctx.Done():
			s.logger.Info("Stopped")
			return nil
		case <-timer.C:
		case d := <-s.datagrams:
			dgram = &d
		case c := <-s.accepted:
			conn = c
		case c := <-s.chunks:
			received = &c
		}

		now := time.Now()
		if err := s.refresh(now); err != nil {
			return err
		}

		switch {
		case dgram != nil:
			s.handleDatagram(*dgram)
		case conn != nil:
			s.handleAccept(ctx, conn, now)
		case received != nil:
			s.handleChunk(*received, now)
		}

		s.flush(now)

		if removed := s.pool.Compact(); removed > 0 {
			s.logger.Debug("Compacted client pool", "removed", removed, "clients", s.pool.Len())
		}
		if s.metrics != nil {
			s.metrics.ClientsActive.Set(float64(s.pool.Len()))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.budget.Duration())
	}
}

// refresh runs the full or partial MIB pass due at now.
func (s *Server) refresh(now time.Time) error {
	interval := Ticks(s.config.TimeoutTicks)
	full, budget := Schedule(interval, TicksSince(s.lastRefresh, now))

	start := time.Now()
	if err := s.store.Update(full, s.source); err != nil {
		s.logger.Error("MIB refresh failed", "full", full, "error", err.Error())
		return fatal("refresh", err)
	}

	if full {
		s.lastRefresh = now
	}
	s.budget = budget

	if s.metrics != nil {
		kind := "partial"
		if full {
			kind = "full"
		}
		s.metrics.Refreshes.WithLabelValues(kind).Inc()
		s.metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (s *Server) handleDatagram(d datagram) {
	reply, err := s.handler.Handle(d.data, d.addr)
	if err != nil {
		s.logger.Debug("Dropped UDP request", "from", d.addr.String(), "error", err.Error())
	}
	if len(reply) == 0 {
		s.logger.Debug("No reply for UDP request", "from", d.addr.String(), "size", len(d.data))
		return
	}

	if _, err := s.udp.WriteTo(reply, d.addr); err != nil {
		s.logger.Warn("Failed to send UDP reply", "error", transient("send", d.addr, err).Error())
	}
}

func (s *Server) handleAccept(ctx context.Context, conn net.Conn, now time.Time) {
	client := pool.NewClient(conn, now)

	if evicted := s.pool.Add(client); evicted != nil {
		s.logger.Warn(fmt.Sprintf("maximum number of %d clients reached, kicking out %s", s.pool.Cap(), evicted.Addr))
		if s.metrics != nil {
			s.metrics.ClientsEvicted.Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.ClientsAccepted.Inc()
	}

	s.logger.Debug("Accepted TCP client", "from", client.Addr.String(), "clients", s.pool.Len())

	s.wg.Add(1)
	go s.readClient(ctx, client)
}

func (s *Server) handleChunk(c chunk, now time.Time) {
	client := c.client
	if client.Closed() {
		// evicted while the chunk was in flight
		return
	}

	if len(c.data) > 0 {
		client.Append(c.data, now)
	}

	if c.err != nil {
		if errors.Is(c.err, io.EOF) {
			s.logger.Debug("TCP client disconnected", "from", client.Addr.String())
			client.Close()
			return
		}
		s.closeClient(client, transient("read", client.Addr, c.err))
		return
	}

	switch s.handler.MessageComplete(client.Buf) {
	case parser.Incomplete:
		if len(client.Buf) >= s.config.BufferSize {
			s.closeClient(client, transient("read", client.Addr, errMessageTooBig))
			return
		}
		client.Resume()
		return
	case parser.Malformed:
		s.closeClient(client, transient("read", client.Addr, errMalformed))
		return
	}

	reply, err := s.handler.Handle(client.Buf, client.Addr)
	if err != nil {
		s.logger.Debug("Dropped TCP request", "from", client.Addr.String(), "error", err.Error())
	}
	if len(reply) == 0 {
		s.closeClient(client, transient("dispatch", client.Addr, errNoReply))
		return
	}

	client.SetReply(reply)
}

// flush writes every pending reply. A reply goes out in one write or the
// connection is dropped. The write deadline bounds how long a peer that
// stopped reading can hold the loop.
func (s *Server) flush(now time.Time) {
	for _, client := range s.pool.Clients() {
		if client.Closed() || client.State != pool.AwaitingSend {
			continue
		}

		if err := client.Conn.SetWriteDeadline(now.Add(s.config.WriteTimeout)); err != nil {
			s.closeClient(client, transient("write", client.Addr, err))
			continue
		}

		n, err := client.Conn.Write(client.Buf)
		if err == nil && n < len(client.Buf) {
			err = errShortWrite
		}
		if err != nil {
			s.closeClient(client, transient("write", client.Addr, err))
			continue
		}

		client.ResetRequest(now)
		client.Resume()
	}
}

func (s *Server) closeClient(client *pool.Client, err *Error) {
	s.logger.Debug("Closing TCP client", "error", err.Error())
	client.Close()
	if s.metrics != nil {
		s.metrics.ClientErrors.Inc()
	}
}

func (s *Server) readUDP(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, s.config.BufferSize)
	for {
		n, addr, err := s.udp.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("UDP receive failed", "error", transient("receive", nil, err).Error())
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.datagrams <- datagram{data: data, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) acceptTCP(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("TCP accept failed", "error", transient("accept", nil, err).Error())
			// avoid spinning on errors like EMFILE
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case s.accepted <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// readClient posts one chunk at a time and waits for the loop to resume it.
func (s *Server) readClient(ctx context.Context, client *pool.Client) {
	defer s.wg.Done()

	buf := make([]byte, s.config.BufferSize)
	for {
		n, err := client.Conn.Read(buf)
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.chunks <- chunk{client: client, data: data, err: err}:
		case <-client.Done():
			return
		case <-ctx.Done():
			return
		}

		if err != nil || !client.WaitResume() {
			return
		}
	}
}

func (s *Server) shutdown() {
	if s.udp != nil {
		s.udp.Close()
	}
	if s.tcp != nil {
		s.tcp.Close()
	}
	s.pool.CloseAll()
	s.wg.Wait()
}
