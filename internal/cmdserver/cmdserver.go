// Package cmdserver serves device readings over a line-oriented TCP
// protocol. Each request line is a command name; each reply is one line.
package cmdserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/device"
)

// Commands lists the accepted commands in the order they are advertised.
var Commands = []string{"get_hw", "get_sw", "get_temp", "get_relay", "get_dry", "get_optical", "get_all"}

const maxLine = 256

// CommandServerConfig holds the command_server.* settings.
type CommandServerConfig struct {
	Enabled        bool          `json:"enabled"`
	ListenAddress  string        `json:"listen_address"`
	MaxConnections int           `json:"max_connections"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
}

// DefaultCommandServerConfig returns the default command server configuration
func DefaultCommandServerConfig() *CommandServerConfig {
	return &CommandServerConfig{
		Enabled:        false,
		ListenAddress:  ":32001",
		MaxConnections: 16,
		IdleTimeout:    time.Minute,
	}
}

// LoadCommandServerConfig reads the command_server.* keys over the defaults.
func LoadCommandServerConfig(cfg config.Provider) (*CommandServerConfig, error) {
	cc := DefaultCommandServerConfig()

	if enabled, err := cfg.GetBool("command_server.enabled"); err == nil {
		cc.Enabled = enabled
	}

	if addr, err := cfg.GetString("command_server.listen_address"); err == nil {
		cc.ListenAddress = addr
	}

	if maxConns, err := cfg.GetInt("command_server.max_connections"); err == nil {
		cc.MaxConnections = maxConns
	}

	if timeout, err := cfg.GetDuration("command_server.idle_timeout"); err == nil {
		cc.IdleTimeout = timeout
	}

	if cc.MaxConnections < 1 {
		return nil, fmt.Errorf("command_server.max_connections must be at least 1, got %d", cc.MaxConnections)
	}
	if cc.IdleTimeout <= 0 {
		return nil, fmt.Errorf("command_server.idle_timeout must be positive, got %v", cc.IdleTimeout)
	}
	return cc, nil
}

// Snapshots is where replies are read from.
type Snapshots interface {
	Snapshot() device.Snapshot
}

// Server answers commands from the latest device snapshot.
type Server struct {
	config    *CommandServerConfig
	snapshots Snapshots
	logger    logging.Logger

	listener net.Listener
	slots    chan struct{}
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// New creates a command server.
func New(cfg *CommandServerConfig, snapshots Snapshots, logger logging.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultCommandServerConfig()
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		config:    cfg,
		snapshots: snapshots,
		logger:    logger.With("component", "cmdserver"),
		slots:     make(chan struct{}, cfg.MaxConnections),
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("command server is already running")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	s.listener = listener
	s.running = true

	s.wg.Add(1)
	go s.accept(ctx)

	s.logger.Info("Command server started", "address", listener.Addr().String())
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	err := s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Command server stopped")
	return err
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) accept(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running || ctx.Err() != nil {
				return
			}
			s.logger.Warn("Accept failed", "error", err.Error())
			time.Sleep(10 * time.Millisecond)
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Warn("Too many command connections, refusing", "from", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if !s.track(conn) {
			<-s.slots
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		<-s.slots
	}()

	s.logger.Debug("Command client connected", "from", conn.RemoteAddr().String())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxLine), maxLine)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.Debug("Command client dropped", "from", conn.RemoteAddr().String(), "error", err.Error())
			}
			return
		}

		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}

		if _, err := conn.Write([]byte(Answer(cmd, s.snapshots.Snapshot()) + "\n")); err != nil {
			return
		}
	}
}

// Answer returns the reply to cmd. Unknown commands get the command list.
func Answer(cmd string, snap device.Snapshot) string {
	switch cmd {
	case "get_hw":
		return strconv.Itoa(int(snap.HW))
	case "get_sw":
		return strconv.Itoa(int(snap.SW))
	case "get_temp":
		return strconv.Itoa(int(snap.Temp))
	case "get_relay":
		return strconv.Itoa(int(snap.Relay))
	case "get_dry":
		return digits(snap.DryContact[:])
	case "get_optical":
		return digits(snap.OpticalRelay[:])
	case "get_all":
		return fmt.Sprintf("hw=%d sw=%d temp=%d relay=%d optical=%s dry=%s",
			snap.HW, snap.SW, snap.Temp, snap.Relay, digits(snap.OpticalRelay[:]), digits(snap.DryContact[:]))
	}
	return "unknown command, valid commands: " + strings.Join(Commands, " ")
}

func digits(values []int32) string {
	var b strings.Builder
	b.Grow(len(values))
	for _, v := range values {
		b.WriteString(strconv.FormatInt(int64(v), 16))
	}
	return b.String()
}
