package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/retry"
	"go.bug.st/serial"
)

const maxReply = 256

// Port is the part of serial.Port the source uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens the named port. OpenSerial is the production opener.
type Opener func(name string, baudRate int) (Port, error)

// OpenSerial opens name at baudRate, 8N1.
func OpenSerial(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialSource polls the board over its serial line. The port is opened on
// first use and reopened through the retryer after any I/O error.
type SerialSource struct {
	config  *DeviceConfig
	open    Opener
	retryer *retry.Retryer
	logger  logging.Logger
	metrics *metrics.DeviceMetrics

	mu   sync.Mutex
	port Port
}

// NewSerialSource creates a serial source. A nil opener means OpenSerial.
func NewSerialSource(cfg *DeviceConfig, open Opener, retryer *retry.Retryer, logger logging.Logger, m *metrics.MetricsManager) (*SerialSource, error) {
	if cfg == nil || retryer == nil {
		return nil, fmt.Errorf("device configuration and retryer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if open == nil {
		open = OpenSerial
	}

	return &SerialSource{
		config:  cfg,
		open:    open,
		retryer: retryer,
		logger:  logger.With("component", "serial", "port", cfg.Port),
		metrics: m.GetDeviceMetrics(),
	}, nil
}

// Poll implements Source. It requests a status frame, parses it, then sends
// the remaining poll commands.
func (s *SerialSource) Poll(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(ctx); err != nil {
		return Snapshot{}, err
	}

	frame, err := s.exchange(StatusCommand)
	if err != nil {
		s.drop(err)
		return Snapshot{}, err
	}
	if len(frame) == 0 {
		return Snapshot{}, fmt.Errorf("no response from device")
	}

	snap, err := ParseStatus(string(frame))
	if err != nil {
		return Snapshot{}, err
	}

	for _, cmd := range PollCommands {
		reply, err := s.exchange(cmd)
		if err != nil {
			s.drop(err)
			break
		}
		s.logger.Debug("Poll command answered", "command", string(bytes.TrimSpace(cmd)), "reply", string(bytes.TrimSpace(reply)))
	}

	return snap, nil
}

// Close implements Source.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SerialSource) ensureOpen(ctx context.Context) error {
	if s.port != nil {
		return nil
	}

	err := s.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		port, err := s.open(s.config.Port, s.config.BaudRate)
		if err != nil {
			s.logger.Warn("Failed to open serial port", "attempt", attempt, "error", err.Error())
			return err
		}
		if err := port.SetReadTimeout(s.config.ReadTimeout); err != nil {
			port.Close()
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
		s.port = port
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrCircuitOpen) {
			return fmt.Errorf("serial port %s unavailable: %w", s.config.Port, err)
		}
		return fmt.Errorf("failed to open serial port %s: %w", s.config.Port, err)
	}

	if s.metrics != nil {
		s.metrics.Reconnects.Inc()
	}
	s.logger.Info("Serial port opened", "baud_rate", s.config.BaudRate)
	return nil
}

// exchange writes cmd and collects the reply until a line ends, the read
// times out or the reply gets too long.
func (s *SerialSource) exchange(cmd []byte) ([]byte, error) {
	if err := s.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("failed to reset input buffer: %w", err)
	}

	if _, err := s.port.Write(cmd); err != nil {
		return nil, fmt.Errorf("failed to write command: %w", err)
	}

	reply := make([]byte, 0, maxReply)
	buf := make([]byte, maxReply)
	for len(reply) < maxReply {
		n, err := s.port.Read(buf[:maxReply-len(reply)])
		if err != nil {
			return nil, fmt.Errorf("failed to read reply: %w", err)
		}
		if n == 0 {
			// read timeout
			break
		}
		reply = append(reply, buf[:n]...)
		if bytes.IndexByte(reply, '\n') >= 0 {
			break
		}
	}

	return reply, nil
}

func (s *SerialSource) drop(cause error) {
	s.logger.Warn("Closing serial port after I/O error", "error", cause.Error())
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
}
