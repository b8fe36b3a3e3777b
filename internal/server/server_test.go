package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/agent"
	"github.com/geekxflood/proteus/internal/device"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/mib"
	"github.com/geekxflood/proteus/internal/pool"
	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/gosnmp/gosnmp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const temperature = ".1.3.6.1.4.1.126.3.2.0"

func TestSchedule(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  Ticks
		wantFull bool
		want     Ticks
	}{
		{"just refreshed", 0, false, 100},
		{"mid interval", 40, false, 60},
		{"one tick left", 99, false, 1},
		{"interval reached", 100, true, 100},
		{"interval overrun", 250, true, 100},
		{"clock went backwards", -5, true, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full, budget := Schedule(100, tt.elapsed)
			if full != tt.wantFull {
				t.Errorf("Schedule(100, %d) full = %v, want %v", tt.elapsed, full, tt.wantFull)
			}
			if budget != tt.want {
				t.Errorf("Schedule(100, %d) budget = %d, want %d", tt.elapsed, budget, tt.want)
			}
		})
	}
}

func TestTicks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, Ticks(150), TicksSince(start, start.Add(1500*time.Millisecond)))
	assert.Equal(t, Ticks(0), TicksSince(start, start.Add(9*time.Millisecond)))
	assert.Equal(t, Ticks(-100), TicksSince(start, start.Add(-time.Second)))
	assert.Equal(t, 250*time.Millisecond, Ticks(25).Duration())
}

func TestLoadServerConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		sc, err := LoadServerConfig(testutil.NewMockConfig())
		require.NoError(t, err)
		assert.Equal(t, DefaultServerConfig(), sc)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg := testutil.NewMockConfig()
		cfg.Set("server.host", "127.0.0.1")
		cfg.Set("server.udp_port", 1161)
		cfg.Set("server.tcp_port", 1162)
		cfg.Set("server.tcp_enabled", false)
		cfg.Set("server.family", "ipv4")
		cfg.Set("server.max_clients", 8)
		cfg.Set("server.timeout_ticks", 50)
		cfg.Set("server.write_timeout", "50ms")

		sc, err := LoadServerConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", sc.Host)
		assert.Equal(t, 1161, sc.UDPPort)
		assert.Equal(t, 1162, sc.TCPPort)
		assert.False(t, sc.TCPEnabled)
		assert.Equal(t, "ipv4", sc.Family)
		assert.Equal(t, 8, sc.MaxClients)
		assert.Equal(t, 50, sc.TimeoutTicks)
		assert.Equal(t, 50*time.Millisecond, sc.WriteTimeout)
	})

	invalid := map[string]any{
		"server.udp_port":      70000,
		"server.max_clients":   0,
		"server.timeout_ticks": 0,
		"server.buffer_size":   100,
		"server.family":        "ipx",
		"server.write_timeout": "1s",
	}
	for key, value := range invalid {
		t.Run("invalid "+key, func(t *testing.T) {
			cfg := testutil.NewMockConfig()
			cfg.Set(key, value)
			_, err := LoadServerConfig(cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewValidation(t *testing.T) {
	store, source, handler := newFixture(t)
	logger := testutil.Logger()

	_, err := New(nil, nil, source, handler, logger, nil)
	assert.Error(t, err)

	_, err = New(nil, store, source, nil, logger, nil)
	assert.Error(t, err)

	_, err = New(nil, store, source, handler, nil, nil)
	assert.Error(t, err)

	_, err = New(&ServerConfig{MaxClients: 0, TimeoutTicks: 1, BufferSize: 2048}, store, source, handler, logger, nil)
	assert.Error(t, err)
}

type failingSource struct{}

func (failingSource) Refresh(*mib.Updater, bool) error {
	return errors.New("sensor table unavailable")
}

func TestRefreshFailureIsFatal(t *testing.T) {
	store, _, handler := newFixture(t)

	srv, err := New(testConfig(4), store, failingSource{}, handler, testutil.Logger(), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = srv.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorContains(t, err, "sensor table unavailable")
}

func TestRunRequiresListen(t *testing.T) {
	store, source, handler := newFixture(t)

	srv, err := New(testConfig(4), store, source, handler, testutil.Logger(), nil)
	require.NoError(t, err)

	err = srv.Run(context.Background())
	assert.True(t, IsFatal(err))
}

func TestUDPGet(t *testing.T) {
	srv, _ := startServer(t, testConfig(4), nil)

	client := &gosnmp.GoSNMP{
		Target:    "127.0.0.1",
		Port:      uint16(srv.UDPAddr().(*net.UDPAddr).Port),
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   2 * time.Second,
		Retries:   1,
	}
	require.NoError(t, client.Connect())
	defer client.Conn.Close()

	result, err := client.Get([]string{temperature})
	require.NoError(t, err)
	require.Len(t, result.Variables, 1)
	assert.Equal(t, temperature, result.Variables[0].Name)
	assert.Equal(t, 41, result.Variables[0].Value)
}

func TestUDPWrongCommunityGetsNoReply(t *testing.T) {
	srv, _ := startServer(t, testConfig(4), nil)

	conn, err := net.Dial("udp", srv.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(getRequest(t, "private"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = conn.Read(make([]byte, 1500))
	assertTimeout(t, err)
}

func TestTCPSplitRequest(t *testing.T) {
	srv, _ := startServer(t, testConfig(4), nil)

	conn := dialTCP(t, srv)
	req := getRequest(t, "public")
	half := len(req) / 2

	_, err := conn.Write(req[:half])
	require.NoError(t, err)

	// nothing is answered until the message is complete
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = conn.Read(make([]byte, 1500))
	assertTimeout(t, err)

	_, err = conn.Write(req[half:])
	require.NoError(t, err)

	packet := readReply(t, conn)
	require.Len(t, packet.Variables, 1)
	assert.Equal(t, 41, packet.Variables[0].Value)

	// exactly one reply
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = conn.Read(make([]byte, 1500))
	assertTimeout(t, err)
}

func TestTCPConnectionReuse(t *testing.T) {
	srv, _ := startServer(t, testConfig(4), nil)

	conn := dialTCP(t, srv)
	for i := 0; i < 3; i++ {
		_, err := conn.Write(getRequest(t, "public"))
		require.NoError(t, err)

		packet := readReply(t, conn)
		require.Len(t, packet.Variables, 1, "request %d", i)
	}
}

func TestTCPMalformedClosesConnection(t *testing.T) {
	srv, _ := startServer(t, testConfig(4), nil)

	conn := dialTCP(t, srv)
	_, err := conn.Write([]byte{0x02, 0x01, 0x00})
	require.NoError(t, err)

	assertClosed(t, conn)
}

func TestTCPNoReplyClosesConnection(t *testing.T) {
	srv, _ := startServer(t, testConfig(4), nil)

	conn := dialTCP(t, srv)
	_, err := conn.Write(getRequest(t, "private"))
	require.NoError(t, err)

	assertClosed(t, conn)
}

func TestTCPEviction(t *testing.T) {
	m, err := metrics.NewMetricsManager(testutil.NewMockConfig(), testutil.Logger())
	require.NoError(t, err)

	srv, _ := startServer(t, testConfig(1), m)

	first := dialTCP(t, srv)
	_, err = first.Write(getRequest(t, "public"))
	require.NoError(t, err)
	readReply(t, first)

	second := dialTCP(t, srv)
	_, err = second.Write(getRequest(t, "public"))
	require.NoError(t, err)
	readReply(t, second)

	assertClosed(t, first)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.GetServerMetrics().ClientsEvicted))
	assert.Equal(t, float64(2), promtest.ToFloat64(m.GetServerMetrics().ClientsAccepted))
}

func TestFlushBoundedByWriteTimeout(t *testing.T) {
	store, source, handler := newFixture(t)
	srv, err := New(testConfig(4), store, source, handler, testutil.Logger(), nil)
	require.NoError(t, err)

	// the remote end never reads, so the write can only end at the deadline
	local, remote := net.Pipe()
	defer remote.Close()

	stalled := pool.NewClient(local, time.Now())
	srv.pool.Add(stalled)
	stalled.SetReply([]byte{0x30, 0x00})

	start := time.Now()
	srv.flush(start)

	assert.Less(t, time.Since(start), MaxWriteTimeout)
	assert.True(t, stalled.Closed())
}

func TestShutdownClosesClients(t *testing.T) {
	srv, cancel := startServer(t, testConfig(4), nil)

	conn := dialTCP(t, srv)
	_, err := conn.Write(getRequest(t, "public"))
	require.NoError(t, err)
	readReply(t, conn)

	cancel()
	assertClosed(t, conn)
}

func newFixture(t *testing.T) (*mib.Store, mib.Source, Handler) {
	t.Helper()

	layout := mib.Layout{System: &mib.SystemInfo{Description: "proteus"}}
	store, err := mib.Build(layout.Declarations())
	require.NoError(t, err)

	snapshots := device.NewStore()
	snapshots.Set(device.Snapshot{Temp: 41})

	a, err := agent.New(store, agent.Options{Logger: testutil.Logger()})
	require.NoError(t, err)

	return store, layout.NewRefresher(time.Now(), snapshots), a
}

func testConfig(maxClients int) *ServerConfig {
	sc := DefaultServerConfig()
	sc.Host = "127.0.0.1"
	sc.Family = "ipv4"
	sc.UDPPort = 0
	sc.TCPPort = 0
	sc.MaxClients = maxClients
	sc.TimeoutTicks = 10
	return sc
}

func startServer(t *testing.T, sc *ServerConfig, m *metrics.MetricsManager) (*Server, context.CancelFunc) {
	t.Helper()

	store, source, handler := newFixture(t)
	srv, err := New(sc, store, source, handler, testutil.Logger(), m)
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, cancel
}

func dialTCP(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func getRequest(t *testing.T, community string) []byte {
	t.Helper()

	packet := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: community,
		PDUType:   gosnmp.GetRequest,
		RequestID: 7,
		Variables: []gosnmp.SnmpPDU{{Name: temperature, Type: gosnmp.Null}},
	}
	out, err := packet.MarshalMsg()
	require.NoError(t, err)
	return out
}

func readReply(t *testing.T, conn net.Conn) *gosnmp.SnmpPacket {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	packet, err := gosnmp.Default.SnmpDecodePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, gosnmp.GetResponse, packet.PDUType)
	return packet
}

func assertTimeout(t *testing.T, err error) {
	t.Helper()

	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "expected a timeout, got %v", err)
	assert.True(t, netErr.Timeout())
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 64))
	require.Error(t, err)
	if !errors.Is(err, io.EOF) {
		// a reset is as good as a clean close
		var netErr net.Error
		if errors.As(err, &netErr) {
			assert.False(t, netErr.Timeout(), "connection was not closed")
		}
	}
}
