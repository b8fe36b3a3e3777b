package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	store := NewStore()
	assert.Equal(t, Snapshot{}, store.Snapshot())
	assert.True(t, store.Updated().IsZero())

	var seen []Snapshot
	store.OnChange(func(s Snapshot) { seen = append(seen, s) })

	snap := Snapshot{Temp: 40}
	store.Set(snap)
	store.Set(snap)
	snap.Temp = 42
	store.Set(snap)

	assert.Equal(t, int32(42), store.Snapshot().Temp)
	assert.False(t, store.Updated().IsZero())
	require.Len(t, seen, 2, "unchanged snapshots must not notify")
	assert.Equal(t, int32(40), seen[0].Temp)
	assert.Equal(t, uint64(3), store.GetStats()["updates"])
}

func TestLoadDeviceConfig(t *testing.T) {
	dc, err := LoadDeviceConfig(testutil.NewMockConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceConfig(), dc)

	cfg := testutil.NewMockConfig()
	cfg.Set("device.source", "file")
	cfg.Set("device.file", "/var/lib/proteus/snapshot.json")
	cfg.Set("device.poll_interval", "2s")

	dc, err = LoadDeviceConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, SourceFile, dc.Source)
	assert.Equal(t, "/var/lib/proteus/snapshot.json", dc.File)
	assert.Equal(t, 2*time.Second, dc.PollInterval)

	tests := []struct {
		name   string
		values map[string]any
	}{
		{"unknown source", map[string]any{"device.source": "usb"}},
		{"file without path", map[string]any{"device.source": "file"}},
		{"serial without port", map[string]any{"device.port": ""}},
		{"zero baud rate", map[string]any{"device.baud_rate": 0}},
		{"zero interval", map[string]any{"device.poll_interval": "0s"}},
	}
	for _, tt := range tests {
		cfg := testutil.NewMockConfig()
		for k, v := range tt.values {
			cfg.Set(k, v)
		}
		if _, err := LoadDeviceConfig(cfg); err == nil {
			t.Errorf("%s: LoadDeviceConfig() succeeded, want error", tt.name)
		}
	}

	static := testutil.NewMockConfig()
	static.Set("device.source", "static")
	static.Set("device.port", "")
	_, err = LoadDeviceConfig(static)
	assert.NoError(t, err)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(Snapshot{HW: 2})

	snap, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), snap.HW)
	assert.NoError(t, src.Close())
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hw": 3, "temp": 38, "optical_relay": [1, 0, 0, 0]}`), 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	assert.Equal(t, path, src.Path())

	snap, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), snap.HW)
	assert.Equal(t, int32(38), snap.Temp)
	assert.Equal(t, int32(1), snap.OpticalRelay[0])

	require.NoError(t, os.WriteFile(path, []byte(`{"temp": 45}`), 0o644))
	require.NoError(t, src.Load())
	snap, err = src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(45), snap.Temp)

	// a broken rewrite keeps the last good reading
	require.NoError(t, os.WriteFile(path, []byte(`{"temp": `), 0o644))
	assert.Error(t, src.Load())
	snap, err = src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(45), snap.Temp)
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	src := &FileSource{path: "unused"}
	_, err = src.Poll(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

type scriptedSource struct {
	results []error
	polls   int
	closed  bool
}

func (s *scriptedSource) Poll(ctx context.Context) (Snapshot, error) {
	s.polls++
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return Snapshot{}, err
		}
	}
	return Snapshot{Temp: int32(30 + s.polls)}, nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

func TestPollerPollOnce(t *testing.T) {
	m, err := metrics.NewMetricsManager(testutil.NewMockConfig(), testutil.Logger())
	require.NoError(t, err)

	src := &scriptedSource{results: []error{nil, errors.New("timeout"), nil}}
	store := NewStore()
	p, err := NewPoller(src, store, time.Second, testutil.Logger(), m)
	require.NoError(t, err)

	p.PollOnce(context.Background())
	assert.Equal(t, int32(31), store.Snapshot().Temp)

	p.PollOnce(context.Background())
	assert.Equal(t, int32(31), store.Snapshot().Temp, "a failed poll keeps the last snapshot")
	assert.Equal(t, 1, p.failures)

	p.PollOnce(context.Background())
	assert.Equal(t, int32(33), store.Snapshot().Temp)
	assert.Zero(t, p.failures)

	dm := m.GetDeviceMetrics()
	assert.Equal(t, float64(3), promtest.ToFloat64(dm.Polls))
	assert.Equal(t, float64(1), promtest.ToFloat64(dm.PollErrors))
	assert.Equal(t, float64(33), promtest.ToFloat64(dm.Temperature))
}

func TestPollerRun(t *testing.T) {
	src := &scriptedSource{}
	store := NewStore()
	p, err := NewPoller(src, store, 5*time.Millisecond, testutil.Logger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return store.GetStats()["updates"].(uint64) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	assert.True(t, src.closed)
}

func TestNewPollerValidation(t *testing.T) {
	logger := testutil.Logger()

	_, err := NewPoller(nil, NewStore(), time.Second, logger, nil)
	assert.Error(t, err)
	_, err = NewPoller(&scriptedSource{}, nil, time.Second, logger, nil)
	assert.Error(t, err)
	_, err = NewPoller(&scriptedSource{}, NewStore(), 0, logger, nil)
	assert.Error(t, err)
	_, err = NewPoller(&scriptedSource{}, NewStore(), time.Second, nil, nil)
	assert.Error(t, err)
}
