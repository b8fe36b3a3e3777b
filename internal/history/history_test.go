package history

import (
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/device"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *HistoryConfig {
	hc := DefaultHistoryConfig()
	hc.Enabled = true
	hc.ConnectionString = ":memory:"
	hc.BatchSize = 3
	hc.FlushInterval = time.Hour
	return hc
}

func openTestJournal(t *testing.T, hc *HistoryConfig, m *metrics.MetricsManager) *Journal {
	t.Helper()

	j, err := Open(hc, testutil.Logger(), m)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func reading(temp int32) device.Snapshot {
	snap := device.Snapshot{HW: 3, SW: 17, Temp: temp, Relay: 1}
	snap.OpticalRelay[2] = 1
	snap.DryContact[19] = 1
	return snap
}

func TestLoadHistoryConfig(t *testing.T) {
	hc, err := LoadHistoryConfig(testutil.NewMockConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryConfig(), hc)

	cfg := testutil.NewMockConfig()
	cfg.Set("history.enabled", true)
	cfg.Set("history.connection_string", ":memory:")
	cfg.Set("history.batch_size", 5)
	cfg.Set("history.flush_interval", "2s")
	hc, err = LoadHistoryConfig(cfg)
	require.NoError(t, err)
	assert.True(t, hc.Enabled)
	assert.Equal(t, ":memory:", hc.ConnectionString)
	assert.Equal(t, 5, hc.BatchSize)
	assert.Equal(t, 2*time.Second, hc.FlushInterval)

	tests := []struct {
		key   string
		value any
	}{
		{"history.connection_string", ""},
		{"history.retention_days", 0},
		{"history.batch_size", 0},
		{"history.max_pending", 10},
		{"history.flush_interval", "0s"},
	}
	for _, tt := range tests {
		cfg := testutil.NewMockConfig()
		cfg.Set(tt.key, tt.value)
		if _, err := LoadHistoryConfig(cfg); err == nil {
			t.Errorf("LoadHistoryConfig() with %s=%v succeeded, want error", tt.key, tt.value)
		}
	}
}

func TestRecordBatching(t *testing.T) {
	m, err := metrics.NewMetricsManager(testutil.NewMockConfig(), testutil.Logger())
	require.NoError(t, err)
	j := openTestJournal(t, testConfig(), m)

	now := time.Now()
	require.NoError(t, j.Record(reading(40), now))
	require.NoError(t, j.Record(reading(41), now.Add(time.Second)))

	n, err := j.Count()
	require.NoError(t, err)
	assert.Zero(t, n, "records stay queued until the batch fills")

	require.NoError(t, j.Record(reading(42), now.Add(2*time.Second)))
	n, err = j.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, j.Record(reading(43), now.Add(3*time.Second)))
	require.NoError(t, j.Flush())
	n, err = j.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	assert.Equal(t, float64(4), promtest.ToFloat64(m.GetHistoryMetrics().SnapshotsStored))
}

func TestQueueBoundedWhileWritesFail(t *testing.T) {
	m, err := metrics.NewMetricsManager(testutil.NewMockConfig(), testutil.Logger())
	require.NoError(t, err)

	hc := testConfig()
	hc.BatchSize = 2
	hc.MaxPending = 3
	j := openTestJournal(t, hc, m)

	// every write fails from here on
	require.NoError(t, j.db.Close())

	now := time.Now()
	for i := 0; i < 6; i++ {
		j.Record(reading(int32(40+i)), now.Add(time.Duration(i)*time.Second))
	}

	j.mu.Lock()
	queued := append([]Record(nil), j.batch...)
	j.mu.Unlock()

	require.Len(t, queued, 3)
	for i, r := range queued {
		if want := int32(43 + i); r.Snapshot.Temp != want {
			t.Errorf("queued[%d].Temp = %d, want %d", i, r.Snapshot.Temp, want)
		}
	}
	assert.Equal(t, float64(3), promtest.ToFloat64(m.GetHistoryMetrics().SnapshotsDropped))
	assert.Positive(t, promtest.ToFloat64(m.GetHistoryMetrics().StorageErrors))
}

func TestQuery(t *testing.T) {
	j := openTestJournal(t, testConfig(), nil)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(reading(int32(40+i)), base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, j.Flush())

	all, err := j.Query(Query{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int32(40), all[0].Snapshot.Temp)
	assert.Equal(t, reading(44), all[4].Snapshot)
	assert.True(t, all[4].Timestamp.Equal(base.Add(4*time.Minute)))

	window, err := j.Query(Query{From: base.Add(time.Minute), To: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int32(41), window[0].Snapshot.Temp)

	limited, err := j.Query(Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCleanup(t *testing.T) {
	j := openTestJournal(t, testConfig(), nil)

	now := time.Now()
	require.NoError(t, j.Record(reading(30), now.AddDate(0, 0, -10)))
	require.NoError(t, j.Record(reading(31), now.AddDate(0, 0, -8)))
	require.NoError(t, j.Record(reading(32), now.Add(-time.Hour)))

	removed, err := j.Cleanup(now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	left, err := j.Query(Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, int32(32), left[0].Snapshot.Temp)
}

func TestCloseFlushesQueue(t *testing.T) {
	path := t.TempDir() + "/history.db"

	hc := testConfig()
	hc.ConnectionString = path
	j, err := Open(hc, testutil.Logger(), nil)
	require.NoError(t, err)
	require.NoError(t, j.Record(reading(40), time.Now()))
	require.NoError(t, j.Close())

	reopened := openTestJournal(t, hc, nil)
	n, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(testConfig(), nil, nil)
	assert.Error(t, err)
}
