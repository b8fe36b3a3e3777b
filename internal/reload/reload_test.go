package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReloadConfig(t *testing.T) {
	rc, err := LoadReloadConfig(testutil.NewMockConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultReloadConfig(), rc)

	cfg := testutil.NewMockConfig()
	cfg.Set("reload.enabled", false)
	cfg.Set("reload.delay", "2s")
	rc, err = LoadReloadConfig(cfg)
	require.NoError(t, err)
	assert.False(t, rc.Enabled)
	assert.Equal(t, 2*time.Second, rc.Delay)

	cfg.Set("reload.delay", "-1s")
	_, err = LoadReloadConfig(cfg)
	assert.Error(t, err)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, nil)
	assert.Error(t, err)
}

func TestWatchValidation(t *testing.T) {
	m, err := NewManager(&ReloadConfig{Enabled: false}, testutil.Logger())
	require.NoError(t, err)

	assert.Error(t, m.Watch("config", "", func() error { return nil }))
	assert.Error(t, m.Watch("config", "proteus.yaml", nil))
}

func TestTrigger(t *testing.T) {
	m, err := NewManager(&ReloadConfig{Enabled: false}, testutil.Logger())
	require.NoError(t, err)

	calls := 0
	require.NoError(t, m.Watch("config", "proteus.yaml", func() error {
		calls++
		if calls == 2 {
			return errors.New("invalid community list")
		}
		return nil
	}))

	require.NoError(t, m.Trigger("config"))
	assert.ErrorContains(t, m.Trigger("config"), "invalid community list")
	assert.Error(t, m.Trigger("device"))

	stats := m.GetStats()
	assert.Equal(t, int64(2), stats.TotalReloads)
	assert.Equal(t, int64(1), stats.SuccessfulReloads)
	assert.Equal(t, int64(1), stats.FailedReloads)

	events := m.RecentEvents(1)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, "config", events[0].Target)
	assert.Len(t, m.RecentEvents(0), 2)
}

func TestDisabledRunReturnsOnCancel(t *testing.T) {
	m, err := NewManager(&ReloadConfig{Enabled: false}, testutil.Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Run(ctx))
}

func TestRunDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "snapshot.json")
	other := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(watched, []byte("{}"), 0o644))

	m, err := NewManager(&ReloadConfig{Enabled: true, Delay: 100 * time.Millisecond}, testutil.Logger())
	require.NoError(t, err)

	var reloads atomic.Int32
	require.NoError(t, m.Watch("device", watched, func() error {
		reloads.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o644))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(watched, []byte(`{"temp": 40}`), 0o644))
	}

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load(), "a burst of writes is one reload")

	// atomic replace by rename
	tmp := filepath.Join(dir, "snapshot.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"temp": 41}`), 0o644))
	require.NoError(t, os.Rename(tmp, watched))

	require.Eventually(t, func() bool { return reloads.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
}
