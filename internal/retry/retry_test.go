package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPortBusy = errors.New("port busy")

func newTestRetryer(rc *RetryConfig) (*Retryer, *[]time.Duration) {
	r := NewRetryer(rc)

	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestLoadRetryConfig(t *testing.T) {
	rc, err := LoadRetryConfig(testutil.NewMockConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryConfig(), rc)

	cfg := testutil.NewMockConfig()
	cfg.Set("retry.max_attempts", 2)
	cfg.Set("retry.initial_delay", "1s")
	cfg.Set("retry.max_delay", "10s")
	cfg.Set("retry.circuit_breaker.enabled", false)

	rc, err = LoadRetryConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, rc.MaxAttempts)
	assert.Equal(t, time.Second, rc.InitialDelay)
	assert.Equal(t, 10*time.Second, rc.MaxDelay)
	assert.False(t, rc.BreakerEnabled)

	tests := []struct {
		key   string
		value any
	}{
		{"retry.max_attempts", 0},
		{"retry.initial_delay", "1m"},
		{"retry.backoff_multiplier", 0.5},
		{"retry.jitter", 1.5},
		{"retry.circuit_breaker.failure_threshold", 0},
	}
	for _, tt := range tests {
		cfg := testutil.NewMockConfig()
		cfg.Set(tt.key, tt.value)
		if _, err := LoadRetryConfig(cfg); err == nil {
			t.Errorf("LoadRetryConfig() with %s=%v succeeded, want error", tt.key, tt.value)
		}
	}
}

func TestDelay(t *testing.T) {
	rc := DefaultRetryConfig()
	rc.Jitter = 0
	r := NewRetryer(rc)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := r.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterStaysInRange(t *testing.T) {
	rc := DefaultRetryConfig()
	rc.Jitter = 0.5
	r := NewRetryer(rc)

	for i := 0; i < 100; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	r, slept := newTestRetryer(nil)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errPortBusy
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)

	stats := r.GetStats()
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(3), stats.Attempts)
	assert.Equal(t, "closed", r.State())
}

func TestDoGivesUp(t *testing.T) {
	rc := DefaultRetryConfig()
	rc.MaxAttempts = 2
	r, slept := newTestRetryer(rc)

	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errPortBusy
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errPortBusy)
	assert.Len(t, *slept, 1)
	assert.Equal(t, int64(1), r.GetStats().Failed)
}

func TestDoStopsOnCancel(t *testing.T) {
	r, _ := newTestRetryer(nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return errPortBusy
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	rc := DefaultRetryConfig()
	rc.MaxAttempts = 1
	rc.FailureThreshold = 2
	rc.OpenTimeout = time.Minute
	r, _ := newTestRetryer(rc)

	now := time.Now()
	r.breaker.now = func() time.Time { return now }

	failing := func(ctx context.Context, attempt int) error { return errPortBusy }

	assert.ErrorIs(t, r.Do(context.Background(), failing), errPortBusy)
	assert.Equal(t, "closed", r.State())
	assert.ErrorIs(t, r.Do(context.Background(), failing), errPortBusy)
	assert.Equal(t, "open", r.State())

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	// a failed trial reopens the breaker
	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, r.Do(context.Background(), failing), errPortBusy)
	assert.Equal(t, "open", r.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, r.Do(context.Background(), func(ctx context.Context, attempt int) error { return nil }))
	assert.Equal(t, "closed", r.State())

	stats := r.GetStats()
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(2), stats.BreakerTrips)
}

func TestBreakerDisabled(t *testing.T) {
	rc := DefaultRetryConfig()
	rc.BreakerEnabled = false
	r := NewRetryer(rc)
	assert.Equal(t, "disabled", r.State())
}
