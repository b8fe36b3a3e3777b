// Package retry runs operations with exponential backoff behind a circuit
// breaker. The device poller uses it to reopen its serial port.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig holds the retry.* settings.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            float64       `json:"jitter"`

	BreakerEnabled   bool          `json:"breaker_enabled"`
	FailureThreshold int           `json:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		BreakerEnabled:    true,
		FailureThreshold:  3,
		OpenTimeout:       30 * time.Second,
	}
}

// LoadRetryConfig reads the retry.* keys over the defaults.
func LoadRetryConfig(cfg config.Provider) (*RetryConfig, error) {
	rc := DefaultRetryConfig()
	if cfg == nil {
		return rc, nil
	}

	if attempts, err := cfg.GetInt("retry.max_attempts"); err == nil {
		rc.MaxAttempts = attempts
	}

	if delay, err := cfg.GetDuration("retry.initial_delay"); err == nil {
		rc.InitialDelay = delay
	}

	if delay, err := cfg.GetDuration("retry.max_delay"); err == nil {
		rc.MaxDelay = delay
	}

	if multiplier, err := cfg.GetFloat("retry.backoff_multiplier"); err == nil {
		rc.BackoffMultiplier = multiplier
	}

	if jitter, err := cfg.GetFloat("retry.jitter"); err == nil {
		rc.Jitter = jitter
	}

	if enabled, err := cfg.GetBool("retry.circuit_breaker.enabled"); err == nil {
		rc.BreakerEnabled = enabled
	}

	if threshold, err := cfg.GetInt("retry.circuit_breaker.failure_threshold"); err == nil {
		rc.FailureThreshold = threshold
	}

	if timeout, err := cfg.GetDuration("retry.circuit_breaker.open_timeout"); err == nil {
		rc.OpenTimeout = timeout
	}

	switch {
	case rc.MaxAttempts < 1:
		return nil, fmt.Errorf("retry.max_attempts must be at least 1, got %d", rc.MaxAttempts)
	case rc.InitialDelay < 0 || rc.MaxDelay < rc.InitialDelay:
		return nil, fmt.Errorf("retry delays must satisfy 0 <= initial_delay <= max_delay")
	case rc.BackoffMultiplier < 1:
		return nil, fmt.Errorf("retry.backoff_multiplier must be at least 1, got %g", rc.BackoffMultiplier)
	case rc.Jitter < 0 || rc.Jitter >= 1:
		return nil, fmt.Errorf("retry.jitter must be in [0, 1), got %g", rc.Jitter)
	case rc.BreakerEnabled && rc.FailureThreshold < 1:
		return nil, fmt.Errorf("retry.circuit_breaker.failure_threshold must be at least 1")
	}

	return rc, nil
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of a circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after FailureThreshold consecutive failed runs and
// lets a single trial run through once OpenTimeout has passed.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	state     CircuitState
	failures  int
	openedAt  time.Time
	now       func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, timeout: timeout, now: time.Now}
}

// Allow reports whether a call may proceed, moving an expired open breaker
// to half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		cb.state = CircuitHalfOpen
	}
	return cb.state != CircuitOpen
}

// Success closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
}

// Failure records a failed run. A half-open breaker reopens immediately.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryStats tracks retry statistics
type RetryStats struct {
	Runs         int64 `json:"runs"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	Rejected     int64 `json:"rejected"`
	Attempts     int64 `json:"attempts"`
	BreakerTrips int64 `json:"breaker_trips"`
}

// Retryer runs functions with backoff.
type Retryer struct {
	config  *RetryConfig
	breaker *CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats RetryStats
}

// NewRetryer creates a retryer from rc; nil means defaults.
func NewRetryer(rc *RetryConfig) *Retryer {
	if rc == nil {
		rc = DefaultRetryConfig()
	}

	r := &Retryer{config: rc, sleep: sleepContext}
	if rc.BreakerEnabled {
		r.breaker = NewCircuitBreaker(rc.FailureThreshold, rc.OpenTimeout)
	}
	return r
}

// Do calls fn until it succeeds, MaxAttempts is reached or ctx ends. The
// whole run counts as one success or failure for the breaker.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	r.mu.Lock()
	r.stats.Runs++
	r.mu.Unlock()

	if r.breaker != nil && !r.breaker.Allow() {
		r.mu.Lock()
		r.stats.Rejected++
		r.mu.Unlock()
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		r.stats.Attempts++
		r.mu.Unlock()

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			r.succeeded()
			return nil
		}

		if attempt == r.config.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.Delay(attempt)); err != nil {
			return err
		}
	}

	r.failed()
	return fmt.Errorf("gave up after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// Delay returns the wait after the given failed attempt.
func (r *Retryer) Delay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	delay = math.Min(delay, float64(r.config.MaxDelay))

	if r.config.Jitter > 0 {
		delay += delay * r.config.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// State returns the breaker state, or "disabled".
func (r *Retryer) State() string {
	if r.breaker == nil {
		return "disabled"
	}
	return r.breaker.State().String()
}

// GetStats returns a copy of the statistics.
func (r *Retryer) GetStats() RetryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Retryer) succeeded() {
	if r.breaker != nil {
		r.breaker.Success()
	}

	r.mu.Lock()
	r.stats.Succeeded++
	r.mu.Unlock()
}

func (r *Retryer) failed() {
	tripped := false
	if r.breaker != nil {
		r.breaker.Failure()
		tripped = r.breaker.State() == CircuitOpen
	}

	r.mu.Lock()
	r.stats.Failed++
	if tripped {
		r.stats.BreakerTrips++
	}
	r.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
