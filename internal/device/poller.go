package device

import (
	"context"
	"fmt"
	"time"

	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/metrics"
)

// Poller copies readings from a Source into a Store every poll interval.
type Poller struct {
	source   Source
	store    *Store
	interval time.Duration
	logger   logging.Logger
	metrics  *metrics.DeviceMetrics

	failures int
}

// NewPoller creates a poller.
func NewPoller(source Source, store *Store, interval time.Duration, logger logging.Logger, m *metrics.MetricsManager) (*Poller, error) {
	if source == nil || store == nil {
		return nil, fmt.Errorf("source and store cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", interval)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Poller{
		source:   source,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "poller"),
		metrics:  m.GetDeviceMetrics(),
	}, nil
}

// Run polls until ctx is cancelled, then closes the source. Poll failures
// are logged and leave the last good snapshot in place.
func (p *Poller) Run(ctx context.Context) error {
	defer p.source.Close()

	p.logger.Info("Device poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("Device poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce takes one reading and stores it.
func (p *Poller) PollOnce(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.Polls.Inc()
	}

	snap, err := p.source.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failures++
		if p.metrics != nil {
			p.metrics.PollErrors.Inc()
		}
		// the first failure of a run is a warning, the rest are noise
		if p.failures == 1 {
			p.logger.Warn("Device poll failed", "error", err.Error())
		} else {
			p.logger.Debug("Device poll failed", "failures", p.failures, "error", err.Error())
		}
		return
	}

	if p.failures > 0 {
		p.logger.Info("Device poll recovered", "failures", p.failures)
		p.failures = 0
	}

	p.store.Set(snap)

	if p.metrics != nil {
		p.metrics.Temperature.Set(float64(snap.Temp))
		p.metrics.LastUpdate.SetToCurrentTime()
	}
}
