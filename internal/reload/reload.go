// Package reload watches files and runs a reload function when one changes.
// Bursts of file system events are debounced into one reload per file.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
)

const maxEvents = 50

// ReloadFunc re-reads one watched file.
type ReloadFunc func() error

// ReloadEvent records one reload.
type ReloadEvent struct {
	Target    string        `json:"target"`
	Path      string        `json:"path"`
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ReloadStats tracks reload statistics
type ReloadStats struct {
	TotalReloads      int64     `json:"total_reloads"`
	SuccessfulReloads int64     `json:"successful_reloads"`
	FailedReloads     int64     `json:"failed_reloads"`
	LastReloadTime    time.Time `json:"last_reload_time"`
}

// ReloadConfig holds the reload.* settings.
type ReloadConfig struct {
	Enabled bool          `json:"enabled"`
	Delay   time.Duration `json:"delay"`
}

// DefaultReloadConfig returns a default reload configuration
func DefaultReloadConfig() *ReloadConfig {
	return &ReloadConfig{
		Enabled: true,
		Delay:   500 * time.Millisecond,
	}
}

// LoadReloadConfig reads the reload.* keys over the defaults.
func LoadReloadConfig(cfg config.Provider) (*ReloadConfig, error) {
	rc := DefaultReloadConfig()

	if enabled, err := cfg.GetBool("reload.enabled"); err == nil {
		rc.Enabled = enabled
	}

	if delay, err := cfg.GetDuration("reload.delay"); err == nil {
		rc.Delay = delay
	}

	if rc.Delay < 0 {
		return nil, fmt.Errorf("reload.delay cannot be negative, got %v", rc.Delay)
	}
	return rc, nil
}

type target struct {
	name string
	path string
	fn   ReloadFunc
}

// Manager owns the file watcher and the registered targets.
type Manager struct {
	config  *ReloadConfig
	logger  logging.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	targets map[string]*target // by cleaned path
	dirs    map[string]bool
	events  []ReloadEvent
	stats   ReloadStats
}

// NewManager creates a reload manager. With reloading disabled it still
// accepts targets and manual triggers but watches nothing.
func NewManager(cfg *ReloadConfig, logger logging.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultReloadConfig()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	m := &Manager{
		config:  cfg,
		logger:  logger.With("component", "reload"),
		targets: make(map[string]*target),
		dirs:    make(map[string]bool),
	}

	if cfg.Enabled {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		m.watcher = watcher
	}

	return m, nil
}

// Watch registers fn to run when path changes. The parent directory is
// watched so files replaced by rename are still seen.
func (m *Manager) Watch(name, path string, fn ReloadFunc) error {
	if path == "" || fn == nil {
		return fmt.Errorf("reload target %q needs a path and a function", name)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.targets[abs] = &target{name: name, path: abs, fn: fn}

	if m.watcher == nil {
		return nil
	}

	dir := filepath.Dir(abs)
	if !m.dirs[dir] {
		if err := m.watcher.Add(dir); err != nil {
			delete(m.targets, abs)
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		m.dirs[dir] = true
	}

	m.logger.Debug("Watching file", "target", name, "path", abs)
	return nil
}

// Trigger runs the reload of every target registered under name.
func (m *Manager) Trigger(name string) error {
	m.mu.Lock()
	var matched []*target
	for _, t := range m.targets {
		if t.name == name {
			matched = append(matched, t)
		}
	}
	m.mu.Unlock()

	if len(matched) == 0 {
		return fmt.Errorf("no reload target named %q", name)
	}

	var firstErr error
	for _, t := range matched {
		if err := m.reload(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run delivers debounced reloads until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.watcher == nil {
		m.logger.Info("Hot reload is disabled")
		<-ctx.Done()
		return nil
	}
	defer m.watcher.Close()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	pending := make(map[string]*target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			m.mu.Lock()
			t := m.targets[filepath.Clean(event.Name)]
			m.mu.Unlock()
			if t == nil {
				continue
			}

			m.logger.Debug("File system event received", "file", event.Name, "operation", event.Op.String())
			pending[t.path] = t
			debounce.Reset(m.config.Delay)

		case <-debounce.C:
			for path, t := range pending {
				if err := m.reload(t); err != nil {
					m.logger.Error("Reload failed", "target", t.name, "path", t.path, "error", err.Error())
				}
				delete(pending, path)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("File watcher error", "error", err.Error())
		}
	}
}

func (m *Manager) reload(t *target) error {
	start := time.Now()
	err := t.fn()

	event := ReloadEvent{
		Target:    t.name,
		Path:      t.path,
		Timestamp: start,
		Success:   err == nil,
		Duration:  time.Since(start),
	}
	if err != nil {
		event.Error = err.Error()
	}

	m.mu.Lock()
	m.stats.TotalReloads++
	if err == nil {
		m.stats.SuccessfulReloads++
	} else {
		m.stats.FailedReloads++
	}
	m.stats.LastReloadTime = start
	m.events = append(m.events, event)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.mu.Unlock()

	if err == nil {
		m.logger.Info("Reloaded", "target", t.name, "duration", event.Duration)
	}
	return err
}

// GetStats returns a copy of the statistics.
func (m *Manager) GetStats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// RecentEvents returns up to limit of the latest reloads, oldest first.
func (m *Manager) RecentEvents(limit int) []ReloadEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && len(m.events) > limit {
		start = len(m.events) - limit
	}
	return append([]ReloadEvent(nil), m.events[start:]...)
}
