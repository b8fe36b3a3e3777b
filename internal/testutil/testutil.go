// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/common/logging"
)

// MockConfig implements config.Manager on top of a flat key map.
type MockConfig struct {
	mu       sync.RWMutex
	data     map[string]any
	onChange []func(error)
}

// NewMockConfig returns an empty MockConfig.
func NewMockConfig() *MockConfig {
	return &MockConfig{
		data: make(map[string]any),
	}
}

// Set stores a value under key.
func (m *MockConfig) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MockConfig) lookup(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MockConfig) Get(key string) (any, error) {
	if value, exists := m.lookup(key); exists {
		return value, nil
	}
	return nil, fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) GetString(key string, defaultValue ...string) (string, error) {
	if value, exists := m.lookup(key); exists {
		if str, ok := value.(string); ok {
			return str, nil
		}
		return fmt.Sprintf("%v", value), nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return "", fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) GetInt(key string, defaultValue ...int) (int, error) {
	if value, exists := m.lookup(key); exists {
		if i, ok := value.(int); ok {
			return i, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) GetBool(key string, defaultValue ...bool) (bool, error) {
	if value, exists := m.lookup(key); exists {
		if b, ok := value.(bool); ok {
			return b, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return false, fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) GetDuration(key string, defaultValue ...time.Duration) (time.Duration, error) {
	if value, exists := m.lookup(key); exists {
		if d, ok := value.(time.Duration); ok {
			return d, nil
		}
		if str, ok := value.(string); ok {
			return time.ParseDuration(str)
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) GetFloat(key string, defaultValue ...float64) (float64, error) {
	if value, exists := m.lookup(key); exists {
		if f, ok := value.(float64); ok {
			return f, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) GetStringSlice(key string, defaultValue ...[]string) ([]string, error) {
	if value, exists := m.lookup(key); exists {
		if slice, ok := value.([]string); ok {
			return slice, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return nil, fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) GetMap(key string) (map[string]any, error) {
	if value, exists := m.lookup(key); exists {
		if mapVal, ok := value.(map[string]any); ok {
			return mapVal, nil
		}
	}
	return nil, fmt.Errorf("key not found: %s", key)
}

func (m *MockConfig) Exists(key string) bool {
	_, exists := m.lookup(key)
	return exists
}

func (m *MockConfig) Validate() error {
	return nil
}

// Reload notifies the registered change callbacks.
func (m *MockConfig) Reload() error {
	m.mu.RLock()
	callbacks := append([]func(error){}, m.onChange...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(nil)
	}
	return nil
}

func (m *MockConfig) Close() error {
	return nil
}

func (m *MockConfig) OnConfigChange(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, callback)
}

func (m *MockConfig) StartHotReload(ctx context.Context) error {
	return nil
}

func (m *MockConfig) StopHotReload() {}

// Logger returns a debug level JSON logger for tests.
func Logger() logging.Logger {
	logger, _, _ := logging.NewLogger(logging.Config{
		Level:  "debug",
		Format: "json",
	})
	return logger
}
