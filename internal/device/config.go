package device

import (
	"fmt"
	"time"

	"github.com/geekxflood/common/config"
)

// Source kinds accepted in device.source.
const (
	SourceSerial = "serial"
	SourceFile   = "file"
	SourceStatic = "static"
)

// DeviceConfig holds the device.* settings.
type DeviceConfig struct {
	Source       string        `json:"source"`
	Port         string        `json:"port"`
	BaudRate     int           `json:"baud_rate"`
	PollInterval time.Duration `json:"poll_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	File         string        `json:"file"`
}

// DefaultDeviceConfig returns the default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		Source:       SourceSerial,
		Port:         "/dev/ttyUSB0",
		BaudRate:     57600,
		PollInterval: 600 * time.Millisecond,
		ReadTimeout:  150 * time.Millisecond,
	}
}

// LoadDeviceConfig reads the device.* keys over the defaults.
func LoadDeviceConfig(cfg config.Provider) (*DeviceConfig, error) {
	dc := DefaultDeviceConfig()

	if source, err := cfg.GetString("device.source"); err == nil {
		dc.Source = source
	}

	if port, err := cfg.GetString("device.port"); err == nil {
		dc.Port = port
	}

	if baud, err := cfg.GetInt("device.baud_rate"); err == nil {
		dc.BaudRate = baud
	}

	if interval, err := cfg.GetDuration("device.poll_interval"); err == nil {
		dc.PollInterval = interval
	}

	if timeout, err := cfg.GetDuration("device.read_timeout"); err == nil {
		dc.ReadTimeout = timeout
	}

	if file, err := cfg.GetString("device.file"); err == nil {
		dc.File = file
	}

	if err := dc.Validate(); err != nil {
		return nil, err
	}
	return dc, nil
}

// Validate checks the settings of the selected source.
func (dc *DeviceConfig) Validate() error {
	if dc.PollInterval <= 0 {
		return fmt.Errorf("device.poll_interval must be positive, got %v", dc.PollInterval)
	}

	switch dc.Source {
	case SourceSerial:
		if dc.Port == "" {
			return fmt.Errorf("device.port is required for the serial source")
		}
		if dc.BaudRate <= 0 {
			return fmt.Errorf("device.baud_rate must be positive, got %d", dc.BaudRate)
		}
		if dc.ReadTimeout <= 0 {
			return fmt.Errorf("device.read_timeout must be positive, got %v", dc.ReadTimeout)
		}
	case SourceFile:
		if dc.File == "" {
			return fmt.Errorf("device.file is required for the file source")
		}
	case SourceStatic:
	default:
		return fmt.Errorf("unknown device.source %q (want serial, file or static)", dc.Source)
	}

	return nil
}
