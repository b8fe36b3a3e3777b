// Package metrics provides Prometheus metrics integration and system monitoring
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig defines the configuration for the metrics system
type MetricsConfig struct {
	Enabled        bool          `json:"enabled"`
	ListenAddress  string        `json:"listen_address"`
	MetricsPath    string        `json:"metrics_path"`
	HealthPath     string        `json:"health_path"`
	ReadyPath      string        `json:"ready_path"`
	UpdateInterval time.Duration `json:"update_interval"`
	Namespace      string        `json:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        false,
		ListenAddress:  ":9161",
		MetricsPath:    "/metrics",
		HealthPath:     "/health",
		ReadyPath:      "/ready",
		UpdateInterval: 30 * time.Second,
		Namespace:      "proteus",
	}
}

// MetricsManager manages Prometheus metrics and health endpoints
type MetricsManager struct {
	config   *MetricsConfig
	logger   logging.Logger
	registry *prometheus.Registry
	server   *http.Server

	// Application metrics
	agentMetrics   *AgentMetrics
	serverMetrics  *ServerMetrics
	deviceMetrics  *DeviceMetrics
	historyMetrics *HistoryMetrics
	systemMetrics  *SystemMetrics

	// Health status
	healthStatus map[string]bool
	readyStatus  bool
	mu           sync.RWMutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// AgentMetrics contains SNMP request handling metrics
type AgentMetrics struct {
	RequestsReceived *prometheus.CounterVec
	ResponsesSent    prometheus.Counter
	RequestsDropped  *prometheus.CounterVec
	ErrorResponses   *prometheus.CounterVec
	ProcessingTime   prometheus.Histogram
	PacketSize       prometheus.Histogram
}

// ServerMetrics contains event loop and connection pool metrics
type ServerMetrics struct {
	ClientsActive   prometheus.Gauge
	ClientsAccepted prometheus.Counter
	ClientsEvicted  prometheus.Counter
	ClientErrors    prometheus.Counter
	Refreshes       *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
}

// DeviceMetrics contains sensor board polling metrics
type DeviceMetrics struct {
	Polls       prometheus.Counter
	PollErrors  prometheus.Counter
	Reconnects  prometheus.Counter
	Temperature prometheus.Gauge
	LastUpdate  prometheus.Gauge
}

// HistoryMetrics contains snapshot journal metrics
type HistoryMetrics struct {
	SnapshotsStored   prometheus.Counter
	StorageErrors     prometheus.Counter
	SnapshotsDropped  prometheus.Counter
	QueryDuration     prometheus.Histogram
	SnapshotsRetained prometheus.Gauge
}

// SystemMetrics contains system resource metrics
type SystemMetrics struct {
	MemoryUsage    prometheus.Gauge
	GoroutineCount prometheus.Gauge
	GCDuration     prometheus.Histogram
	Uptime         prometheus.Gauge
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(cfg config.Provider, logger logging.Logger) (*MetricsManager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	// Load metrics configuration
	metricsConfig, err := loadMetricsConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics configuration: %w", err)
	}

	// Create custom registry
	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())

	manager := &MetricsManager{
		config:       metricsConfig,
		logger:       logger.With("component", "metrics"),
		registry:     registry,
		healthStatus: make(map[string]bool),
		readyStatus:  false,
		ctx:          ctx,
		cancel:       cancel,
	}

	// Initialize metrics
	if err := manager.initializeMetrics(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return manager, nil
}

// initializeMetrics creates and registers all Prometheus metrics
func (m *MetricsManager) initializeMetrics() error {
	namespace := m.config.Namespace

	m.agentMetrics = &AgentMetrics{
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_received_total",
			Help:      "Total number of SNMP requests decoded",
		}, []string{"version", "pdu_type"}),
		ResponsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total number of SNMP responses produced",
		}),
		RequestsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dropped_total",
			Help:      "Total number of requests answered with no response",
		}, []string{"reason"}),
		ErrorResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_responses_total",
			Help:      "Total number of responses carrying a non-zero error status",
		}, []string{"status"}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent answering SNMP requests",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		PacketSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_packet_size_bytes",
			Help:      "Size of SNMP request packets",
			Buckets:   []float64{64, 128, 256, 512, 1024, 2048, 4096},
		}),
	}

	m.serverMetrics = &ServerMetrics{
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_clients",
			Help:      "Number of TCP clients currently in the pool",
		}),
		ClientsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_clients_accepted_total",
			Help:      "Total number of accepted TCP connections",
		}),
		ClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_clients_evicted_total",
			Help:      "Total number of TCP clients evicted from a full pool",
		}),
		ClientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_client_errors_total",
			Help:      "Total number of TCP connections closed on error",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mib_refreshes_total",
			Help:      "Total number of MIB refresh passes",
		}, []string{"kind"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mib_refresh_duration_seconds",
			Help:      "Time spent refreshing the MIB",
			Buckets:   []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001},
		}),
	}

	m.deviceMetrics = &DeviceMetrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_polls_total",
			Help:      "Total number of device status polls",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_poll_errors_total",
			Help:      "Total number of failed device status polls",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_reconnects_total",
			Help:      "Total number of times the device port was reopened",
		}),
		Temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_temperature",
			Help:      "Last temperature reported by the device",
		}),
		LastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_last_update_timestamp_seconds",
			Help:      "Unix time of the last accepted device snapshot",
		}),
	}

	m.historyMetrics = &HistoryMetrics{
		SnapshotsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_snapshots_stored_total",
			Help:      "Total number of device snapshots written to history",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_errors_total",
			Help:      "Total number of history storage errors",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_query_duration_seconds",
			Help:      "Time spent executing history queries",
			Buckets:   prometheus.DefBuckets,
		}),
		SnapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_snapshots_dropped_total",
			Help:      "Total number of queued snapshots dropped because writes kept failing",
		}),
		SnapshotsRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_snapshots_retained",
			Help:      "Number of snapshots currently retained in history",
		}),
	}

	m.systemMetrics = &SystemMetrics{
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "Time spent in garbage collection",
			Buckets:   prometheus.DefBuckets,
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		}),
	}

	// Register all metrics
	collectors := []prometheus.Collector{
		versioncollector.NewCollector(namespace),

		m.agentMetrics.RequestsReceived,
		m.agentMetrics.ResponsesSent,
		m.agentMetrics.RequestsDropped,
		m.agentMetrics.ErrorResponses,
		m.agentMetrics.ProcessingTime,
		m.agentMetrics.PacketSize,

		m.serverMetrics.ClientsActive,
		m.serverMetrics.ClientsAccepted,
		m.serverMetrics.ClientsEvicted,
		m.serverMetrics.ClientErrors,
		m.serverMetrics.Refreshes,
		m.serverMetrics.RefreshDuration,

		m.deviceMetrics.Polls,
		m.deviceMetrics.PollErrors,
		m.deviceMetrics.Reconnects,
		m.deviceMetrics.Temperature,
		m.deviceMetrics.LastUpdate,

		m.historyMetrics.SnapshotsStored,
		m.historyMetrics.StorageErrors,
		m.historyMetrics.SnapshotsDropped,
		m.historyMetrics.QueryDuration,
		m.historyMetrics.SnapshotsRetained,

		m.systemMetrics.MemoryUsage,
		m.systemMetrics.GoroutineCount,
		m.systemMetrics.GCDuration,
		m.systemMetrics.Uptime,
	}

	for _, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// Start starts the metrics server and background monitoring
func (m *MetricsManager) Start() error {
	if !m.config.Enabled {
		m.logger.Info("Metrics collection is disabled")
		return nil
	}

	m.logger.Info("Starting metrics server",
		"listen_address", m.config.ListenAddress,
		"metrics_path", m.config.MetricsPath)

	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc(m.config.HealthPath, m.healthHandler)
	mux.HandleFunc(m.config.ReadyPath, m.readyHandler)

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "error", err.Error())
		}
	}()

	m.wg.Add(1)
	go m.collectSystemMetrics()

	m.logger.Info("Metrics server started successfully")
	return nil
}

// Stop stops the metrics server and background monitoring
func (m *MetricsManager) Stop() error {
	if !m.config.Enabled {
		return nil
	}

	m.logger.Info("Stopping metrics server")

	m.cancel()

	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("Error shutting down metrics server", "error", err.Error())
		}
	}

	m.wg.Wait()

	m.logger.Info("Metrics server stopped")
	return nil
}

// collectSystemMetrics collects system resource metrics periodically
func (m *MetricsManager) collectSystemMetrics() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.updateSystemMetrics(startTime)
		}
	}
}

// updateSystemMetrics updates system resource metrics
func (m *MetricsManager) updateSystemMetrics(startTime time.Time) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.systemMetrics.MemoryUsage.Set(float64(memStats.Alloc))
	m.systemMetrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.systemMetrics.Uptime.Set(time.Since(startTime).Seconds())
	m.systemMetrics.GCDuration.Observe(float64(memStats.PauseTotalNs) / 1e9)
}

// healthHandler handles health check requests
func (m *MetricsManager) healthHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allHealthy := true
	for component, healthy := range m.healthStatus {
		if !healthy {
			allHealthy = false
			m.logger.Debug("Component unhealthy", "component", component)
		}
	}

	if allHealthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNHEALTHY"))
	}
}

// readyHandler handles readiness check requests
func (m *MetricsManager) readyHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	ready := m.readyStatus
	m.mu.RUnlock()

	if ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
	}
}

// SetComponentHealth sets the health status for a component
func (m *MetricsManager) SetComponentHealth(component string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.healthStatus[component] = healthy
	m.logger.Debug("Component health updated",
		"component", component,
		"healthy", healthy)
}

// SetReady sets the overall readiness status
func (m *MetricsManager) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readyStatus = ready
	m.logger.Info("Readiness status updated", "ready", ready)
}

// Registry exposes the registry, mainly for tests.
func (m *MetricsManager) Registry() *prometheus.Registry {
	return m.registry
}

// GetAgentMetrics returns the agent metrics instance. It is nil-safe so
// components can run without a metrics manager.
func (m *MetricsManager) GetAgentMetrics() *AgentMetrics {
	if m == nil {
		return nil
	}
	return m.agentMetrics
}

// GetServerMetrics returns the server metrics instance
func (m *MetricsManager) GetServerMetrics() *ServerMetrics {
	if m == nil {
		return nil
	}
	return m.serverMetrics
}

// GetDeviceMetrics returns the device metrics instance
func (m *MetricsManager) GetDeviceMetrics() *DeviceMetrics {
	if m == nil {
		return nil
	}
	return m.deviceMetrics
}

// GetHistoryMetrics returns the history metrics instance
func (m *MetricsManager) GetHistoryMetrics() *HistoryMetrics {
	if m == nil {
		return nil
	}
	return m.historyMetrics
}

// GetSystemMetrics returns the system metrics instance
func (m *MetricsManager) GetSystemMetrics() *SystemMetrics {
	if m == nil {
		return nil
	}
	return m.systemMetrics
}

// loadMetricsConfig loads metrics configuration from the config provider
func loadMetricsConfig(cfg config.Provider) (*MetricsConfig, error) {
	config := DefaultMetricsConfig()

	if enabled, err := cfg.GetBool("metrics.enabled"); err == nil {
		config.Enabled = enabled
	}

	if listenAddress, err := cfg.GetString("metrics.listen_address"); err == nil {
		config.ListenAddress = listenAddress
	}

	if metricsPath, err := cfg.GetString("metrics.metrics_path"); err == nil {
		config.MetricsPath = metricsPath
	}

	if healthPath, err := cfg.GetString("metrics.health_path"); err == nil {
		config.HealthPath = healthPath
	}

	if readyPath, err := cfg.GetString("metrics.ready_path"); err == nil {
		config.ReadyPath = readyPath
	}

	if updateInterval, err := cfg.GetDuration("metrics.update_interval"); err == nil {
		config.UpdateInterval = updateInterval
	}

	if namespace, err := cfg.GetString("metrics.namespace"); err == nil {
		config.Namespace = namespace
	}

	return config, nil
}
