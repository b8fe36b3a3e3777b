// Package history keeps a journal of device snapshots in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/device"
	"github.com/geekxflood/proteus/internal/metrics"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// HistoryConfig holds the history.* settings.
type HistoryConfig struct {
	Enabled          bool          `json:"enabled"`
	ConnectionString string        `json:"connection_string"`
	RetentionDays    int           `json:"retention_days"`
	BatchSize        int           `json:"batch_size"`
	MaxPending       int           `json:"max_pending"`
	FlushInterval    time.Duration `json:"flush_interval"`
	CleanupInterval  time.Duration `json:"cleanup_interval"`
}

// DefaultHistoryConfig returns a default history configuration
func DefaultHistoryConfig() *HistoryConfig {
	return &HistoryConfig{
		Enabled:          false,
		ConnectionString: "./proteus_history.db",
		RetentionDays:    7,
		BatchSize:        50,
		MaxPending:       1000,
		FlushInterval:    10 * time.Second,
		CleanupInterval:  time.Hour,
	}
}

// LoadHistoryConfig reads the history.* keys over the defaults.
func LoadHistoryConfig(cfg config.Provider) (*HistoryConfig, error) {
	hc := DefaultHistoryConfig()

	if enabled, err := cfg.GetBool("history.enabled"); err == nil {
		hc.Enabled = enabled
	}

	if connStr, err := cfg.GetString("history.connection_string"); err == nil {
		hc.ConnectionString = connStr
	}

	if retention, err := cfg.GetInt("history.retention_days"); err == nil {
		hc.RetentionDays = retention
	}

	if batchSize, err := cfg.GetInt("history.batch_size"); err == nil {
		hc.BatchSize = batchSize
	}

	if maxPending, err := cfg.GetInt("history.max_pending"); err == nil {
		hc.MaxPending = maxPending
	}

	if flushInterval, err := cfg.GetDuration("history.flush_interval"); err == nil {
		hc.FlushInterval = flushInterval
	}

	if cleanupInterval, err := cfg.GetDuration("history.cleanup_interval"); err == nil {
		hc.CleanupInterval = cleanupInterval
	}

	switch {
	case hc.ConnectionString == "":
		return nil, fmt.Errorf("history.connection_string cannot be empty")
	case hc.RetentionDays < 1:
		return nil, fmt.Errorf("history.retention_days must be at least 1, got %d", hc.RetentionDays)
	case hc.BatchSize < 1:
		return nil, fmt.Errorf("history.batch_size must be at least 1, got %d", hc.BatchSize)
	case hc.MaxPending < hc.BatchSize:
		return nil, fmt.Errorf("history.max_pending must be at least batch_size (%d), got %d", hc.BatchSize, hc.MaxPending)
	case hc.FlushInterval <= 0 || hc.CleanupInterval <= 0:
		return nil, fmt.Errorf("history flush and cleanup intervals must be positive")
	}

	return hc, nil
}

// Record is one stored snapshot.
type Record struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  device.Snapshot `json:"snapshot"`
}

// Query selects records; zero times leave that bound open.
type Query struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Journal batches snapshots and writes them to the database.
type Journal struct {
	config  *HistoryConfig
	db      *sql.DB
	logger  logging.Logger
	metrics *metrics.HistoryMetrics

	mu    sync.Mutex
	batch []Record

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the database, creates the schema and starts the flush and
// retention workers.
func Open(cfg *HistoryConfig, logger logging.Logger, m *metrics.MetricsManager) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultHistoryConfig()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	db, err := sql.Open("sqlite3", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	j := &Journal{
		config:  cfg,
		db:      db,
		logger:  logger.With("component", "history"),
		metrics: m.GetHistoryMetrics(),
		batch:   make([]Record, 0, cfg.BatchSize),
		cancel:  cancel,
	}

	if err := j.initSchema(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	j.wg.Add(2)
	go j.flushWorker(ctx)
	go j.cleanupWorker(ctx)

	j.logger.Info("History journal opened", "database", cfg.ConnectionString, "retention_days", cfg.RetentionDays)
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		hw INTEGER NOT NULL,
		sw INTEGER NOT NULL,
		temp INTEGER NOT NULL,
		relay INTEGER NOT NULL,
		optical_relay TEXT NOT NULL,
		dry_contact TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp);`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

// Record queues snap taken at at. A full batch is written immediately.
// While writes fail the queue keeps the newest max_pending snapshots.
func (j *Journal) Record(snap device.Snapshot, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.batch = append(j.batch, Record{Timestamp: at, Snapshot: snap})
	if over := len(j.batch) - j.config.MaxPending; over > 0 {
		j.batch = append(j.batch[:0], j.batch[over:]...)
		if j.metrics != nil {
			j.metrics.SnapshotsDropped.Add(float64(over))
		}
		j.logger.Warn("History queue full, dropped oldest snapshots", "dropped", over)
	}
	if len(j.batch) >= j.config.BatchSize {
		return j.flushLocked()
	}
	return nil
}

// Flush writes the queued snapshots.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.batch) == 0 {
		return nil
	}

	if err := j.write(j.batch); err != nil {
		if j.metrics != nil {
			j.metrics.StorageErrors.Inc()
		}
		return err
	}

	if j.metrics != nil {
		j.metrics.SnapshotsStored.Add(float64(len(j.batch)))
	}
	j.batch = j.batch[:0]
	return nil
}

func (j *Journal) write(records []Record) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO snapshots (timestamp, hw, sw, temp, relay, optical_relay, dry_contact)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		optical, err := json.Marshal(r.Snapshot.OpticalRelay)
		if err != nil {
			return fmt.Errorf("failed to encode optical relays: %w", err)
		}
		dry, err := json.Marshal(r.Snapshot.DryContact)
		if err != nil {
			return fmt.Errorf("failed to encode dry contacts: %w", err)
		}

		_, err = stmt.Exec(r.Timestamp.UnixMilli(), r.Snapshot.HW, r.Snapshot.SW, r.Snapshot.Temp,
			r.Snapshot.Relay, string(optical), string(dry))
		if err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Query returns stored records in ascending time order.
func (j *Journal) Query(q Query) ([]Record, error) {
	start := time.Now()
	defer func() {
		if j.metrics != nil {
			j.metrics.QueryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	sqlQuery := "SELECT id, timestamp, hw, sw, temp, relay, optical_relay, dry_contact FROM snapshots WHERE 1=1"
	var args []any

	if !q.From.IsZero() {
		sqlQuery += " AND timestamp >= ?"
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		sqlQuery += " AND timestamp <= ?"
		args = append(args, q.To.UnixMilli())
	}
	sqlQuery += " ORDER BY timestamp, id"
	if q.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			millis  int64
			optical string
			dry     string
		)
		if err := rows.Scan(&r.ID, &millis, &r.Snapshot.HW, &r.Snapshot.SW, &r.Snapshot.Temp,
			&r.Snapshot.Relay, &optical, &dry); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(optical), &r.Snapshot.OpticalRelay); err != nil {
			return nil, fmt.Errorf("failed to decode optical relays of record %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(dry), &r.Snapshot.DryContact); err != nil {
			return nil, fmt.Errorf("failed to decode dry contacts of record %d: %w", r.ID, err)
		}
		r.Timestamp = time.UnixMilli(millis)
		records = append(records, r)
	}

	return records, rows.Err()
}

// Count returns the number of stored records.
func (j *Journal) Count() (int64, error) {
	var n int64
	if err := j.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}

// Cleanup removes records older than the retention period as of now.
func (j *Journal) Cleanup(now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -j.config.RetentionDays)

	result, err := j.db.Exec("DELETE FROM snapshots WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if j.metrics != nil {
		if n, err := j.Count(); err == nil {
			j.metrics.SnapshotsRetained.Set(float64(n))
		}
	}
	return removed, nil
}

func (j *Journal) flushWorker(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.logger.Error("Failed to flush history batch", "error", err.Error())
			}
		}
	}
}

func (j *Journal) cleanupWorker(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := j.Cleanup(time.Now())
			if err != nil {
				j.logger.Error("History cleanup failed", "error", err.Error())
				continue
			}
			if removed > 0 {
				j.logger.Info("Removed expired snapshots", "count", removed)
			}
		}
	}
}

// Close stops the workers, writes what is queued and closes the database.
func (j *Journal) Close() error {
	j.cancel()
	j.wg.Wait()

	flushErr := j.Flush()
	if err := j.db.Close(); err != nil {
		return err
	}
	return flushErr
}
