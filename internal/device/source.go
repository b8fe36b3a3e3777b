package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Source produces board readings for the poller.
type Source interface {
	Poll(ctx context.Context) (Snapshot, error)
	Close() error
}

// StaticSource always reports the same snapshot. It stands in for the board
// on hosts without one.
type StaticSource struct {
	snap Snapshot
}

// NewStaticSource returns a source reporting snap.
func NewStaticSource(snap Snapshot) *StaticSource {
	return &StaticSource{snap: snap}
}

// Poll implements Source.
func (s *StaticSource) Poll(ctx context.Context) (Snapshot, error) {
	return s.snap, ctx.Err()
}

// Close implements Source.
func (s *StaticSource) Close() error { return nil }

// ErrNotLoaded is returned by a file source that has never read its file.
var ErrNotLoaded = errors.New("snapshot file not loaded")

// FileSource serves a snapshot kept in a JSON file. Load re-reads it; the
// reload watcher calls it when the file changes.
type FileSource struct {
	path string

	mu     sync.RWMutex
	snap   Snapshot
	loaded bool
}

// NewFileSource reads path once and returns the source. A missing or
// invalid file is an error.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the watched file.
func (s *FileSource) Path() string { return s.path }

// Load re-reads the file. On error the previous snapshot is kept.
func (s *FileSource) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.snap = snap
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Poll implements Source.
func (s *FileSource) Poll(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.loaded {
		return Snapshot{}, ErrNotLoaded
	}
	return s.snap, ctx.Err()
}

// Close implements Source.
func (s *FileSource) Close() error { return nil }
