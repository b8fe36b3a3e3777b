// Package device tracks the state of the SDK sensor board and keeps it
// current by polling the board over its serial line.
package device

import (
	"sync"
	"time"
)

const (
	// OpticalRelays is the number of optical relay outputs.
	OpticalRelays = 4
	// DryContacts is the number of dry contact inputs.
	DryContacts = 20
)

// Snapshot is one reading of every board value.
type Snapshot struct {
	HW           int32                `json:"hw"`
	SW           int32                `json:"sw"`
	Temp         int32                `json:"temp"`
	Relay        int32                `json:"relay"`
	OpticalRelay [OpticalRelays]int32 `json:"optical_relay"`
	DryContact   [DryContacts]int32   `json:"dry_contact"`
}

// Store holds the latest snapshot. The poller writes it and the MIB refresh
// and command server read it from other goroutines.
type Store struct {
	mu       sync.RWMutex
	current  Snapshot
	updated  time.Time
	updates  uint64
	onChange []func(Snapshot)
}

// NewStore returns a store holding the zero snapshot.
func NewStore() *Store {
	return &Store{}
}

// Snapshot returns a copy of the latest reading.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the reading. Registered callbacks run when it differs from
// the previous one, outside the lock.
func (s *Store) Set(snap Snapshot) {
	s.mu.Lock()
	changed := snap != s.current
	s.current = snap
	s.updated = time.Now()
	s.updates++
	callbacks := s.onChange
	s.mu.Unlock()

	if changed {
		for _, fn := range callbacks {
			fn(snap)
		}
	}
}

// OnChange registers fn to be called with every new distinct snapshot.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Updated returns when the snapshot was last set; zero if never.
func (s *Store) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// GetStats returns store statistics.
func (s *Store) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]any{
		"updates":      s.updates,
		"last_updated": s.updated,
	}
}
