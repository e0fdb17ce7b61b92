// Package store implements the Persistence Store: atomic per-room snapshot
// read/write keyed by a sanitized room id, resilient to disk failure via a
// circuit breaker in the same shape as the cursor bus's Redis breaker.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/drawsync/backend/internal/v1/drawing"
	"github.com/drawsync/backend/internal/v1/logging"
	"github.com/drawsync/backend/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeRoomID replaces every character outside [A-Za-z0-9_-] with "_".
// Per the design notes, this deliberately collapses room ids that differ
// only in substituted characters; no collision detection is added here.
func SanitizeRoomID(roomID string) string {
	return unsafeChars.ReplaceAllString(roomID, "_")
}

// Store persists Drawing State snapshots to a data directory, one file per
// room, written atomically by rename.
type Store struct {
	dataDir string
	cb      *gobreaker.CircuitBreaker
}

// New returns a Store rooted at dataDir. The directory is created lazily on
// first write, not here.
func New(dataDir string) *Store {
	st := gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("persistence").Set(stateVal)
		},
	}
	return &Store{
		dataDir: dataDir,
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

func (s *Store) path(roomID string) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("room_%s.json", SanitizeRoomID(roomID)))
}

// Load reads a room's persisted snapshot. A missing or malformed file is
// reported as "no prior state" (ok=false) rather than failing the
// room boot, per the store's read contract.
func (s *Store) Load(roomID string) (snapshot drawing.PersistedState, ok bool) {
	data, err := os.ReadFile(s.path(roomID))
	if err != nil {
		return drawing.PersistedState{}, false
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		logging.Warn(context.Background(), "persistence: discarding malformed snapshot",
			zap.String("room_id", roomID), zap.Error(err))
		return drawing.PersistedState{}, false
	}
	return snapshot, true
}

// Save serializes a snapshot to a sibling temp file and renames it over the
// final path, so concurrent readers never observe a torn file. I/O failures,
// including writes short-circuited by an open breaker, are logged and
// returned to the caller (Room.maybePersist treats them as non-fatal and
// leaves the room dirty) rather than retried here; the breaker bounds the
// cost of a sustained failure streak by short-circuiting further attempts.
func (s *Store) Save(roomID string, snapshot drawing.PersistedState) error {
	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.writeAtomic(roomID, snapshot)
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues(roomID).Inc()
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("persistence").Inc()
			logging.Warn(context.Background(), "persistence: circuit open, dropping write",
				zap.String("room_id", roomID))
			return err
		}
		logging.Error(context.Background(), "persistence: write failed",
			zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	metrics.PersistenceDuration.WithLabelValues(roomID).Observe(time.Since(start).Seconds())
	return nil
}

func (s *Store) writeAtomic(roomID string, snapshot drawing.PersistedState) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	final := s.path(roomID)
	tmp, err := os.CreateTemp(s.dataDir, "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// Healthy reports whether the persistence store's circuit breaker is not
// tripped open, used by the readiness endpoint.
func (s *Store) Healthy() bool {
	return s.cb.State() != gobreaker.StateOpen
}
