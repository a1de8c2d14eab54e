// Package state owns the durable snapshot of everything the scheduler must
// not forget across restarts: the seen registry of alerted trades, the daily
// AI-call quota counters, the insight-cooldown timestamps, and the topic
// history driving diversity selection.
//
// The snapshot is a single JSON blob replaced atomically (write-to-temp then
// rename), so a crash mid-write can never leave a truncated state file. All
// mutation goes through one in-memory *State; the store is not safe for
// concurrent writers and callers must serialize access.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateVersion = "1.0"

// Retention bounds, matching the pruning policy applied each tick.
const (
	maxSeenTrades = 5000
	insightTTL    = 24 * time.Hour
)

// Quota tracks the daily AI-call budget consumption.
type Quota struct {
	CallsUsed  int    `json:"calls_used"`   // calls spent since the last day rollover
	DayKey     string `json:"day_key"`      // calendar date key, e.g. "2026-08-29"
	LastCallAt int64  `json:"last_call_at"` // unix seconds of the most recent spend
}

// State is the root persisted aggregate. Other components receive access only
// through the scheduler, never direct references, so every mutation can be
// persisted atomically.
type State struct {
	Version      string           `json:"version"`
	SavedAt      time.Time        `json:"saved_at"`
	SeenTrades   []string         `json:"seen_trades"`   // trade keys already alerted, oldest first
	Insights     map[string]int64 `json:"insights"`      // event slug -> unix seconds last analyzed
	Quota        Quota            `json:"quota"`
	TopicHistory []string         `json:"topic_history"` // categories analyzed, oldest first
}

// New returns an empty-but-valid state.
func New() *State {
	return &State{
		Version:    stateVersion,
		SeenTrades: []string{},
		Insights:   make(map[string]int64),
	}
}

// normalize repairs nil collections after JSON decoding of older or partial
// state files, mirroring the field-by-field migration the original data
// format required.
func (s *State) normalize() {
	if s.SeenTrades == nil {
		s.SeenTrades = []string{}
	}
	if s.Insights == nil {
		s.Insights = make(map[string]int64)
	}
	if s.Version == "" {
		s.Version = stateVersion
	}
}

// Prune drops entries that no longer affect behavior: seen trades beyond the
// retention cap (oldest first) and insight records older than 24h.
func (s *State) Prune(now time.Time) {
	if len(s.SeenTrades) > maxSeenTrades {
		s.SeenTrades = s.SeenTrades[len(s.SeenTrades)-maxSeenTrades:]
	}
	cutoff := now.Add(-insightTTL).Unix()
	for slug, ts := range s.Insights {
		if ts < cutoff {
			delete(s.Insights, slug)
		}
	}
}

// CorruptStateError reports an unreadable or malformed state file. Callers
// fall back to empty defaults and log prominently rather than crash.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

// Store persists State snapshots to a single file with atomic replacement.
type Store struct {
	path      string
	filePerms os.FileMode
	dirPerms  os.FileMode
}

// NewStore creates a store backed by the given file path. If path is empty,
// an OS-appropriate tmp location is used.
func NewStore(path string) *Store {
	if path == "" {
		path = filepath.Join(os.TempDir(), "whalewatch", "state.json")
	}
	return &Store{
		path:      path,
		filePerms: 0o600,
		dirPerms:  0o755,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted snapshot. A missing file yields fresh defaults
// with no error. An unreadable or malformed file yields fresh defaults AND a
// *CorruptStateError so the caller can log it; the returned state is always
// usable.
func (s *Store) Load() (*State, error) {
	// Clean up a stale temp file from a crash mid-save.
	tempPath := s.path + ".tmp"
	if _, err := os.Stat(tempPath); err == nil {
		_ = os.Remove(tempPath)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return New(), &CorruptStateError{Path: s.path, Err: err}
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return New(), &CorruptStateError{Path: s.path, Err: err}
	}

	st.normalize()
	return &st, nil
}

// Save atomically replaces the durable snapshot with st. The previous file
// stays intact until the rename succeeds.
func (s *Store) Save(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), s.dirPerms); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	st.SavedAt = time.Now()
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, raw, s.filePerms); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// Reset clears the seen registry, quota counters, and insight history so an
// operator can force a full re-scan. Topic history survives unless keepTopics
// is false. The cleared state is persisted before returning.
func (s *Store) Reset(keepTopics bool) (*State, error) {
	st, err := s.Load()
	if err != nil {
		// Corrupt state is replaced wholesale; Load already returned defaults.
		st = New()
	}

	st.SeenTrades = []string{}
	st.Insights = make(map[string]int64)
	st.Quota = Quota{}
	if !keepTopics {
		st.TopicHistory = nil
	}

	if err := s.Save(st); err != nil {
		return nil, fmt.Errorf("failed to persist reset state: %w", err)
	}
	return st, nil
}
