package pool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileShape records which on-disk shape the pool file was read in, so a
// save round-trips it unchanged instead of silently migrating the format.
type fileShape int

const (
	shapeBareArray fileShape = iota
	shapeKeyedObject
)

// Store loads and persists the account pool as a single JSON file, the way
// the reference implementation keeps `configs/provider_pools.json`. Writes
// are debounced and coalesced: many mutations in a short window collapse
// into one flush, and every flush goes through a temp-file-then-rename so a
// crash mid-write never leaves a truncated pool file behind.
type Store struct {
	path  string
	shape fileShape

	logger *slog.Logger

	mu       sync.Mutex
	accounts []*Account

	flushMu      sync.Mutex
	debounce     time.Duration
	pendingTimer *time.Timer
	dirty        bool
}

// NewStore creates a Store bound to path, loading any existing pool file.
// A missing file is not an error: the store starts empty and the bare-array
// shape is used on first save, per the "new installations write bare-array"
// decision.
func NewStore(path string, debounce time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 1000 * time.Millisecond
	}
	s := &Store{
		path:     path,
		shape:    shapeBareArray,
		logger:   logger,
		debounce: debounce,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read pool file: %w", err)
	}

	if err := s.parse(data); err != nil {
		return nil, fmt.Errorf("parse pool file %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) parse(data []byte) error {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var accounts []*Account
		if err := json.Unmarshal(data, &accounts); err != nil {
			return err
		}
		s.shape = shapeBareArray
		s.accounts = accounts
		return nil
	}

	var keyed map[string][]*Account
	if err := json.Unmarshal(data, &keyed); err != nil {
		return err
	}
	s.shape = shapeKeyedObject
	s.accounts = keyed[ProviderType]
	return nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// Snapshot returns a point-in-time copy of the account list.
func (s *Store) Snapshot() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, len(s.accounts))
	for i, a := range s.accounts {
		out[i] = a.Clone()
	}
	return out
}

// Mutate runs fn with the account slice under the store's lock, then
// schedules a debounced save. fn may append, remove, or edit accounts in
// place; it must not retain the slice beyond the call.
func (s *Store) Mutate(fn func(accounts []*Account) []*Account) {
	s.mu.Lock()
	s.accounts = fn(s.accounts)
	s.mu.Unlock()
	s.scheduleSave()
}

// Find returns the account with the given UUID, or nil.
func (s *Store) Find(uuid string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.UUID == uuid {
			return a.Clone()
		}
	}
	return nil
}

// UpdateOne applies fn to the account matching uuid while holding the
// store's lock, and schedules a debounced save if found.
func (s *Store) UpdateOne(uuid string, fn func(*Account)) bool {
	s.mu.Lock()
	var found bool
	for _, a := range s.accounts {
		if a.UUID == uuid {
			fn(a)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.scheduleSave()
	}
	return found
}

func (s *Store) scheduleSave() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.dirty = true
	if s.pendingTimer != nil {
		return
	}
	s.pendingTimer = time.AfterFunc(s.debounce, s.flush)
}

func (s *Store) flush() {
	s.flushMu.Lock()
	s.pendingTimer = nil
	wasDirty := s.dirty
	s.dirty = false
	s.flushMu.Unlock()

	if !wasDirty {
		return
	}
	if err := s.saveNow(); err != nil {
		s.logger.Error("failed to persist account pool", "path", s.path, "error", err)
	}
}

// Flush forces any pending debounced write out immediately. Used on
// shutdown so the last mutation before exit is not lost in the debounce
// window.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	s.dirty = false
	s.flushMu.Unlock()
	return s.saveNow()
}

func (s *Store) saveNow() error {
	s.mu.Lock()
	var data []byte
	var err error
	switch s.shape {
	case shapeKeyedObject:
		data, err = json.MarshalIndent(map[string][]*Account{ProviderType: s.accounts}, "", "  ")
	default:
		data, err = json.MarshalIndent(s.accounts, "", "  ")
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".pool-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
