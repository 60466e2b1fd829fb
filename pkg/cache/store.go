// Package cache implements the broadcaster-id cache: a JSON snapshot file
// mapping lowercase login to user id, fronted by a bounded in-memory LRU.
//
// File writes are atomic (temp file + fsync + rename). A corrupt file never
// surfaces an error: it is quarantined under a .corrupted suffix and the
// store restarts from an empty map.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CorruptedSuffix is appended to a quarantined snapshot file.
const CorruptedSuffix = ".corrupted"

// Error is a typed cache failure carrying the operation tag.
type Error struct {
	Op  string // "load_cache" or "save_cache"
	Err error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// Store is a single-file JSON key-value store with an LRU read layer.
// One mutex serializes all file I/O; the LRU is only touched while it is held.
type Store struct {
	path   string
	mu     sync.Mutex
	lru    *lru.Cache[string, string]
	logger *slog.Logger
}

// NewStore creates a store backed by path with an LRU of the given capacity.
func NewStore(path string, lruSize int) (*Store, error) {
	l, err := lru.New[string, string](lruSize)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Store{
		path:   path,
		lru:    l,
		logger: slog.Default().With("component", "cache", "path", path),
	}, nil
}

// Get returns the value for key. The LRU is consulted first; on miss the
// snapshot file is read under the lock and the LRU warmed on hit.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.lru.Get(key); ok {
		return v, true, nil
	}

	m, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	if ok {
		s.lru.Add(key, v)
	}
	return v, ok, nil
}

// Set writes key=value through to the snapshot file and the LRU.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	m[key] = value
	if err := s.saveLocked(m); err != nil {
		return err
	}
	s.lru.Add(key, value)
	return nil
}

// Delete removes key from the snapshot file and the LRU. Deleting an absent
// key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		s.lru.Remove(key)
		return nil
	}
	delete(m, key)
	if err := s.saveLocked(m); err != nil {
		return err
	}
	s.lru.Remove(key)
	return nil
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveLocked(map[string]string{}); err != nil {
		return err
	}
	s.lru.Purge()
	return nil
}

// Len returns the number of entries in the snapshot file.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

// loadLocked reads the snapshot. A missing file yields an empty map. A file
// that fails to parse is quarantined and also yields an empty map: corruption
// is self-healed, never raised.
func (s *Store) loadLocked() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, newError("load_cache", err)
	}

	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		s.quarantineLocked(err)
		return map[string]string{}, nil
	}
	return m, nil
}

func (s *Store) quarantineLocked(cause error) {
	quarantined := s.path + CorruptedSuffix
	if err := os.Rename(s.path, quarantined); err != nil {
		s.logger.Error("Failed to quarantine corrupt cache file",
			"target", quarantined, "error", err)
		return
	}
	s.logger.Warn("Corrupt cache file quarantined, starting from empty map",
		"target", quarantined, "parse_error", cause)
}

// saveLocked writes the full snapshot atomically: temp file in the same
// directory, fsync, rename over the target.
func (s *Store) saveLocked(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return newError("save_cache", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return newError("save_cache", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return newError("save_cache", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return newError("save_cache", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return newError("save_cache", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return newError("save_cache", err)
	}
	return nil
}
