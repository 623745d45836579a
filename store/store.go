// Package store persists small settings in a JSON file guarded by an
// advisory file lock, so the CLI and a running bridge can share it.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Well-known keys.
const (
	KeyAnalysisEnabled = "audioAnalysisEnabled"
	KeySelectedAgent   = "selectedAgent"
)

// Store is a JSON key-value file.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a store backed by path. The file is created lazily on the
// first Set.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Get decodes the value stored under key into dst. It reports false when
// the key is absent.
func (s *Store) Get(key string, dst any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := lock(s.path, false)
	if err != nil {
		return false, err
	}
	defer fl.Unlock()

	data, err := s.read()
	if err != nil {
		return false, err
	}
	raw, ok := data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key.
func (s *Store) Set(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := lock(s.path, true)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	data[key] = encoded
	return s.write(data)
}

// Bool returns the boolean under key, or def when absent or unreadable.
func (s *Store) Bool(key string, def bool) bool {
	var v bool
	if ok, err := s.Get(key, &v); err != nil || !ok {
		return def
	}
	return v
}

// SetBool stores a boolean.
func (s *Store) SetBool(key string, v bool) error {
	return s.Set(key, v)
}

// String returns the string under key, or def when absent or unreadable.
func (s *Store) String(key, def string) string {
	var v string
	if ok, err := s.Get(key, &v); err != nil || !ok {
		return def
	}
	return v
}

func lock(path string, exclusive bool) (*flock.Flock, error) {
	fl := flock.New(path + ".lock")
	var err error
	if exclusive {
		err = fl.Lock()
	} else {
		err = fl.RLock()
	}
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	return fl, nil
}

func (s *Store) read() (map[string]json.RawMessage, error) {
	content, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	data := make(map[string]json.RawMessage)
	if len(content) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", s.path, err)
	}
	return data, nil
}

// write replaces the file atomically through a temp file and rename.
func (s *Store) write(data map[string]json.RawMessage) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
