package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir is a filesystem store keeping one file per key inside a directory.
// Filenames are the hex encoding of the key, so arbitrary byte-string keys
// map to safe names.
type Dir struct {
	path string
}

// OpenDir opens (or creates) the store directory at path.
func OpenDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

func (s *Dir) file(key []byte) string {
	return filepath.Join(s.path, hex.EncodeToString(key))
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *Dir) Get(key []byte) ([]byte, error) {
	value, err := os.ReadFile(s.file(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return value, nil
}

// Set stores value under key.
func (s *Dir) Set(key, value []byte) error {
	if err := os.WriteFile(s.file(key), value, 0o644); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *Dir) Delete(key []byte) error {
	if err := os.Remove(s.file(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove key file: %w", err)
	}
	return nil
}

// Keys returns every key currently present. Files whose names are not
// valid hex are skipped; they were not written by this store.
func (s *Dir) Keys() ([][]byte, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("list store directory: %w", err)
	}

	keys := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, derr := hex.DecodeString(e.Name())
		if derr != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Reset removes and recreates the store directory.
func (s *Dir) Reset() error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("clear store directory: %w", err)
	}
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("recreate store directory: %w", err)
	}
	return nil
}

// Close is a no-op; files are written synchronously.
func (s *Dir) Close() error {
	return nil
}
