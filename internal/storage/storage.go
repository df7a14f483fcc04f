// Package storage provides the key-value blob store backing conversation
// persistence. Keys are path slices mapped onto .json files under a base
// directory; writes are atomic (tmp file + rename) and serialized per key.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a key has no blob.
	ErrNotFound = errors.New("not found")
)

// Store is a file-backed key-value blob store.
type Store struct {
	basePath string
	mu       sync.RWMutex
	locks    map[string]*FileLock
}

// New creates a Store rooted at basePath.
func New(basePath string) *Store {
	return &Store{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// BasePath returns the root directory of the store.
func (s *Store) BasePath() string {
	return s.basePath
}

// keyToFile converts a key slice to a file path.
func (s *Store) keyToFile(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...) + ".json"
}

// keyToDir converts a key slice to a directory path.
func (s *Store) keyToDir(key []string) string {
	parts := append([]string{s.basePath}, key...)
	return filepath.Join(parts...)
}

// GetRaw retrieves the blob stored under key.
func (s *Store) GetRaw(ctx context.Context, key []string) ([]byte, error) {
	data, err := os.ReadFile(s.keyToFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Get retrieves a value from storage and unmarshals it into v.
func (s *Store) Get(ctx context.Context, key []string, v any) error {
	data, err := s.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// PutRaw stores a blob under key. The write goes to a temp file first and
// is renamed into place so readers never observe a half-written blob.
func (s *Store) PutRaw(ctx context.Context, key []string, data []byte) error {
	filePath := s.keyToFile(key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Put marshals v and stores it under key.
func (s *Store) Put(ctx context.Context, key []string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return s.PutRaw(ctx, key, data)
}

// Delete removes the blob stored under key. Deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, key []string) error {
	filePath := s.keyToFile(key)

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	return nil
}

// List returns the keys directly under a key prefix.
func (s *Store) List(ctx context.Context, key []string) ([]string, error) {
	entries, err := os.ReadDir(s.keyToDir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var items []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}

	return items, nil
}

// Scan iterates over the blobs stored under a key prefix.
func (s *Store) Scan(ctx context.Context, key []string, fn func(key string, data json.RawMessage) error) error {
	dirPath := s.keyToDir(key)

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dirPath, name))
		if err != nil {
			continue // Skip blobs that can't be read
		}

		if err := fn(strings.TrimSuffix(name, ".json"), json.RawMessage(data)); err != nil {
			return err
		}
	}

	return nil
}

// Exists reports whether a blob is stored under key.
func (s *Store) Exists(ctx context.Context, key []string) bool {
	_, err := os.Stat(s.keyToFile(key))
	return err == nil
}

// getLock returns the write lock for a file path.
func (s *Store) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}

	return lock
}
