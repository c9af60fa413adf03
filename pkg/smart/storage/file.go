package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore implements Store with one file per key under a base directory.
// Suitable for CLI and desktop hosts; values survive restarts. Key names are
// base64url-encoded so arbitrary key strings map to safe file names.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a file-backed store rooted at baseDir. The directory
// is created on first write.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (f *FileStore) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(f.baseDir, name+".val")
}

// Get reads the value for key from disk.
func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read value file: %w", err)
	}
	return string(data), nil
}

// Set writes value to key's file with owner-only permissions.
func (f *FileStore) Set(_ context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := os.MkdirAll(f.baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.WriteFile(f.path(key), []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write value file: %w", err)
	}
	return nil
}

// Delete removes key's file. A missing file is not an error.
func (f *FileStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove value file: %w", err)
	}
	return nil
}

// Keys lists stored keys beginning with prefix by decoding file names.
func (f *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".val")
		if !ok || e.IsDir() {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(string(decoded), prefix) {
			keys = append(keys, string(decoded))
		}
	}
	return keys, nil
}

// Close is a no-op for file storage.
func (f *FileStore) Close() error { return nil }
