package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend stores each snapshot as a single file at the path given by key.
// The parent directory must already exist; it is never created implicitly.
type FileBackend struct{}

// NewFileBackend creates a FileBackend.
func NewFileBackend() *FileBackend {
	return &FileBackend{}
}

// Read implements Backend.
func (f *FileBackend) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write implements Backend. The data is written to a temporary file in the
// target directory, synced, and renamed over key, so a failed write never
// truncates an existing snapshot.
func (f *FileBackend) Write(_ context.Context, key string, data []byte) error {
	if key == "" {
		return errors.New("write: empty path")
	}
	dir := filepath.Dir(key)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("path %q does not exist: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %q is not a directory", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(key)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, key); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

// Exists implements Backend.
func (f *FileBackend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Close implements Backend.
func (f *FileBackend) Close() error { return nil }
