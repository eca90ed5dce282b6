// Package storage persists recordings. The simulator core only depends on
// the Storage interface; recordings can live on local disk or in a GCS
// bucket without the recorder knowing the difference.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Storage stores and retrieves recording files by relative path.
type Storage interface {
	// Write writes data to a file path.
	Write(path string, data []byte) error

	// Read reads data from a file path.
	Read(path string) ([]byte, error)

	// ReadSeeker returns a ReadSeeker for the file (useful for http.ServeContent).
	ReadSeeker(path string) (io.ReadSeeker, error)

	// Delete deletes a file.
	Delete(path string) error

	// Exists checks if a file exists.
	Exists(path string) (bool, error)

	// List lists files in a directory.
	List(dir string) ([]string, error)
}

// LocalStorage implements Storage on the local filesystem.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a local storage rooted at baseDir, creating the
// directory if needed.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Write writes data to a file, creating parent directories.
func (s *LocalStorage) Write(path string, data []byte) error {
	fullPath := filepath.Join(s.baseDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Read reads data from a file.
func (s *LocalStorage) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// ReadSeeker opens the file for seekable reads.
func (s *LocalStorage) ReadSeeker(path string) (io.ReadSeeker, error) {
	file, err := os.Open(filepath.Join(s.baseDir, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete deletes a file. Deleting a missing file is not an error.
func (s *LocalStorage) Delete(path string) error {
	if err := os.Remove(filepath.Join(s.baseDir, path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(path string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// List lists regular files in a directory. A missing directory lists empty.
func (s *LocalStorage) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

// CreateStream opens a file for incremental writes, used by the recorder's
// streaming mode. The caller owns closing the returned file.
func (s *LocalStorage) CreateStream(path string) (io.WriteCloser, error) {
	fullPath := filepath.Join(s.baseDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream file: %w", err)
	}
	return file, nil
}
