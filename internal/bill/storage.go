package bill

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Storage keeps the original uploaded documents
type Storage interface {
	// Save stores data under name and returns the stored name
	Save(name string, data []byte) (string, error)

	// Get reads a stored document
	Get(name string) ([]byte, error)

	// Delete removes a stored document
	Delete(name string) error
}

// LocalStorage stores documents as flat files in one directory
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the directory if needed
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// resolve confines name to the storage directory
func (l *LocalStorage) resolve(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	return filepath.Join(l.basePath, base), nil
}

// Save writes a document to disk
func (l *LocalStorage) Save(name string, data []byte) (string, error) {
	path, err := l.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing document: %w", err)
	}
	return filepath.Base(path), nil
}

// Get reads a document from disk
func (l *LocalStorage) Get(name string) ([]byte, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("document %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	return data, nil
}

// Delete removes a document from disk
func (l *LocalStorage) Delete(name string) error {
	path, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("document %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("deleting document: %w", err)
	}
	return nil
}
