package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStorage keeps the latest backup as a unified JSON document. Legacy
// documents found at the path are read as well.
type FileStorage struct {
	path string
}

// NewFileStorage returns a storage for path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the document path.
func (s *FileStorage) Path() string { return s.path }

func (s *FileStorage) LoadBackup() (*Backup, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCorrupted, s.path, err)
	}
	b, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	return b, nil
}

// SaveBackup replaces the document atomically.
func (s *FileStorage) SaveBackup(b *Backup) error {
	data, err := MarshalDocument(b)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	return nil
}
