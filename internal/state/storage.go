package state

import (
	"fmt"
	"io/fs"
	"os"
)

// Storage is the file abstraction the Manager persists through.
type Storage interface {
	ReadFile(path string) ([]byte, error)
	// WriteFile replaces the file in one step; readers never see a partial write.
	WriteFile(path string, data []byte) error
	MkdirAll(path string) error
	Exists(path string) bool
	ReadDir(path string) ([]fs.DirEntry, error)
}

// FileStorage implements Storage on the local filesystem.
type FileStorage struct{}

func (FileStorage) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes to a sibling temp file and renames it over the target.
func (FileStorage) WriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (FileStorage) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (FileStorage) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (FileStorage) ReadDir(path string) ([]fs.DirEntry, error) {
	return os.ReadDir(path)
}

var _ Storage = FileStorage{}
