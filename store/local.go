package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var _ Documents = (*FileDocuments)(nil)

// FileDocuments keeps documents as files in a local directory.
type FileDocuments struct {
	basePath string
}

// NewFileDocuments creates the directory if needed.
func NewFileDocuments(basePath string) (*FileDocuments, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileDocuments{basePath: basePath}, nil
}

func (d *FileDocuments) resolve(name string) string {
	return filepath.Join(d.basePath, filepath.Base(filepath.Clean(name)))
}

func (d *FileDocuments) Get(ctx context.Context, name string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(d.resolve(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", name, err)
	}
	return data, nil
}

// Put writes to a temporary file in the same directory and renames it over
// the target.
func (d *FileDocuments) Put(ctx context.Context, name string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	target := d.resolve(name)
	tmp, err := os.CreateTemp(d.basePath, "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp document: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write document %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync document %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close document %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to replace document %s: %w", name, err)
	}
	return nil
}
