package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/franksops/panshift/provider"
)

// ErrDocumentNotFound is returned when a named document has never been written.
var ErrDocumentNotFound = errors.New("document not found")

// Names of the documents kept by the resume store and the credential vault.
const (
	DocQueue        = "baidu_file_list.txt"
	DocCurrent      = "baidu_current_file.txt"
	DocRefreshToken = "refresh_token.txt"
)

// Documents is a small named-blob store. Put must replace the whole document
// atomically: readers see either the old or the new bytes.
type Documents interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
}

// ContentStore is the subset of the destination drive used for documents.
type ContentStore interface {
	GetContent(ctx context.Context, path string) ([]byte, error)
	PutContent(ctx context.Context, path string, data []byte) error
}

var (
	_ Documents    = (*DriveDocuments)(nil)
	_ Documents    = (*MemoryDocuments)(nil)
	_ ContentStore = (*provider.Graph)(nil)
)

// DriveDocuments keeps documents as small files on the destination drive.
type DriveDocuments struct {
	drive ContentStore
	dir   string
}

// NewDriveDocuments stores documents under dir on the drive ("/" for the root).
func NewDriveDocuments(drive ContentStore, dir string) *DriveDocuments {
	if dir == "" {
		dir = "/"
	}
	return &DriveDocuments{drive: drive, dir: dir}
}

func (d *DriveDocuments) path(name string) string {
	return path.Join("/", d.dir, name)
}

func (d *DriveDocuments) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := d.drive.GetContent(ctx, d.path(name))
	if errors.Is(err, provider.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", name, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", name, err)
	}
	return data, nil
}

func (d *DriveDocuments) Put(ctx context.Context, name string, data []byte) error {
	if err := d.drive.PutContent(ctx, d.path(name), data); err != nil {
		return fmt.Errorf("failed to write document %s: %w", name, err)
	}
	return nil
}

// MemoryDocuments is an in-process Documents used by tests and dry runs.
type MemoryDocuments struct {
	mu   sync.Mutex
	docs map[string][]byte
	puts int
}

// NewMemoryDocuments returns an empty MemoryDocuments.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{docs: make(map[string][]byte)}
}

func (m *MemoryDocuments) Get(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDocumentNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryDocuments) Put(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = append([]byte(nil), data...)
	m.puts++
	return nil
}

// Puts returns how many writes have been performed.
func (m *MemoryDocuments) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
