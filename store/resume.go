package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoRecord is returned by Load when nothing has been persisted yet.
var ErrNoRecord = errors.New("no resume record")

// FileEntry describes one source file. The JSON names follow the source API
// so search results can be stored as they arrive.
type FileEntry struct {
	ID       string `json:"fs_id"`
	Path     string `json:"path"`
	Name     string `json:"server_filename"`
	Size     int64  `json:"size"`
	Attempts int    `json:"attempts,omitempty"`
}

// Queue is the pending work plus the search cursor.
type Queue struct {
	Items    []FileEntry `json:"list"`
	NextPage int         `json:"next_page"`
	HasMore  bool        `json:"has_more"`
}

// NewQueue returns the queue of a run that has not searched yet.
func NewQueue() Queue {
	return Queue{Items: []FileEntry{}, NextPage: 1, HasMore: true}
}

// Current is the file being transferred and its upload session.
type Current struct {
	FileEntry
	RemotePath string    `json:"remote_path"`
	UploadURL  string    `json:"upload_url"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	Offset     int64     `json:"offset"`
	StartedAt  time.Time `json:"download_start_time"`
	// Digest is the running checksum state covering DigestOffset bytes.
	Digest       []byte `json:"digest,omitempty"`
	DigestOffset int64  `json:"digest_offset,omitempty"`
}

// ResumeRecord is everything needed to continue after a restart.
type ResumeRecord struct {
	Current *Current
	Queue   Queue
}

// Clone returns a deep copy.
func (r *ResumeRecord) Clone() *ResumeRecord {
	out := &ResumeRecord{Queue: r.Queue}
	out.Queue.Items = append([]FileEntry(nil), r.Queue.Items...)
	if r.Current != nil {
		c := *r.Current
		out.Current = &c
	}
	return out
}

// ResumeStore persists a ResumeRecord as two documents: the queue and the
// current file. An empty current document means no file is in flight.
type ResumeStore struct {
	docs Documents

	mu   sync.Mutex
	last map[string][]byte
}

// NewResumeStore wraps a Documents backend.
func NewResumeStore(docs Documents) *ResumeStore {
	return &ResumeStore{docs: docs, last: make(map[string][]byte)}
}

// Load reads both documents. A missing queue document with a missing current
// document is ErrNoRecord; a missing queue alone yields a fresh queue.
func (s *ResumeStore) Load(ctx context.Context) (*ResumeRecord, error) {
	queueData, qerr := s.docs.Get(ctx, DocQueue)
	if qerr != nil && !errors.Is(qerr, ErrDocumentNotFound) {
		return nil, qerr
	}
	currentData, cerr := s.docs.Get(ctx, DocCurrent)
	if cerr != nil && !errors.Is(cerr, ErrDocumentNotFound) {
		return nil, cerr
	}
	if qerr != nil && cerr != nil {
		return nil, ErrNoRecord
	}

	rec := &ResumeRecord{Queue: NewQueue()}
	if qerr == nil {
		if err := json.Unmarshal(queueData, &rec.Queue); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", DocQueue, err)
		}
		if rec.Queue.Items == nil {
			rec.Queue.Items = []FileEntry{}
		}
		s.remember(DocQueue, queueData)
	}
	if cerr == nil {
		cur, err := decodeCurrent(currentData)
		if err != nil {
			return nil, err
		}
		rec.Current = cur
		s.remember(DocCurrent, currentData)
	}
	return rec, nil
}

func decodeCurrent(data []byte) (*Current, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}
	var cur Current
	if err := json.Unmarshal(trimmed, &cur); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", DocCurrent, err)
	}
	if cur.ID == "" {
		return nil, nil
	}
	return &cur, nil
}

// Save writes the queue document and then the current document. Documents
// whose encoding has not changed since the last successful write are
// skipped.
func (s *ResumeStore) Save(ctx context.Context, rec *ResumeRecord) error {
	queue := rec.Queue
	if queue.Items == nil {
		queue.Items = []FileEntry{}
	}
	queueData, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	currentData := []byte("null")
	if rec.Current != nil {
		if currentData, err = json.Marshal(rec.Current); err != nil {
			return fmt.Errorf("failed to encode current file: %w", err)
		}
	}

	if err := s.put(ctx, DocQueue, queueData); err != nil {
		return err
	}
	return s.put(ctx, DocCurrent, currentData)
}

func (s *ResumeStore) put(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	unchanged := bytes.Equal(s.last[name], data)
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := s.docs.Put(ctx, name, data); err != nil {
		return err
	}
	s.remember(name, data)
	return nil
}

func (s *ResumeStore) remember(name string, data []byte) {
	s.mu.Lock()
	s.last[name] = append([]byte(nil), data...)
	s.mu.Unlock()
}
