package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderedDocuments records the order of writes and can fail on demand.
type orderedDocuments struct {
	*MemoryDocuments
	writes []string
	failOn string
}

func (o *orderedDocuments) Put(ctx context.Context, name string, data []byte) error {
	if name == o.failOn {
		return errors.New("backend unavailable")
	}
	o.writes = append(o.writes, name)
	return o.MemoryDocuments.Put(ctx, name, data)
}

func TestResumeStore_LoadEmpty(t *testing.T) {
	s := NewResumeStore(NewMemoryDocuments())
	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestResumeStore_RoundTrip(t *testing.T) {
	docs := NewMemoryDocuments()
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &ResumeRecord{
		Current: &Current{
			FileEntry:  FileEntry{ID: "11", Path: "/a/b.bin", Name: "b.bin", Size: 3000000},
			RemotePath: "/a/b.bin",
			UploadURL:  "https://up.example/1",
			Offset:     1310720,
			StartedAt:  started,
		},
		Queue: Queue{
			Items:    []FileEntry{{ID: "11", Path: "/a/b.bin", Size: 3000000}, {ID: "12", Path: "/a/c.bin", Size: 5}},
			NextPage: 3,
			HasMore:  true,
		},
	}
	require.NoError(t, NewResumeStore(docs).Save(ctx, rec))

	loaded, err := NewResumeStore(docs).Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded.Current)
	assert.Equal(t, *rec.Current, *loaded.Current)
	assert.Equal(t, rec.Queue, loaded.Queue)
}

func TestResumeStore_QueueWrittenBeforeCurrent(t *testing.T) {
	docs := &orderedDocuments{MemoryDocuments: NewMemoryDocuments()}
	s := NewResumeStore(docs)

	rec := &ResumeRecord{
		Current: &Current{FileEntry: FileEntry{ID: "1", Size: 10}},
		Queue:   NewQueue(),
	}
	require.NoError(t, s.Save(context.Background(), rec))
	assert.Equal(t, []string{DocQueue, DocCurrent}, docs.writes)
}

func TestResumeStore_SkipsUnchangedDocuments(t *testing.T) {
	docs := &orderedDocuments{MemoryDocuments: NewMemoryDocuments()}
	s := NewResumeStore(docs)
	ctx := context.Background()

	rec := &ResumeRecord{
		Current: &Current{FileEntry: FileEntry{ID: "1", Size: 10}},
		Queue:   NewQueue(),
	}
	require.NoError(t, s.Save(ctx, rec))

	rec.Current.Offset = 5
	require.NoError(t, s.Save(ctx, rec))
	require.NoError(t, s.Save(ctx, rec))

	assert.Equal(t, []string{DocQueue, DocCurrent, DocCurrent}, docs.writes)
}

func TestResumeStore_FailedWriteIsRetried(t *testing.T) {
	docs := &orderedDocuments{MemoryDocuments: NewMemoryDocuments(), failOn: DocCurrent}
	s := NewResumeStore(docs)
	ctx := context.Background()

	rec := &ResumeRecord{Current: &Current{FileEntry: FileEntry{ID: "1", Size: 10}}, Queue: NewQueue()}
	require.Error(t, s.Save(ctx, rec))

	docs.failOn = ""
	require.NoError(t, s.Save(ctx, rec))
	assert.Equal(t, []string{DocQueue, DocCurrent}, docs.writes)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded.Current)
	assert.Equal(t, "1", loaded.Current.ID)
}

func TestResumeStore_ClearedCurrent(t *testing.T) {
	docs := NewMemoryDocuments()
	s := NewResumeStore(docs)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &ResumeRecord{Current: &Current{FileEntry: FileEntry{ID: "1"}}, Queue: NewQueue()}))
	require.NoError(t, s.Save(ctx, &ResumeRecord{Queue: NewQueue()}))

	loaded, err := NewResumeStore(docs).Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded.Current)
	assert.True(t, loaded.Queue.HasMore)
	assert.Equal(t, 1, loaded.Queue.NextPage)
}

func TestResumeStore_CurrentWithoutQueue(t *testing.T) {
	docs := NewMemoryDocuments()
	ctx := context.Background()
	require.NoError(t, docs.Put(ctx, DocCurrent, []byte(`{"fs_id":"9","path":"/x","size":4,"upload_url":"u"}`)))

	loaded, err := NewResumeStore(docs).Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded.Current)
	assert.Equal(t, "u", loaded.Current.UploadURL)
	assert.Equal(t, NewQueue(), loaded.Queue)
}

func TestResumeStore_CorruptDocument(t *testing.T) {
	docs := NewMemoryDocuments()
	ctx := context.Background()
	require.NoError(t, docs.Put(ctx, DocQueue, []byte(`{not json`)))

	_, err := NewResumeStore(docs).Load(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoRecord)
}

func TestResumeRecord_Clone(t *testing.T) {
	rec := &ResumeRecord{
		Current: &Current{FileEntry: FileEntry{ID: "1"}},
		Queue:   Queue{Items: []FileEntry{{ID: "1"}}},
	}
	c := rec.Clone()
	c.Current.Offset = 9
	c.Queue.Items[0].ID = "changed"

	assert.Zero(t, rec.Current.Offset)
	assert.Equal(t, "1", rec.Queue.Items[0].ID)
}
