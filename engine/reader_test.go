package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/franksops/panshift/provider"
	"github.com/franksops/panshift/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves ranges of an in-memory file. failures maps a range start
// to the number of times it should fail before succeeding.
type fakeSource struct {
	mu       sync.Mutex
	data     []byte
	links    int
	fetches  []ByteRange
	failures map[int64]int
	failWith func(start int64) error
	jitter   bool
	expired  map[string]bool
	// refused makes every link answer 403.
	refused bool
}

func newFakeSource(data []byte) *fakeSource {
	return &fakeSource{data: data, failures: map[int64]int{}, expired: map[string]bool{}}
}

func (f *fakeSource) DownloadLink(_ context.Context, id string) (provider.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links++
	return provider.Link{URL: fmt.Sprintf("link-%d", f.links), Size: int64(len(f.data))}, nil
}

func (f *fakeSource) FetchRange(_ context.Context, link string, start, end int64) (io.ReadCloser, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, ByteRange{Start: start, End: end})
	expired := f.expired[link] || f.refused
	remaining := f.failures[start]
	if remaining > 0 {
		f.failures[start] = remaining - 1
	}
	failWith := f.failWith
	jitter := f.jitter
	f.mu.Unlock()

	if jitter {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	if expired {
		return nil, &provider.StatusError{Op: "download", StatusCode: http.StatusForbidden}
	}
	if remaining > 0 {
		if failWith != nil {
			return nil, failWith(start)
		}
		// short body
		return io.NopCloser(bytes.NewReader(f.data[start : start+1])), nil
	}
	return io.NopCloser(bytes.NewReader(f.data[start : end+1])), nil
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func testTask(size int) *TransferTask {
	return &TransferTask{File: store.FileEntry{ID: "f1", Path: "/f1.bin", Size: int64(size)}, RemotePath: "/f1.bin"}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, r *SourceReader, task *TransferTask, start int64) ([]*Chunk, error) {
	t.Helper()
	out := make(chan *Chunk, 3)
	errc := make(chan error, 1)
	go func() { errc <- r.Fetch(context.Background(), task, start, out) }()

	var chunks []*Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks, <-errc
}

func TestSourceReader_OrderedContiguous(t *testing.T) {
	data := testData(1000)
	src := newFakeSource(data)
	src.jitter = true
	pool := NewBufferPool(64)
	r := NewSourceReader(src, pool, ReaderConfig{ChunkSize: 64, Concurrency: 3, RangeAttempts: 1}, quietLogger())

	chunks, err := collect(t, r, testTask(len(data)), 0)
	require.NoError(t, err)

	var joined []byte
	next := int64(0)
	for _, c := range chunks {
		assert.Equal(t, next, c.Range.Start, "chunks must be contiguous")
		next = c.Range.End + 1
		joined = append(joined, c.Data...)
		c.Release()
	}
	assert.Equal(t, data, joined)
	assert.Zero(t, pool.InUse())
}

func TestSourceReader_StartsAtOffset(t *testing.T) {
	data := testData(3000)
	src := newFakeSource(data)
	r := NewSourceReader(src, nil, ReaderConfig{ChunkSize: 1000, RangeAttempts: 1}, quietLogger())

	chunks, err := collect(t, r, testTask(len(data)), 1000)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(1000), chunks[0].Range.Start)
	for _, f := range src.fetches {
		assert.GreaterOrEqual(t, f.Start, int64(1000), "no byte before the resume offset is fetched")
	}
}

func TestSourceReader_TransientFailuresThenSuccess(t *testing.T) {
	data := testData(300)
	src := newFakeSource(data)
	src.failures[100] = 2

	r := NewSourceReader(src, nil, ReaderConfig{ChunkSize: 100, RangeAttempts: 3, RetryWait: time.Millisecond}, quietLogger())
	chunks, err := collect(t, r, testTask(len(data)), 0)
	require.NoError(t, err)

	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c.Data...)
	}
	assert.Equal(t, data, joined)
}

func TestSourceReader_ExhaustedRetriesAreTransient(t *testing.T) {
	data := testData(300)
	src := newFakeSource(data)
	src.failures[200] = 5
	src.failWith = func(int64) error {
		return &provider.StatusError{Op: "download", StatusCode: http.StatusBadGateway}
	}

	pool := NewBufferPool(100)
	r := NewSourceReader(src, pool, ReaderConfig{ChunkSize: 100, RangeAttempts: 2, RetryWait: time.Millisecond}, quietLogger())
	chunks, err := collect(t, r, testTask(len(data)), 0)

	require.Error(t, err)
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTransient, te.Kind)
	assert.True(t, te.Retryable())
	assert.Empty(t, chunks, "a failed batch emits nothing")
	assert.Zero(t, pool.InUse())
}

func TestSourceReader_PermanentFailureAborts(t *testing.T) {
	data := testData(100)
	src := newFakeSource(data)
	src.failures[0] = 1
	src.failWith = func(int64) error {
		return &provider.StatusError{Op: "download", StatusCode: http.StatusNotFound}
	}

	r := NewSourceReader(src, nil, ReaderConfig{ChunkSize: 100, RangeAttempts: 3}, quietLogger())
	_, err := collect(t, r, testTask(len(data)), 0)
	assert.Equal(t, KindPermanent, KindOf(err))

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Len(t, src.fetches, 1, "permanent errors are not retried")
}

func TestSourceReader_RefreshesExpiredLink(t *testing.T) {
	data := testData(200)
	src := newFakeSource(data)
	src.expired["link-1"] = true

	r := NewSourceReader(src, nil, ReaderConfig{ChunkSize: 100, RangeAttempts: 2}, quietLogger())
	chunks, err := collect(t, r, testTask(len(data)), 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 2, src.links)
}

func TestSourceReader_ExpiredLinkWithSingleAttempt(t *testing.T) {
	data := testData(100)
	src := newFakeSource(data)
	src.expired["link-1"] = true

	r := NewSourceReader(src, nil, ReaderConfig{ChunkSize: 100, RangeAttempts: 1}, quietLogger())
	chunks, err := collect(t, r, testTask(len(data)), 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "a new link does not use up the range attempt")
}

func TestSourceReader_RefusedAfterNewLinkIsPermanent(t *testing.T) {
	data := testData(100)
	src := newFakeSource(data)
	src.refused = true

	r := NewSourceReader(src, nil, ReaderConfig{ChunkSize: 100, RangeAttempts: 3, RetryWait: time.Millisecond}, quietLogger())
	_, err := collect(t, r, testTask(len(data)), 0)

	require.Error(t, err)
	assert.Equal(t, KindPermanent, KindOf(err))
	assert.True(t, provider.IsStatus(err, http.StatusForbidden))

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 2, src.links, "one new link is tried")
	assert.Len(t, src.fetches, 2)
}

func TestSourceReader_SizeChanged(t *testing.T) {
	src := newFakeSource(testData(50))
	r := NewSourceReader(src, nil, ReaderConfig{ChunkSize: 100}, quietLogger())

	_, err := collect(t, r, testTask(100), 0)
	assert.True(t, errors.Is(err, ErrRangeMismatch))
	assert.Equal(t, KindPermanent, KindOf(err))
}
