package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/franksops/panshift/provider"
	"golang.org/x/sync/errgroup"
)

// Source is the part of the source provider the reader needs.
type Source interface {
	DownloadLink(ctx context.Context, id string) (provider.Link, error)
	FetchRange(ctx context.Context, link string, start, end int64) (io.ReadCloser, error)
}

var _ Source = (*provider.Baidu)(nil)

// Chunk is one fetched range. Data aliases a pooled buffer; call Release once
// the destination has acknowledged it.
type Chunk struct {
	Range ByteRange
	Data  []byte

	buf  *[]byte
	pool *BufferPool
}

// Release returns the buffer to its pool. It is safe to call more than once.
func (c *Chunk) Release() {
	if c.pool != nil && c.buf != nil {
		c.pool.Put(c.buf)
	}
	c.buf, c.Data = nil, nil
}

// ReaderConfig controls range fetching.
type ReaderConfig struct {
	ChunkSize     int64
	Concurrency   int
	RangeAttempts int
	RetryWait     time.Duration
}

// DefaultReaderConfig matches the values the source tolerates without rate
// limiting.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		ChunkSize:     DefaultChunkSize,
		Concurrency:   3,
		RangeAttempts: 3,
		RetryWait:     2 * time.Second,
	}
}

// SourceReader streams a file as ordered, contiguous chunks.
type SourceReader struct {
	src    Source
	pool   *BufferPool
	cfg    ReaderConfig
	logger *slog.Logger
}

// NewSourceReader creates a reader. Zero config fields take their defaults.
func NewSourceReader(src Source, pool *BufferPool, cfg ReaderConfig, logger *slog.Logger) *SourceReader {
	def := DefaultReaderConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RangeAttempts <= 0 {
		cfg.RangeAttempts = def.RangeAttempts
	}
	if cfg.RetryWait < 0 {
		cfg.RetryWait = 0
	}
	if pool == nil {
		pool = NewBufferPool(int(cfg.ChunkSize))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceReader{src: src, pool: pool, cfg: cfg, logger: logger}
}

// Fetch sends chunks covering [start, size) to out in increasing order and
// closes out when it returns. Ranges are requested in groups of
// Concurrency; a group is emitted only after all of its members arrived.
func (r *SourceReader) Fetch(ctx context.Context, task *TransferTask, start int64, out chan<- *Chunk) error {
	defer close(out)

	id := task.File.ID
	link, err := r.src.DownloadLink(ctx, id)
	if err != nil {
		return wrap("download_link", id, err)
	}
	if link.Size > 0 && link.Size != task.Size() {
		return &TransferError{
			Kind:   KindPermanent,
			Op:     "download_link",
			FileID: id,
			Err:    fmt.Errorf("%w: source size changed from %d to %d", ErrRangeMismatch, task.Size(), link.Size),
		}
	}
	lr := &linkRef{url: link.URL}

	ranges := Ranges(start, task.Size(), r.cfg.ChunkSize)
	r.logger.Debug("fetching file", "file_id", id, "start", start,
		"ranges", len(ranges), "size", units.BytesSize(float64(task.Size())))

	for batchStart := 0; batchStart < len(ranges); batchStart += r.cfg.Concurrency {
		batch := ranges[batchStart:min(batchStart+r.cfg.Concurrency, len(ranges))]
		chunks := make([]*Chunk, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, br := range batch {
			g.Go(func() error {
				c, err := r.fetchRange(gctx, id, lr, br)
				if err != nil {
					return err
				}
				chunks[i] = c
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			releaseAll(chunks)
			return err
		}

		slices.SortFunc(chunks, func(a, b *Chunk) int {
			return int(a.Range.Start - b.Range.Start)
		})
		for i, c := range chunks {
			select {
			case <-ctx.Done():
				releaseAll(chunks[i:])
				return wrap("fetch_range", id, ctx.Err())
			case out <- c:
			}
		}
	}
	return nil
}

// linkRef is the download URL shared by the goroutines of one Fetch. It is
// resolved again when the source rejects it as expired.
type linkRef struct {
	mu  sync.Mutex
	url string
}

func (l *linkRef) get() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

func (r *SourceReader) refreshLink(ctx context.Context, id string, lr *linkRef, stale string) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.url != stale {
		return nil
	}
	link, err := r.src.DownloadLink(ctx, id)
	if err != nil {
		return err
	}
	lr.url = link.URL
	return nil
}

// fetchRange downloads one range into a pooled buffer, retrying short or
// broken bodies. Transport retries already happened inside the HTTP client.
func (r *SourceReader) fetchRange(ctx context.Context, id string, lr *linkRef, br ByteRange) (*Chunk, error) {
	var lastErr error
	refreshed := false
	for attempt := 1; attempt <= r.cfg.RangeAttempts; attempt++ {
		link := lr.get()
		c, err := r.readRange(ctx, link, br)
		if err == nil {
			return c, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, wrap("fetch_range", id, ctx.Err())
		}
		if provider.IsStatus(err, http.StatusForbidden, http.StatusGone) {
			if refreshed {
				return nil, &TransferError{
					Kind:   KindPermanent,
					Op:     "fetch_range",
					FileID: id,
					Err:    fmt.Errorf("range %s refused with a new download link: %w", br, err),
				}
			}
			if rerr := r.refreshLink(ctx, id, lr, link); rerr != nil {
				return nil, wrap("download_link", id, rerr)
			}
			r.logger.Info("download link expired, resolved a new one", "file_id", id, "range", br.String())
			// the new link gets its own attempt
			refreshed = true
			attempt--
			continue
		}
		if classify(err) != KindTransient {
			return nil, wrap("fetch_range", id, err)
		}

		r.logger.Warn("range fetch failed", "file_id", id, "range", br.String(),
			"attempt", attempt, "max_attempts", r.cfg.RangeAttempts, "error", err)
		if attempt < r.cfg.RangeAttempts {
			if err := sleepCtx(ctx, r.cfg.RetryWait*time.Duration(attempt)); err != nil {
				return nil, wrap("fetch_range", id, err)
			}
		}
	}
	return nil, &TransferError{
		Kind:   KindTransient,
		Op:     "fetch_range",
		FileID: id,
		Err:    fmt.Errorf("range %s failed after %d attempts: %w", br, r.cfg.RangeAttempts, lastErr),
	}
}

func (r *SourceReader) readRange(ctx context.Context, link string, br ByteRange) (*Chunk, error) {
	body, err := r.src.FetchRange(ctx, link, br.Start, br.End)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	buf := r.pool.Get(int(br.Len()))
	if _, err := io.ReadFull(body, *buf); err != nil {
		r.pool.Put(buf)
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read range %s: %w", br, err)
	}
	return &Chunk{Range: br, Data: *buf, buf: buf, pool: r.pool}, nil
}

func releaseAll(chunks []*Chunk) {
	for _, c := range chunks {
		if c != nil {
			c.Release()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
