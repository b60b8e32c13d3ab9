package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/franksops/panshift/provider"
	"github.com/franksops/panshift/store"
)

// Catalog enumerates source files.
type Catalog interface {
	Search(ctx context.Context, q provider.SearchQuery) (*provider.SearchPage, error)
}

var _ Catalog = (*provider.Baidu)(nil)

// CatalogConfig selects which source files are transferred and where they go.
type CatalogConfig struct {
	Key       string
	Dir       string
	Recursive bool
	PageSize  int
	// DestRoot is prepended to every source path on the destination.
	DestRoot string
	// Include and Exclude are doublestar patterns matched against the source
	// path without its leading slash. An empty Include accepts everything.
	Include []string
	Exclude []string
}

// WorkCatalog serves files from the persisted queue and pages through the
// source search when the queue runs dry. The cursor only moves forward when
// the source confirms there are more pages.
type WorkCatalog struct {
	src    Catalog
	cp     *Checkpoint
	cfg    CatalogConfig
	logger *slog.Logger
}

// NewWorkCatalog validates the glob patterns and creates a WorkCatalog.
func NewWorkCatalog(src Catalog, cp *Checkpoint, cfg CatalogConfig, logger *slog.Logger) (*WorkCatalog, error) {
	for _, p := range slices.Concat(cfg.Include, cfg.Exclude) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	if cfg.Dir == "" {
		cfg.Dir = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkCatalog{src: src, cp: cp, cfg: cfg, logger: logger}, nil
}

// Next returns the task for the head of the queue, searching for more files
// when the queue is empty. It returns nil when every page has been consumed.
func (w *WorkCatalog) Next(ctx context.Context) (*TransferTask, error) {
	for {
		rec := w.cp.Snapshot()
		if len(rec.Queue.Items) > 0 {
			return w.task(rec.Queue.Items[0]), nil
		}
		if !rec.Queue.HasMore {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, wrap("search", "", ctx.Err())
		default:
		}

		page, err := w.src.Search(ctx, provider.SearchQuery{
			Key:       w.cfg.Key,
			Dir:       w.cfg.Dir,
			Page:      rec.Queue.NextPage,
			PageSize:  w.cfg.PageSize,
			Recursive: w.cfg.Recursive,
		})
		if err != nil {
			return nil, wrap("search", "", err)
		}

		accepted := w.filter(page.Items)
		w.logger.Info("search page loaded", "page", rec.Queue.NextPage, "items", len(page.Items),
			"accepted", len(accepted), "has_more", page.HasMore)

		err = w.cp.Update(ctx, func(r *store.ResumeRecord) bool {
			for _, e := range accepted {
				if !slices.ContainsFunc(r.Queue.Items, func(q store.FileEntry) bool { return q.ID == e.ID }) {
					r.Queue.Items = append(r.Queue.Items, e)
				}
			}
			if page.HasMore {
				r.Queue.NextPage++
			} else {
				r.Queue.HasMore = false
			}
			return true
		})
		if err != nil {
			return nil, wrap("save_queue", "", err)
		}
	}
}

// Complete removes a file from the queue. Removing a file that is not queued
// is a no-op.
func (w *WorkCatalog) Complete(ctx context.Context, id string) error {
	err := w.cp.Update(ctx, func(r *store.ResumeRecord) bool {
		i := indexOf(r.Queue.Items, id)
		if i < 0 {
			return false
		}
		r.Queue.Items = slices.Delete(r.Queue.Items, i, i+1)
		return true
	})
	if err != nil {
		return wrap("save_queue", id, err)
	}
	return nil
}

// Requeue moves a file to the tail of the queue and counts the attempt. It
// returns the attempts made so far.
func (w *WorkCatalog) Requeue(ctx context.Context, id string) (int, error) {
	attempts := 0
	err := w.cp.Update(ctx, func(r *store.ResumeRecord) bool {
		i := indexOf(r.Queue.Items, id)
		if i < 0 {
			return false
		}
		e := r.Queue.Items[i]
		e.Attempts++
		attempts = e.Attempts
		r.Queue.Items = append(slices.Delete(r.Queue.Items, i, i+1), e)
		return true
	})
	if err != nil {
		return attempts, wrap("save_queue", id, err)
	}
	return attempts, nil
}

// Pending returns the number of queued files.
func (w *WorkCatalog) Pending() int {
	return len(w.cp.Snapshot().Queue.Items)
}

func (w *WorkCatalog) task(e store.FileEntry) *TransferTask {
	return &TransferTask{
		File:       e,
		RemotePath: provider.SanitizePath(path.Join("/", w.cfg.DestRoot, e.Path)),
	}
}

func (w *WorkCatalog) filter(items []provider.Item) []store.FileEntry {
	var out []store.FileEntry
	for _, it := range items {
		if it.IsDir || it.ID == "" {
			continue
		}
		if !w.accept(it.Path) {
			w.logger.Debug("file filtered out", "path", it.Path)
			continue
		}
		out = append(out, store.FileEntry{ID: it.ID, Path: it.Path, Name: it.Name, Size: it.Size})
	}
	return out
}

func (w *WorkCatalog) accept(p string) bool {
	rel := strings.TrimPrefix(p, "/")
	if len(w.cfg.Include) > 0 && !matchAny(w.cfg.Include, rel) {
		return false
	}
	return !matchAny(w.cfg.Exclude, rel)
}

func matchAny(patterns []string, p string) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, p); ok {
			return true
		}
	}
	return false
}

func indexOf(items []store.FileEntry, id string) int {
	return slices.IndexFunc(items, func(e store.FileEntry) bool { return e.ID == id })
}
