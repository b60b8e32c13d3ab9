package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/franksops/panshift/provider"
)

// State is a step of the transfer state machine.
type State string

const (
	StateSelectFile   State = "SELECT_FILE"
	StateResumeCheck  State = "RESUME_CHECK"
	StateStreaming    State = "STREAMING"
	StateFileComplete State = "FILE_COMPLETE"
	StateDone         State = "DONE"
	StateError        State = "ERROR"
)

var (
	// errStopped ends a run at a range boundary after Stop or the deadline.
	errStopped = errors.New("stop requested")
	// errResync sends the pipeline back to RESUME_CHECK.
	errResync = errors.New("destination offset out of sync")
)

// Config controls the pipeline.
type Config struct {
	// QueueSize bounds the chunks buffered between reader and uploader.
	QueueSize int
	// FailurePause is the wait after a transient failure before the file is
	// resumed.
	FailurePause time.Duration
	// MaxFailures consecutive transient failures end the run.
	MaxFailures int
	// MaxAttempts permanent failures of one file get it skipped.
	MaxAttempts int
	// Deadline requests a soft stop once passed. Zero means none.
	Deadline time.Time
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    3,
		FailurePause: 30 * time.Second,
		MaxFailures:  5,
		MaxAttempts:  3,
	}
}

// Summary describes a finished run.
type Summary struct {
	RunID     string
	Completed int
	Requeued  int
	Skipped   int
	Bytes     int64
	// Drained is true when the source has no files left.
	Drained bool
	// Stopped is true when the run ended on Stop or the deadline.
	Stopped  bool
	Duration time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLedger records per-file outcomes.
func WithLedger(jt *JobTracker) Option {
	return func(p *Pipeline) { p.ledger = jt }
}

// WithObserver receives pipeline events.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithRunID tags the summary and log lines.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// Pipeline moves files one at a time from the source to the destination.
type Pipeline struct {
	cp       *Checkpoint
	catalog  *WorkCatalog
	reader   *SourceReader
	sessions *SessionManager
	dst      Destination
	ledger   *JobTracker
	observer Observer
	cfg      Config
	logger   *slog.Logger
	runID    string

	stop     atomic.Bool
	failures int
	// resyncs counts 416 answers since the last accepted range.
	resyncs int
	summary  Summary

	now   func() time.Time
	pause func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a pipeline. Zero config fields take their defaults.
func NewPipeline(cp *Checkpoint, catalog *WorkCatalog, reader *SourceReader, sessions *SessionManager,
	dst Destination, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FailurePause < 0 {
		cfg.FailurePause = 0
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cp:       cp,
		catalog:  catalog,
		reader:   reader,
		sessions: sessions,
		dst:      dst,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		pause:    sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID != "" {
		p.logger = p.logger.With("run_id", p.runID)
	}
	return p
}

// Stop asks the pipeline to finish the range in flight and return.
func (p *Pipeline) Stop() {
	p.stop.Store(true)
}

func (p *Pipeline) stopRequested() bool {
	if p.stop.Load() {
		return true
	}
	return !p.cfg.Deadline.IsZero() && p.now().After(p.cfg.Deadline)
}

// Run transfers files until the source is drained, a stop is requested, or
// an error the pipeline cannot handle occurs. State is persisted on every
// path out.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	started := p.now()
	p.summary = Summary{RunID: p.runID}
	defer func() {
		p.summary.Duration = p.now().Sub(started)
	}()

	state := StateSelectFile
	var task *TransferTask
	for {
		if state == StateDone {
			p.finish(state, nil)
			return &p.summary, nil
		}

		p.emit(Event{Type: EventStateChanged, State: state})
		next, err := p.step(ctx, state, &task)
		if err == nil {
			state = next
			continue
		}

		next, err = p.handleError(ctx, state, task, err)
		if err != nil {
			p.finish(StateError, err)
			return &p.summary, err
		}
		if next == StateDone {
			p.finish(StateDone, nil)
			return &p.summary, nil
		}
		if next == StateSelectFile {
			task = nil
		}
		state = next
	}
}

func (p *Pipeline) step(ctx context.Context, state State, task **TransferTask) (State, error) {
	switch state {
	case StateSelectFile:
		if p.stopRequested() {
			return StateDone, errStopped
		}
		t, err := p.selectFile(ctx)
		if err != nil {
			return StateError, err
		}
		if t == nil {
			p.summary.Drained = true
			return StateDone, nil
		}
		*task = t
		return StateResumeCheck, nil
	case StateResumeCheck:
		if p.stopRequested() {
			return StateDone, errStopped
		}
		return p.resumeCheck(ctx, *task)
	case StateStreaming:
		if err := p.stream(ctx, *task); err != nil {
			return StateError, err
		}
		return StateFileComplete, nil
	case StateFileComplete:
		if err := p.completeFile(ctx, *task); err != nil {
			return StateError, err
		}
		*task = nil
		return StateSelectFile, nil
	}
	return StateError, fmt.Errorf("unknown state %q", state)
}

func (p *Pipeline) selectFile(ctx context.Context) (*TransferTask, error) {
	var task *TransferTask
	if cur := p.cp.Snapshot().Current; cur != nil {
		task = taskFromCurrent(cur)
		p.logger.Info("resuming file", "file_id", task.File.ID, "path", task.File.Path,
			"offset", task.Offset, "size", units.BytesSize(float64(task.Size())))
	} else {
		next, err := p.catalog.Next(ctx)
		if err != nil || next == nil {
			return nil, err
		}
		task = next
		if err := p.persist(ctx, task); err != nil {
			return nil, err
		}
		p.logger.Info("starting file", "file_id", task.File.ID, "path", task.File.Path,
			"size", units.BytesSize(float64(task.Size())), "pending", p.catalog.Pending())
	}

	p.resyncs = 0
	if err := p.ledger.Begin(task); err != nil {
		p.logger.Warn("failed to record file start", "file_id", task.File.ID, "error", err)
	}
	p.emit(Event{Type: EventFileStarted, FileID: task.File.ID, Path: task.File.Path,
		Offset: task.Offset, Size: task.Size(), Pending: p.catalog.Pending()})
	return task, nil
}

func (p *Pipeline) resumeCheck(ctx context.Context, task *TransferTask) (State, error) {
	if task.Size() == 0 {
		if err := p.dst.PutContent(ctx, task.RemotePath, nil); err != nil {
			return StateError, wrap("put_content", task.File.ID, err)
		}
		return StateFileComplete, nil
	}

	if task.Session == nil {
		if err := p.sessions.Open(ctx, task); err != nil {
			return StateError, err
		}
		task.Offset = 0
		return StateStreaming, p.persist(ctx, task)
	}

	next, err := p.sessions.QueryResumePoint(ctx, task)
	if errors.Is(err, ErrSessionExpired) {
		p.logger.Info("upload session expired, starting file over", "file_id", task.File.ID)
		if err := p.sessions.Reopen(ctx, task); err != nil {
			return StateError, err
		}
		return StateStreaming, p.persist(ctx, task)
	}
	if err != nil {
		return StateError, err
	}

	if next != task.Offset {
		p.logger.Info("destination offset differs from record", "file_id", task.File.ID,
			"recorded", task.Offset, "destination", next)
	}
	task.Offset = next
	if err := p.persist(ctx, task); err != nil {
		return StateError, err
	}
	if task.Done() {
		return StateFileComplete, nil
	}
	return StateStreaming, nil
}

// stream uploads the remaining ranges of task. The reader runs ahead in its
// own goroutine, bounded by the channel capacity.
func (p *Pipeline) stream(ctx context.Context, task *TransferTask) error {
	task.resetDigest()

	fetchCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan *Chunk, p.cfg.QueueSize)
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- p.reader.Fetch(fetchCtx, task, task.Offset, chunks)
	}()
	defer func() {
		cancel()
		for c := range chunks {
			c.Release()
		}
	}()

	for c := range chunks {
		if err := ctx.Err(); err != nil {
			c.Release()
			return wrap("upload_range", task.File.ID, err)
		}
		if err := p.uploadChunk(ctx, task, c); err != nil {
			return err
		}
		if task.Done() {
			break
		}
		if p.stopRequested() {
			return errStopped
		}
	}
	if task.Done() {
		return nil
	}
	if err := <-fetchErr; err != nil {
		return err
	}
	return wrap("fetch_range", task.File.ID,
		fmt.Errorf("%w: source ended at %d of %d", ErrRangeMismatch, task.Offset, task.Size()))
}

func (p *Pipeline) uploadChunk(ctx context.Context, task *TransferTask, c *Chunk) error {
	defer c.Release()
	id := task.File.ID
	if c.Range.Start != task.Offset {
		return wrap("upload_range", id, fmt.Errorf("%w: chunk at %d, offset %d", ErrRangeMismatch, c.Range.Start, task.Offset))
	}

	complete, err := p.dst.UploadRange(ctx, task.Session.URL, c.Range.Start, c.Range.End, task.Size(), c.Data)
	switch {
	case provider.IsStatus(err, http.StatusRequestedRangeNotSatisfiable):
		return fmt.Errorf("%w: %v", errResync, err)
	case provider.IsStatus(err, http.StatusNotFound):
		return wrap("upload_range", id, fmt.Errorf("%w: %v", ErrSessionExpired, err))
	case err != nil:
		return wrap("upload_range", id, err)
	}

	task.digest.Add(c.Range, c.Data)
	if err := task.Advance(c.Range.End + 1); err != nil {
		return wrap("upload_range", id, err)
	}
	if complete && !task.Done() {
		return wrap("upload_range", id,
			fmt.Errorf("%w: destination finished the file at %d of %d", ErrRangeMismatch, task.Offset, task.Size()))
	}
	p.failures = 0
	p.resyncs = 0
	p.summary.Bytes += c.Range.Len()

	if err := p.persist(ctx, task); err != nil {
		return err
	}
	if err := p.ledger.Progress(id, task.Offset); err != nil {
		p.logger.Warn("failed to record progress", "file_id", id, "error", err)
	}
	p.logger.Debug("range uploaded", "file_id", id, "range", c.Range.String(), "offset", task.Offset)
	p.emit(Event{Type: EventProgress, FileID: id, Path: task.File.Path, Offset: task.Offset, Size: task.Size()})
	return nil
}

func (p *Pipeline) completeFile(ctx context.Context, task *TransferTask) error {
	id := task.File.ID
	if err := p.catalog.Complete(ctx, id); err != nil {
		return err
	}
	if err := p.cp.SetCurrent(ctx, nil); err != nil {
		return wrap("save_current", id, err)
	}

	checksum := ""
	if task.Size() == 0 {
		checksum = NewRangeDigest().Sum()
	} else if task.digest != nil && task.digest.Covered() == task.Size() {
		checksum = task.digest.Sum()
	}
	if err := p.ledger.MarkCompleted(id, checksum); err != nil {
		p.logger.Warn("failed to record completion", "file_id", id, "error", err)
	}

	p.failures = 0
	p.summary.Completed++
	p.logger.Info("file complete", "file_id", id, "path", task.RemotePath,
		"size", units.BytesSize(float64(task.Size())), "checksum", checksum)
	p.emit(Event{Type: EventFileCompleted, FileID: id, Path: task.File.Path, Offset: task.Size(),
		Size: task.Size(), Checksum: checksum, Pending: p.catalog.Pending()})
	return nil
}

// handleError decides where the state machine goes after err. A non-nil
// error return ends the run.
func (p *Pipeline) handleError(ctx context.Context, state State, task *TransferTask, err error) (State, error) {
	if errors.Is(err, errStopped) {
		p.summary.Stopped = true
		p.logger.Info("stopping at range boundary")
		return StateDone, nil
	}
	if errors.Is(err, errResync) {
		return p.resync(ctx, task, err)
	}

	kind := KindOf(err)
	p.logger.Warn("transfer step failed", "state", state, "kind", kind.String(), "error", err)

	switch kind {
	case KindSessionExpired:
		return StateResumeCheck, nil
	case KindTransient:
		p.failures++
		if p.failures >= p.cfg.MaxFailures {
			return StateError, fmt.Errorf("giving up after %d consecutive failures: %w", p.failures, err)
		}
		p.emit(Event{Type: EventPaused, Err: err})
		if perr := p.pause(ctx, p.cfg.FailurePause); perr != nil {
			return StateError, wrap("pause", "", perr)
		}
		if task == nil {
			return StateSelectFile, nil
		}
		return StateResumeCheck, nil
	case KindPermanent:
		if task == nil {
			return StateError, err
		}
		return p.requeue(ctx, task, err)
	}
	return StateError, err
}

// resync sends the file back to RESUME_CHECK after the destination rejected a
// range. Repeated rejections without progress back off, and more than
// MaxFailures of them in a row fail the file.
func (p *Pipeline) resync(ctx context.Context, task *TransferTask, err error) (State, error) {
	p.resyncs++
	id := task.File.ID
	if p.resyncs > p.cfg.MaxFailures {
		cause := &TransferError{
			Kind:   KindPermanent,
			Op:     "upload_range",
			FileID: id,
			Err:    fmt.Errorf("destination rejected %d ranges in a row: %w", p.resyncs, err),
		}
		p.resyncs = 0
		return p.requeue(ctx, task, cause)
	}

	p.logger.Warn("destination rejected range, checking resume point", "file_id", id,
		"resyncs", p.resyncs, "error", err)
	if p.resyncs > 1 {
		p.emit(Event{Type: EventPaused, FileID: id, Path: task.File.Path, Err: err})
		if perr := p.pause(ctx, p.cfg.FailurePause*time.Duration(p.resyncs-1)); perr != nil {
			return StateError, wrap("pause", id, perr)
		}
	}
	return StateResumeCheck, nil
}

// requeue moves a failing file to the tail of the queue, or skips it once
// it has used up its attempts.
func (p *Pipeline) requeue(ctx context.Context, task *TransferTask, cause error) (State, error) {
	id := task.File.ID
	if task.File.Attempts+1 >= p.cfg.MaxAttempts {
		if err := p.catalog.Complete(ctx, id); err != nil {
			return StateError, err
		}
		if err := p.cp.SetCurrent(ctx, nil); err != nil {
			return StateError, wrap("save_current", id, err)
		}
		if err := p.ledger.MarkSkipped(id, cause); err != nil {
			p.logger.Warn("failed to record skip", "file_id", id, "error", err)
		}
		p.summary.Skipped++
		p.logger.Error("skipping file", "file_id", id, "path", task.File.Path, "error", cause)
		p.emit(Event{Type: EventFileSkipped, FileID: id, Path: task.File.Path, Err: cause})
		return StateSelectFile, nil
	}

	attempts, err := p.catalog.Requeue(ctx, id)
	if err != nil {
		return StateError, err
	}
	if err := p.cp.SetCurrent(ctx, nil); err != nil {
		return StateError, wrap("save_current", id, err)
	}
	if err := p.ledger.MarkFailed(id, cause); err != nil {
		p.logger.Warn("failed to record failure", "file_id", id, "error", err)
	}
	p.summary.Requeued++
	p.logger.Warn("file requeued", "file_id", id, "attempts", attempts, "error", cause)
	p.emit(Event{Type: EventFileRequeued, FileID: id, Path: task.File.Path, Err: cause})
	return StateSelectFile, nil
}

func (p *Pipeline) persist(ctx context.Context, task *TransferTask) error {
	if err := p.cp.SetCurrent(ctx, task.toCurrent()); err != nil {
		return wrap("save_current", task.File.ID, err)
	}
	return nil
}

func (p *Pipeline) finish(state State, err error) {
	p.logger.Info("run finished", "completed", p.summary.Completed, "requeued", p.summary.Requeued,
		"skipped", p.summary.Skipped, "bytes", units.BytesSize(float64(p.summary.Bytes)),
		"drained", p.summary.Drained, "stopped", p.summary.Stopped)
	p.emit(Event{Type: EventRunFinished, State: state, Err: err})
}

func (p *Pipeline) emit(e Event) {
	if p.observer == nil {
		return
	}
	e.Time = p.now()
	p.observer.OnEvent(e)
}
