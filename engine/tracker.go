package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/franksops/panshift/store"
)

// CheckpointConfig defines when in-flight progress is written to the ledger.
// The resume record is saved after every range regardless.
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 64 * 1024 * 1024, // 64 MB
	TimeInterval:  10 * time.Second,
}

// JobTracker records per-file outcomes in the ledger. A nil *JobTracker is
// valid and records nothing.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
	runID  string
	now    func() time.Time

	mu    sync.Mutex
	marks map[string]progressMark
}

type progressMark struct {
	bytes int64
	at    time.Time
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(st store.Store, config CheckpointConfig, runID string) *JobTracker {
	return &JobTracker{
		store:  st,
		config: config,
		runID:  runID,
		now:    time.Now,
		marks:  make(map[string]progressMark),
	}
}

func (jt *JobTracker) enabled() bool {
	return jt != nil && jt.store != nil
}

// Begin marks a file in progress, creating its entry on first sight.
func (jt *JobTracker) Begin(task *TransferTask) error {
	if !jt.enabled() {
		return nil
	}
	record, err := jt.store.GetJob(task.File.ID)
	if errors.Is(err, store.ErrJobNotFound) {
		record = &store.JobRecord{ID: task.File.ID}
	} else if err != nil {
		return err
	}

	record.RunID = jt.runID
	record.SourcePath = task.File.Path
	record.DestinationPath = task.RemotePath
	record.State = store.StateInProgress
	record.TotalBytes = task.Size()
	record.BytesTransferred = task.Offset
	record.Attempts = task.File.Attempts + 1
	record.Error = ""

	jt.mu.Lock()
	jt.marks[task.File.ID] = progressMark{bytes: task.Offset, at: jt.now()}
	jt.mu.Unlock()
	return jt.store.SaveJob(record)
}

// Progress records the acknowledged offset once enough bytes or time have
// passed since the last write.
func (jt *JobTracker) Progress(id string, offset int64) error {
	if !jt.enabled() {
		return nil
	}
	now := jt.now()
	jt.mu.Lock()
	last := jt.marks[id]
	needsCheckpoint := offset-last.bytes >= jt.config.BytesInterval ||
		now.Sub(last.at) >= jt.config.TimeInterval
	if needsCheckpoint {
		jt.marks[id] = progressMark{bytes: offset, at: now}
	}
	jt.mu.Unlock()
	if !needsCheckpoint {
		return nil
	}

	record, err := jt.store.GetJob(id)
	if err != nil {
		return err
	}
	record.BytesTransferred = offset
	return jt.store.SaveJob(record)
}

// MarkCompleted updates a job's state to Completed
func (jt *JobTracker) MarkCompleted(id, checksum string) error {
	return jt.finish(id, store.StateCompleted, checksum, nil)
}

// MarkFailed records a failed attempt for a file that stays queued.
func (jt *JobTracker) MarkFailed(id string, err error) error {
	return jt.finish(id, store.StateFailed, "", err)
}

// MarkSkipped records a file that was given up on.
func (jt *JobTracker) MarkSkipped(id string, err error) error {
	return jt.finish(id, store.StateSkipped, "", err)
}

func (jt *JobTracker) finish(id string, state store.JobState, checksum string, cause error) error {
	if !jt.enabled() {
		return nil
	}
	jt.mu.Lock()
	delete(jt.marks, id)
	jt.mu.Unlock()

	record, err := jt.store.GetJob(id)
	if err != nil {
		return err
	}
	record.State = state
	if state == store.StateCompleted {
		record.BytesTransferred = record.TotalBytes
		record.Checksum = checksum
		record.Error = ""
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	return jt.store.SaveJob(record)
}

// Failed lists files that failed or were skipped.
func (jt *JobTracker) Failed() ([]*store.JobRecord, error) {
	if !jt.enabled() {
		return nil, nil
	}
	return jt.store.ListJobs(store.StateFailed, store.StateSkipped)
}
