package ui

import (
	"sync"
	"time"

	"github.com/franksops/panshift/engine"
)

// ActiveStream is the file currently being transferred.
type ActiveStream struct {
	FileID   string  `json:"file_id"`
	FilePath string  `json:"path"`
	Offset   int64   `json:"offset"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"` // 0.0 to 1.0
}

// Status is a point-in-time copy of UIState.
type Status struct {
	RunID          string        `json:"run_id,omitempty"`
	Phase          engine.State  `json:"phase"`
	CompletedFiles int           `json:"completed_files"`
	RequeuedFiles  int           `json:"requeued_files"`
	SkippedFiles   int           `json:"skipped_files"`
	PendingFiles   int           `json:"pending_files"`
	UploadedBytes  int64         `json:"uploaded_bytes"`
	ThroughputBPms float64       `json:"throughput_bytes_per_ms"` // bytes per millisecond
	Current        *ActiveStream `json:"current,omitempty"`
	Paused         bool          `json:"paused"`
	LastError      string        `json:"last_error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Done           bool          `json:"done"`
}

// UIState aggregates pipeline events for the TUI and the status endpoint.
type UIState struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

var _ engine.Observer = (*UIState)(nil)

// NewUIState creates an empty state for a run.
func NewUIState(runID string) *UIState {
	now := time.Now()
	return &UIState{
		status: Status{RunID: runID, Phase: engine.StateSelectFile, StartedAt: now, UpdatedAt: now},
		now:    time.Now,
	}
}

// OnEvent folds a pipeline event into the state.
func (s *UIState) OnEvent(e engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.status
	if !e.Time.IsZero() {
		st.UpdatedAt = e.Time
	} else {
		st.UpdatedAt = s.now()
	}

	switch e.Type {
	case engine.EventStateChanged:
		st.Phase = e.State
		if e.State != engine.StateResumeCheck {
			st.Paused = false
		}
	case engine.EventFileStarted:
		st.Current = &ActiveStream{FileID: e.FileID, FilePath: e.Path, Offset: e.Offset, Size: e.Size}
		st.Current.Progress = fraction(e.Offset, e.Size)
		st.PendingFiles = e.Pending
	case engine.EventProgress:
		if st.Current != nil && st.Current.FileID == e.FileID && e.Offset > st.Current.Offset {
			st.UploadedBytes += e.Offset - st.Current.Offset
			st.Current.Offset = e.Offset
			st.Current.Progress = fraction(e.Offset, e.Size)
		}
		st.Paused = false
	case engine.EventFileCompleted:
		st.CompletedFiles++
		if st.Current != nil && st.Current.FileID == e.FileID && e.Size > st.Current.Offset {
			st.UploadedBytes += e.Size - st.Current.Offset
		}
		st.Current = nil
		st.PendingFiles = e.Pending
	case engine.EventFileRequeued:
		st.RequeuedFiles++
		st.Current = nil
		st.LastError = errString(e.Err)
	case engine.EventFileSkipped:
		st.SkippedFiles++
		st.Current = nil
		st.LastError = errString(e.Err)
	case engine.EventPaused:
		st.Paused = true
		st.LastError = errString(e.Err)
	case engine.EventRunFinished:
		st.Phase = e.State
		st.Done = true
		st.Current = nil
		if e.Err != nil {
			st.LastError = e.Err.Error()
		}
	}

	if elapsed := st.UpdatedAt.Sub(st.StartedAt).Milliseconds(); elapsed > 0 {
		st.ThroughputBPms = float64(st.UploadedBytes) / float64(elapsed)
	}
}

// Snapshot returns a copy of the current status.
func (s *UIState) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.status
	if s.status.Current != nil {
		c := *s.status.Current
		out.Current = &c
	}
	return out
}

func fraction(offset, size int64) float64 {
	if size <= 0 {
		return 0
	}
	return float64(offset) / float64(size)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
