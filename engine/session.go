package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/franksops/panshift/provider"
)

// Destination is the part of the destination provider the pipeline needs.
type Destination interface {
	CreateUploadSession(ctx context.Context, path string) (*provider.UploadSession, error)
	SessionStatus(ctx context.Context, uploadURL string) (*provider.SessionStatus, error)
	UploadRange(ctx context.Context, uploadURL string, start, end, total int64, data []byte) (bool, error)
	ItemSize(ctx context.Context, path string) (int64, error)
	PutContent(ctx context.Context, path string, data []byte) error
}

var _ Destination = (*provider.Graph)(nil)

// SessionManager opens upload sessions and asks the destination where a task
// should resume. The destination is authoritative for the next offset.
type SessionManager struct {
	dst    Destination
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(dst Destination, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{dst: dst, logger: logger, now: time.Now}
}

// Open makes sure the task has a session, creating one when it has none.
func (m *SessionManager) Open(ctx context.Context, task *TransferTask) error {
	if task.Session != nil && task.Session.URL != "" {
		return nil
	}
	return m.create(ctx, task)
}

// Reopen discards the task's session and starts over at offset 0.
func (m *SessionManager) Reopen(ctx context.Context, task *TransferTask) error {
	task.Session = nil
	task.Offset = 0
	task.digest = nil
	task.digestState, task.digestCovered = nil, 0
	return m.create(ctx, task)
}

func (m *SessionManager) create(ctx context.Context, task *TransferTask) error {
	s, err := m.dst.CreateUploadSession(ctx, task.RemotePath)
	if err != nil {
		return wrap("create_upload_session", task.File.ID, err)
	}
	task.Session = &UploadSession{URL: s.URL, ExpiresAt: s.ExpiresAt}
	task.StartedAt = m.now().UTC()
	m.logger.Info("upload session created", "file_id", task.File.ID, "path", task.RemotePath,
		"expires_at", s.ExpiresAt)
	return nil
}

// QueryResumePoint returns the offset the destination expects next.
// A vanished session whose item already exists with the full size means
// the file finished; any other vanished or rejected session yields
// ErrSessionExpired.
func (m *SessionManager) QueryResumePoint(ctx context.Context, task *TransferTask) (int64, error) {
	if task.Session == nil || task.Session.URL == "" {
		return 0, wrap("upload_session_status", task.File.ID, ErrSessionExpired)
	}
	if exp := task.Session.ExpiresAt; !exp.IsZero() && m.now().After(exp) {
		m.logger.Info("upload session past its expiry", "file_id", task.File.ID, "expires_at", exp)
		return 0, wrap("upload_session_status", task.File.ID, ErrSessionExpired)
	}

	st, err := m.dst.SessionStatus(ctx, task.Session.URL)
	switch {
	case provider.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden):
		return 0, wrap("upload_session_status", task.File.ID, fmt.Errorf("%w: %v", ErrSessionExpired, err))
	case err != nil:
		return 0, wrap("upload_session_status", task.File.ID, err)
	}

	if !st.Found {
		return m.finishedOrExpired(ctx, task)
	}
	if !st.ExpiresAt.IsZero() {
		task.Session.ExpiresAt = st.ExpiresAt
	}

	next, err := firstRangeStart(st.NextExpectedRanges)
	if err != nil {
		return 0, wrap("upload_session_status", task.File.ID, err)
	}
	if next > task.Size() {
		return 0, &TransferError{
			Kind:   KindPermanent,
			Op:     "upload_session_status",
			FileID: task.File.ID,
			Err:    fmt.Errorf("%w: next expected %d beyond size %d", provider.ErrMalformedResponse, next, task.Size()),
		}
	}
	return next, nil
}

func (m *SessionManager) finishedOrExpired(ctx context.Context, task *TransferTask) (int64, error) {
	size, err := m.dst.ItemSize(ctx, task.RemotePath)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return 0, wrap("upload_session_status", task.File.ID, ErrSessionExpired)
	case err != nil:
		return 0, wrap("item_size", task.File.ID, err)
	case size == task.Size():
		return task.Size(), nil
	}
	m.logger.Info("stale item at destination", "file_id", task.File.ID, "path", task.RemotePath,
		"size", size, "want", task.Size())
	return 0, wrap("upload_session_status", task.File.ID, ErrSessionExpired)
}

// firstRangeStart parses "start-" or "start-end" from the first entry. An
// empty list means nothing has been received.
func firstRangeStart(ranges []string) (int64, error) {
	if len(ranges) == 0 {
		return 0, nil
	}
	startStr, _, _ := strings.Cut(ranges[0], "-")
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("%w: next expected range %q", provider.ErrMalformedResponse, ranges[0])
	}
	return start, nil
}
