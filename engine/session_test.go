package engine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/franksops/panshift/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDestination answers session calls from canned values.
type stubDestination struct {
	status    *provider.SessionStatus
	statusErr error
	itemSize  int64
	itemErr   error
	created   int
}

func (s *stubDestination) CreateUploadSession(_ context.Context, path string) (*provider.UploadSession, error) {
	s.created++
	return &provider.UploadSession{URL: "https://up.example/" + path, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *stubDestination) SessionStatus(context.Context, string) (*provider.SessionStatus, error) {
	return s.status, s.statusErr
}

func (s *stubDestination) UploadRange(context.Context, string, int64, int64, int64, []byte) (bool, error) {
	return false, nil
}

func (s *stubDestination) ItemSize(context.Context, string) (int64, error) {
	return s.itemSize, s.itemErr
}

func (s *stubDestination) PutContent(context.Context, string, []byte) error { return nil }

func sessionTask(size int64) *TransferTask {
	task := testTask(int(size))
	task.Session = &UploadSession{URL: "https://up.example/s"}
	return task
}

func TestSessionManager_OpenKeepsRecordedSession(t *testing.T) {
	dst := &stubDestination{}
	m := NewSessionManager(dst, quietLogger())

	task := sessionTask(10)
	require.NoError(t, m.Open(context.Background(), task))
	assert.Equal(t, 0, dst.created)
	assert.Equal(t, "https://up.example/s", task.Session.URL)

	task.Session = nil
	require.NoError(t, m.Open(context.Background(), task))
	assert.Equal(t, 1, dst.created)
	assert.False(t, task.StartedAt.IsZero())
}

func TestSessionManager_ReopenResetsOffset(t *testing.T) {
	dst := &stubDestination{}
	m := NewSessionManager(dst, quietLogger())

	task := sessionTask(10)
	task.Offset = 5
	require.NoError(t, m.Reopen(context.Background(), task))
	assert.Zero(t, task.Offset)
	assert.Equal(t, "https://up.example//f1.bin", task.Session.URL)
}

func TestSessionManager_QueryResumePoint(t *testing.T) {
	tests := []struct {
		name      string
		dst       *stubDestination
		size      int64
		want      int64
		wantKind  Kind
		wantError bool
	}{
		{
			name: "next expected range",
			dst:  &stubDestination{status: &provider.SessionStatus{Found: true, NextExpectedRanges: []string{"1310720-"}}},
			size: 3000000,
			want: 1310720,
		},
		{
			name: "bounded range",
			dst:  &stubDestination{status: &provider.SessionStatus{Found: true, NextExpectedRanges: []string{"100-199", "300-"}}},
			size: 400,
			want: 100,
		},
		{
			name: "empty list starts at zero",
			dst:  &stubDestination{status: &provider.SessionStatus{Found: true}},
			size: 10,
			want: 0,
		},
		{
			name: "finished file",
			dst:  &stubDestination{status: &provider.SessionStatus{Found: false}, itemSize: 10},
			size: 10,
			want: 10,
		},
		{
			name:      "gone session without item",
			dst:       &stubDestination{status: &provider.SessionStatus{Found: false}, itemErr: provider.ErrNotFound},
			size:      10,
			wantError: true,
			wantKind:  KindSessionExpired,
		},
		{
			name:      "gone session with partial item",
			dst:       &stubDestination{status: &provider.SessionStatus{Found: false}, itemSize: 4},
			size:      10,
			wantError: true,
			wantKind:  KindSessionExpired,
		},
		{
			name:      "unauthorized upload url",
			dst:       &stubDestination{statusErr: &provider.StatusError{StatusCode: http.StatusUnauthorized}},
			size:      10,
			wantError: true,
			wantKind:  KindSessionExpired,
		},
		{
			name:      "server error",
			dst:       &stubDestination{statusErr: &provider.StatusError{StatusCode: http.StatusServiceUnavailable}},
			size:      10,
			wantError: true,
			wantKind:  KindTransient,
		},
		{
			name:      "offset beyond size",
			dst:       &stubDestination{status: &provider.SessionStatus{Found: true, NextExpectedRanges: []string{"11-"}}},
			size:      10,
			wantError: true,
			wantKind:  KindPermanent,
		},
		{
			name:      "garbage range",
			dst:       &stubDestination{status: &provider.SessionStatus{Found: true, NextExpectedRanges: []string{"abc"}}},
			size:      10,
			wantError: true,
			wantKind:  KindPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewSessionManager(tt.dst, quietLogger())
			got, err := m.QueryResumePoint(context.Background(), sessionTask(tt.size))
			if tt.wantError {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, got, tt.size)
		})
	}
}

func TestSessionManager_ExpiredLocally(t *testing.T) {
	m := NewSessionManager(&stubDestination{}, quietLogger())
	task := sessionTask(10)
	task.Session.ExpiresAt = time.Now().Add(-time.Minute)

	_, err := m.QueryResumePoint(context.Background(), task)
	assert.ErrorIs(t, err, ErrSessionExpired)

	task.Session = nil
	_, err = m.QueryResumePoint(context.Background(), task)
	assert.ErrorIs(t, err, ErrSessionExpired)
}
