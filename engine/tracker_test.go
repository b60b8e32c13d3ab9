package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/franksops/panshift/store"
)

type MockStore struct {
	Jobs  map[string]*store.JobRecord
	Saves int
}

func (m *MockStore) SaveJob(job *store.JobRecord) error {
	m.Saves++
	m.Jobs[job.ID] = job
	return nil
}

func (m *MockStore) GetJob(id string) (*store.JobRecord, error) {
	job, ok := m.Jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}

func (m *MockStore) ListJobs(states ...store.JobState) ([]*store.JobRecord, error) {
	var out []*store.JobRecord
	for _, job := range m.Jobs {
		for _, st := range states {
			if job.State == st {
				out = append(out, job)
			}
		}
	}
	return out, nil
}

func (m *MockStore) Close() error { return nil }

func TestJobTracker(t *testing.T) {
	mockStore := &MockStore{Jobs: make(map[string]*store.JobRecord)}
	tracker := NewJobTracker(mockStore, DefaultCheckpointConfig, "run-1")

	task := &TransferTask{File: store.FileEntry{ID: "42", Path: "/src/a.bin", Size: 100}, RemotePath: "/a.bin"}
	if err := tracker.Begin(task); err != nil {
		t.Fatalf("Failed to begin job: %v", err)
	}

	record, err := mockStore.GetJob("42")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if record.State != store.StateInProgress {
		t.Errorf("Expected state %s, got %s", store.StateInProgress, record.State)
	}
	if record.RunID != "run-1" || record.TotalBytes != 100 || record.Attempts != 1 {
		t.Errorf("unexpected record %+v", record)
	}

	if err := tracker.MarkCompleted("42", "crc64:00"); err != nil {
		t.Fatalf("Failed to mark completed: %v", err)
	}
	if record.State != store.StateCompleted {
		t.Errorf("Expected state %s, got %s", store.StateCompleted, record.State)
	}
	if record.BytesTransferred != 100 || record.Checksum != "crc64:00" {
		t.Errorf("completion not recorded: %+v", record)
	}
}

func TestJobTracker_FailedAndSkipped(t *testing.T) {
	mockStore := &MockStore{Jobs: make(map[string]*store.JobRecord)}
	tracker := NewJobTracker(mockStore, DefaultCheckpointConfig, "run-1")

	for _, id := range []string{"1", "2", "3"} {
		if err := tracker.Begin(&TransferTask{File: store.FileEntry{ID: id, Size: 1}}); err != nil {
			t.Fatal(err)
		}
	}
	_ = tracker.MarkFailed("1", errors.New("bad request"))
	_ = tracker.MarkSkipped("2", errors.New("gone"))
	_ = tracker.MarkCompleted("3", "")

	failed, err := tracker.Failed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed or skipped files, got %d", len(failed))
	}
	if mockStore.Jobs["2"].Error != "gone" {
		t.Errorf("expected error to be kept, got %q", mockStore.Jobs["2"].Error)
	}
}

func TestJobTracker_ProgressCheckpointing(t *testing.T) {
	mockStore := &MockStore{Jobs: make(map[string]*store.JobRecord)}

	// Byte-driven checkpoints only
	config := CheckpointConfig{
		BytesInterval: 10,
		TimeInterval:  time.Hour,
	}
	tracker := NewJobTracker(mockStore, config, "")
	if err := tracker.Begin(&TransferTask{File: store.FileEntry{ID: "1", Size: 100}}); err != nil {
		t.Fatal(err)
	}
	saves := mockStore.Saves

	_ = tracker.Progress("1", 5)
	if mockStore.Saves != saves {
		t.Errorf("expected no checkpoint below the byte interval")
	}
	_ = tracker.Progress("1", 12)
	if mockStore.Saves != saves+1 {
		t.Errorf("expected a checkpoint after the byte interval")
	}
	if mockStore.Jobs["1"].BytesTransferred != 12 {
		t.Errorf("expected 12 bytes recorded, got %d", mockStore.Jobs["1"].BytesTransferred)
	}

	// Time-driven checkpoint
	now := time.Now()
	tracker.now = func() time.Time { return now.Add(2 * time.Hour) }
	_ = tracker.Progress("1", 13)
	if mockStore.Jobs["1"].BytesTransferred != 13 {
		t.Errorf("expected time interval to force a checkpoint")
	}
}

func TestJobTracker_Nil(t *testing.T) {
	var tracker *JobTracker
	if err := tracker.Begin(&TransferTask{}); err != nil {
		t.Errorf("nil tracker should be a no-op, got %v", err)
	}
	if err := tracker.MarkCompleted("1", ""); err != nil {
		t.Errorf("nil tracker should be a no-op, got %v", err)
	}
	if jobs, err := tracker.Failed(); err != nil || jobs != nil {
		t.Errorf("nil tracker should report nothing")
	}
}
