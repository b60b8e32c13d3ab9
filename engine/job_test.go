package engine_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/franksops/panshift/engine"
	"github.com/franksops/panshift/store"
)

func TestRanges_ThreeMillionBytes(t *testing.T) {
	got := engine.Ranges(0, 3000000, engine.DefaultChunkSize)
	want := []engine.ByteRange{
		{Start: 0, End: 1310719},
		{Start: 1310720, End: 2621439},
		{Start: 2621440, End: 2999999},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Ranges = %v; want %v", got, want)
	}
	if got[2].ContentRange(3000000) != "bytes 2621440-2999999/3000000" {
		t.Errorf("unexpected Content-Range %q", got[2].ContentRange(3000000))
	}
	if got[2].Len() != 378560 {
		t.Errorf("expected final range of 378560 bytes, got %d", got[2].Len())
	}
}

func TestRanges_FromResumeOffset(t *testing.T) {
	got := engine.Ranges(1310720, 3000000, engine.DefaultChunkSize)
	if len(got) != 2 || got[0].Start != 1310720 {
		t.Fatalf("expected resume at 1310720, got %v", got)
	}
}

func TestRanges_Edges(t *testing.T) {
	if r := engine.Ranges(10, 10, 4); r != nil {
		t.Errorf("expected no ranges at end of file, got %v", r)
	}
	if r := engine.Ranges(0, 10, 0); r != nil {
		t.Errorf("expected no ranges for zero chunk, got %v", r)
	}
	if r := engine.Ranges(0, 4, 4); len(r) != 1 || r[0].End != 3 {
		t.Errorf("expected one exact range, got %v", r)
	}
}

func TestTransferTask_Advance(t *testing.T) {
	task := &engine.TransferTask{File: store.FileEntry{ID: "1", Size: 100}}

	if err := task.Advance(40); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := task.Advance(20); !errors.Is(err, engine.ErrOffsetRegression) {
		t.Errorf("expected ErrOffsetRegression, got %v", err)
	}
	if err := task.Advance(101); !errors.Is(err, engine.ErrRangeMismatch) {
		t.Errorf("expected ErrRangeMismatch, got %v", err)
	}
	if task.Offset != 40 {
		t.Errorf("offset changed by rejected advances: %d", task.Offset)
	}
	if err := task.Advance(100); err != nil || !task.Done() {
		t.Errorf("expected task done at size, err=%v", err)
	}
}
