package engine

import (
	"fmt"
	"time"

	"github.com/franksops/panshift/store"
)

// DefaultChunkSize is 1.25 MiB, a multiple of the 320 KiB granularity that
// upload sessions require for every range but the last.
const DefaultChunkSize = 1310720

// ByteRange is an inclusive span of bytes.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the range for an upload request of a total-byte file.
func (r ByteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Ranges splits [start, size) into chunk-sized ranges. Only the last range
// may be shorter.
func Ranges(start, size, chunk int64) []ByteRange {
	if chunk <= 0 || start >= size {
		return nil
	}
	if start < 0 {
		start = 0
	}
	out := make([]ByteRange, 0, (size-start+chunk-1)/chunk)
	for s := start; s < size; s += chunk {
		e := min(s+chunk, size) - 1
		out = append(out, ByteRange{Start: s, End: e})
	}
	return out
}

// UploadSession is the destination handle that one task streams into.
type UploadSession struct {
	URL       string
	ExpiresAt time.Time
}

// TransferTask is the unit of work: one source file moving to one
// destination path. Offset is the next byte the destination expects.
type TransferTask struct {
	File       store.FileEntry
	RemotePath string
	Offset     int64
	Session    *UploadSession
	StartedAt  time.Time

	digest        *RangeDigest
	digestState   []byte
	digestCovered int64
}

// Size returns the total file size.
func (t *TransferTask) Size() int64 {
	return t.File.Size
}

// Done reports whether every byte has been acknowledged.
func (t *TransferTask) Done() bool {
	return t.Offset >= t.File.Size
}

// Advance moves the offset forward to next. The offset never goes backwards
// and never passes the file size.
func (t *TransferTask) Advance(next int64) error {
	if next < t.Offset {
		return fmt.Errorf("%w: %d -> %d", ErrOffsetRegression, t.Offset, next)
	}
	if next > t.File.Size {
		return fmt.Errorf("%w: offset %d beyond size %d", ErrRangeMismatch, next, t.File.Size)
	}
	t.Offset = next
	return nil
}

// resetDigest starts or resumes the checksum at the task offset.
func (t *TransferTask) resetDigest() {
	if t.digest != nil && t.digest.Valid() && t.digest.Covered() == t.Offset {
		return
	}
	t.digest = RestoreRangeDigest(t.digestState, t.digestCovered, t.Offset)
	t.digestState, t.digestCovered = nil, 0
}

// toCurrent converts the task to its persisted form.
func (t *TransferTask) toCurrent() *store.Current {
	cur := &store.Current{
		FileEntry:  t.File,
		RemotePath: t.RemotePath,
		Offset:     t.Offset,
		StartedAt:  t.StartedAt,
	}
	if t.digest != nil {
		cur.Digest = t.digest.State()
		cur.DigestOffset = t.digest.Covered()
	} else {
		cur.Digest, cur.DigestOffset = t.digestState, t.digestCovered
	}
	if t.Session != nil {
		cur.UploadURL = t.Session.URL
		cur.ExpiresAt = t.Session.ExpiresAt
	}
	return cur
}

// taskFromCurrent rebuilds a task from its persisted form.
func taskFromCurrent(cur *store.Current) *TransferTask {
	t := &TransferTask{
		File:       cur.FileEntry,
		RemotePath: cur.RemotePath,
		Offset:     cur.Offset,
		StartedAt:  cur.StartedAt,

		digestState:   cur.Digest,
		digestCovered: cur.DigestOffset,
	}
	if t.RemotePath == "" {
		t.RemotePath = cur.Path
	}
	if cur.UploadURL != "" {
		t.Session = &UploadSession{URL: cur.UploadURL, ExpiresAt: cur.ExpiresAt}
	}
	return t
}
