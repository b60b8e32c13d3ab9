package engine

import (
	"bytes"
	"fmt"
	"hash/crc64"
	"testing"
)

func TestRangeDigest_MatchesWholeFile(t *testing.T) {
	data := bytes.Repeat([]byte("panshift"), 1000)

	d := NewRangeDigest()
	for _, r := range Ranges(0, int64(len(data)), 3000) {
		d.Add(r, data[r.Start:r.End+1])
	}

	if !d.Valid() {
		t.Fatal("expected contiguous digest to be valid")
	}
	want := fmt.Sprintf("crc64:%016x", crc64.Checksum(data, crcTable))
	if d.Sum() != want {
		t.Errorf("digest %q; want %q", d.Sum(), want)
	}
}

func TestRangeDigest_GapInvalidates(t *testing.T) {
	d := NewRangeDigest()
	d.Add(ByteRange{Start: 0, End: 3}, []byte("abcd"))
	d.Add(ByteRange{Start: 8, End: 11}, []byte("ijkl"))

	if d.Valid() {
		t.Error("expected a gap to invalidate the digest")
	}
	if d.Sum() != "" {
		t.Errorf("expected empty sum, got %q", d.Sum())
	}
	if d.State() != nil {
		t.Error("expected no state for an invalid digest")
	}
}

func TestRangeDigest_SaveAndRestore(t *testing.T) {
	data := []byte("0123456789abcdef")

	first := NewRangeDigest()
	first.Add(ByteRange{Start: 0, End: 7}, data[:8])
	state := first.State()

	resumed := RestoreRangeDigest(state, first.Covered(), 8)
	resumed.Add(ByteRange{Start: 8, End: 15}, data[8:])

	whole := NewRangeDigest()
	whole.Add(ByteRange{Start: 0, End: 15}, data)

	if resumed.Sum() != whole.Sum() {
		t.Errorf("resumed digest %q; want %q", resumed.Sum(), whole.Sum())
	}

	if RestoreRangeDigest(state, 8, 12).Valid() {
		t.Error("expected digest restored at a different offset to be invalid")
	}
	if !RestoreRangeDigest(nil, 0, 0).Valid() {
		t.Error("expected a digest at offset 0 to be valid")
	}
}
