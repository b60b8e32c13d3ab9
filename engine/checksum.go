package engine

import (
	"encoding"
	"fmt"
	"hash"
	"hash/crc64"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// RangeDigest computes a CRC64 over a file as its ranges are acknowledged.
// Ranges must arrive contiguously; a gap invalidates the digest. Its state
// can be saved with the resume record so a restarted transfer keeps a digest
// of the whole file.
type RangeDigest struct {
	hash  hash.Hash64
	next  int64
	valid bool
}

// NewRangeDigest starts a digest at offset 0.
func NewRangeDigest() *RangeDigest {
	return &RangeDigest{hash: crc64.New(crcTable), valid: true}
}

// RestoreRangeDigest resumes a digest saved by State. A digest that cannot be
// restored, or whose covered length differs from offset, is returned invalid.
func RestoreRangeDigest(state []byte, covered, offset int64) *RangeDigest {
	d := NewRangeDigest()
	if offset == 0 {
		return d
	}
	if len(state) == 0 || covered != offset {
		d.valid = false
		return d
	}
	if err := d.hash.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		d.valid = false
		return d
	}
	d.next = offset
	return d
}

// Add folds an acknowledged range into the digest.
func (d *RangeDigest) Add(r ByteRange, data []byte) {
	if !d.valid {
		return
	}
	if r.Start != d.next || int64(len(data)) != r.Len() {
		d.valid = false
		return
	}
	d.hash.Write(data)
	d.next = r.End + 1
}

// Valid reports whether the digest covers every byte from 0 contiguously.
func (d *RangeDigest) Valid() bool {
	return d.valid
}

// Covered returns the number of bytes folded in so far.
func (d *RangeDigest) Covered() int64 {
	return d.next
}

// Sum returns the digest in "crc64:<hex>" form, or "" when invalid.
func (d *RangeDigest) Sum() string {
	if !d.valid {
		return ""
	}
	return fmt.Sprintf("crc64:%016x", d.hash.Sum64())
}

// State serializes the running hash, or nil when invalid.
func (d *RangeDigest) State() []byte {
	if !d.valid {
		return nil
	}
	state, err := d.hash.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return nil
	}
	return state
}
