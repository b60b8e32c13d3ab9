package engine

import (
	"testing"
)

func TestBufferPool_DefaultSize(t *testing.T) {
	bp := NewBufferPool(0)

	buf := bp.Get(DefaultChunkSize)
	if buf == nil {
		t.Fatalf("expected a valid buffer pointer, got nil")
	}

	if len(*buf) != DefaultChunkSize {
		t.Errorf("expected buffer size %d, got %d", DefaultChunkSize, len(*buf))
	}

	bp.Put(buf)
}

func TestBufferPool_ShortFinalRange(t *testing.T) {
	customSize := 8192
	bp := NewBufferPool(customSize)

	buf1 := bp.Get(100)
	if len(*buf1) != 100 {
		t.Errorf("expected buffer length 100, got %d", len(*buf1))
	}
	if cap(*buf1) != customSize {
		t.Errorf("expected capacity %d, got %d", customSize, cap(*buf1))
	}

	bp.Put(buf1)
	buf2 := bp.Get(customSize)

	// a recycled buffer must come back at full length
	if len(*buf2) != customSize {
		t.Errorf("expected reused buffer size %d, got %d", customSize, len(*buf2))
	}

	bp.Put(buf2)
}

func TestBufferPool_InUse(t *testing.T) {
	bp := NewBufferPool(16)

	a := bp.Get(16)
	b := bp.Get(32)
	if bp.InUse() != 2 {
		t.Errorf("expected 2 buffers in use, got %d", bp.InUse())
	}
	if len(*b) != 32 {
		t.Errorf("expected oversized buffer of 32 bytes, got %d", len(*b))
	}

	bp.Put(a)
	bp.Put(b)
	bp.Put(nil)
	if bp.InUse() != 0 {
		t.Errorf("expected 0 buffers in use, got %d", bp.InUse())
	}
}
