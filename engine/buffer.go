package engine

import (
	"sync"
	"sync/atomic"
)

// BufferPool hands out chunk buffers for ranges in flight. Buffers are
// recycled through a sync.Pool so a long run allocates roughly
// (concurrency + queue capacity) chunks in total.
type BufferPool struct {
	size  int
	pool  sync.Pool
	inUse atomic.Int64
}

// NewBufferPool creates a pool of size-byte buffers. If size is <= 0,
// DefaultChunkSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Get returns a buffer of length n. n may not exceed the pool size; larger
// requests get a one-off allocation that is not recycled.
func (bp *BufferPool) Get(n int) *[]byte {
	bp.inUse.Add(1)
	if n > bp.size {
		b := make([]byte, n)
		return &b
	}
	b := bp.pool.Get().(*[]byte)
	*b = (*b)[:n]
	return b
}

// Put returns a buffer to the pool. The caller must not touch it afterwards.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil {
		return
	}
	bp.inUse.Add(-1)
	if cap(*b) != bp.size {
		return
	}
	*b = (*b)[:bp.size]
	bp.pool.Put(b)
}

// InUse returns the number of buffers handed out and not yet returned.
func (bp *BufferPool) InUse() int64 {
	return bp.inUse.Load()
}
