package pools

import (
	"errors"
)

// MaxBufferSize bounds a single connection buffer.
const MaxBufferSize = 1 << 30

var ErrBufferTooLarge = errors.New("pools: buffer too large")

// Buffer is the per-connection byte queue. Valid data lives in
// buf[off:off+n]; erased bytes advance off until the whole queue drains.
type Buffer struct {
	buf  []byte
	off  int
	n    int
	pool *BytePool
}

// NewBuffer creates an empty buffer drawing its storage from pool. A nil
// pool uses the process-wide one.
func NewBuffer(pool *BytePool) *Buffer {
	if pool == nil {
		pool = globalBytePool
	}
	return &Buffer{pool: pool}
}

// Bytes returns the valid data.
func (b *Buffer) Bytes() []byte { return b.buf[b.off : b.off+b.n] }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the size of the backing array.
func (b *Buffer) Cap() int { return len(b.buf) }

// Tail returns the writable space after the valid data.
func (b *Buffer) Tail() []byte { return b.buf[b.off+b.n:] }

// Expand makes room for at least need bytes after the valid data, first by
// compacting and then by growing the backing array.
func (b *Buffer) Expand(need int) error {
	used := b.off + b.n
	if len(b.buf)-used >= need {
		return nil
	}
	if b.n+need > MaxBufferSize {
		return ErrBufferTooLarge
	}
	if len(b.buf)-b.n >= need {
		b.compact()
		return nil
	}

	size := len(b.buf)
	if size < 256 {
		size = 256
	}
	for size < b.n+need {
		size <<= 1
	}

	nb := b.pool.Get(size)
	copy(nb, b.buf[b.off:b.off+b.n])
	if b.buf != nil {
		b.pool.Put(b.buf)
	}
	b.buf = nb
	b.off = 0
	return nil
}

// Commit marks n bytes of the tail as valid data.
func (b *Buffer) Commit(n int) error {
	if n < 0 || b.off+b.n+n > len(b.buf) {
		return ErrBufferTooLarge
	}
	b.n += n
	return nil
}

// Append copies p after the valid data.
func (b *Buffer) Append(p []byte) error {
	if err := b.Expand(len(p)); err != nil {
		return err
	}
	copy(b.buf[b.off+b.n:], p)
	b.n += len(p)
	return nil
}

// Erase drops n bytes from the front.
func (b *Buffer) Erase(n int) {
	if n >= b.n {
		b.off = 0
		b.n = 0
		return
	}
	b.off += n
	b.n -= n
}

// Reset drops all data and keeps the storage.
func (b *Buffer) Reset() {
	b.off = 0
	b.n = 0
}

// Release drops all data and returns the storage to the pool.
func (b *Buffer) Release() {
	if b.buf != nil {
		b.pool.Put(b.buf)
	}
	b.buf = nil
	b.off = 0
	b.n = 0
}

func (b *Buffer) compact() {
	copy(b.buf, b.buf[b.off:b.off+b.n])
	b.off = 0
}
