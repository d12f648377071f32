package pools

import (
	"sync"

	"go.uber.org/atomic"
)

// Size classes handed out to connection buffers. Reads grow buffers in
// steps of 4 KiB, so the classes start there.
var defaultSizes = []int{
	4 << 10,
	16 << 10,
	64 << 10,
	256 << 10,
}

// BytePool is a tiered pool of backing arrays shared by all workers.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// NewBytePool creates a pool with the default size classes.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a pool with ascending size classes.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}
	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a slice with len == cap >= size.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Inc()
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			return *bp.pools[i].Get().(*[]byte)
		}
	}
	bp.misses.Inc()
	return make([]byte, size)
}

// Put recycles buf if its capacity matches a size class.
func (bp *BytePool) Put(buf []byte) {
	c := cap(buf)
	for i, poolSize := range bp.sizes {
		if c == poolSize {
			buf = buf[:c]
			bp.pools[i].Put(&buf)
			bp.puts.Inc()
			return
		}
	}
}

// BytePoolStats is a counter snapshot.
type BytePoolStats struct {
	Gets   uint64 `json:"gets"`
	Puts   uint64 `json:"puts"`
	Misses uint64 `json:"misses"`
}

// Stats returns pool statistics.
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:   bp.gets.Load(),
		Puts:   bp.puts.Load(),
		Misses: bp.misses.Load(),
	}
}

var globalBytePool = NewBytePool()
