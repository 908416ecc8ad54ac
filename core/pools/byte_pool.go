package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for different size classes
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets     atomic.Uint64
	puts     atomic.Uint64
	misses   atomic.Uint64
	discards atomic.Uint64
}

// Common buffer sizes for request heads and socket reads
var defaultSizes = []int{
	512,   // Small requests
	4096,  // Default receive buffer
	16384, // Default max request size
	65536, // Extra large
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
// sizes must be ascending.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size // Capture for closure
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of exactly the requested length
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)

	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			buf := *bufPtr
			return buf[:size]
		}
	}

	// Size too large, allocate directly
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool. Slices that did not come from a
// tier are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}

	bp.discards.Add(1)
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		TotalGets:     bp.gets.Load(),
		TotalPuts:     bp.puts.Load(),
		TotalMisses:   bp.misses.Load(),
		TotalDiscards: bp.discards.Load(),
	}
}

// BytePoolStats contains byte pool statistics
type BytePoolStats struct {
	TotalGets     uint64
	TotalPuts     uint64
	TotalMisses   uint64
	TotalDiscards uint64
}
