package kcp

import "sync"

// Allocator obtains and releases segment payload byte slices. The default
// implementation is backed by a sync.Pool, mirroring the teacher's
// package-global xmitBuf pool, but installed per ControlBlock rather than
// shared process-wide so that callers who want arena or NUMA-aware
// allocation can supply their own without affecting other connections.
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

// poolAllocator is the default Allocator, a thin sync.Pool wrapper that
// buckets by the standard MTU so the common case never grows the slice.
type poolAllocator struct {
	pool sync.Pool
}

func newPoolAllocator() *poolAllocator {
	a := &poolAllocator{}
	a.pool.New = func() interface{} {
		return make([]byte, defaultMTU)
	}
	return a
}

func (a *poolAllocator) Get(size int) []byte {
	buf := a.pool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func (a *poolAllocator) Put(buf []byte) {
	a.pool.Put(buf[:0:cap(buf)]) //nolint:staticcheck // reset len, keep cap
}
