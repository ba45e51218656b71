// Package bufferpool hands out reusable byte buffers for connection reads
// and file streaming.
package bufferpool

import "sync"

const (
	SmallSize = 4 << 10  // request reads
	LargeSize = 64 << 10 // file streaming
)

var (
	small = sync.Pool{
		New: func() any {
			buf := make([]byte, SmallSize)
			return &buf
		},
	}
	large = sync.Pool{
		New: func() any {
			buf := make([]byte, LargeSize)
			return &buf
		},
	}
)

// Get returns a buffer of exactly size bytes. Sizes above LargeSize are
// allocated directly and never pooled.
func Get(size int) []byte {
	switch {
	case size <= SmallSize:
		buf := small.Get().(*[]byte)
		return (*buf)[:size]
	case size <= LargeSize:
		buf := large.Get().(*[]byte)
		return (*buf)[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer obtained from Get to its pool.
func Put(buf []byte) {
	switch cap(buf) {
	case SmallSize:
		full := buf[:SmallSize]
		small.Put(&full)
	case LargeSize:
		full := buf[:LargeSize]
		large.Put(&full)
	}
	// Else: non-standard size, let GC handle it
}
