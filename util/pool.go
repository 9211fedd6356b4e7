package util

import "sync"

// RelayBufSize is the size of the buffers used by the PTY relay. A PTY
// rarely hands over more than a few KiB per read, so these are kept
// smaller than [DefaultBufSize].
const RelayBufSize = 8 * 1024

// BufPool provides reusable byte buffers for network I/O, reducing
// GC pressure on hot paths like bidirectional copy loops.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// RelayPool provides [RelayBufSize] buffers for PTY relays.
var RelayPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, RelayBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	BufPool.Put(buf)
}

// GetRelayBuf retrieves a relay buffer. Return it with [PutRelayBuf].
func GetRelayBuf() *[]byte {
	return RelayPool.Get().(*[]byte)
}

// PutRelayBuf returns a relay buffer to its pool.
func PutRelayBuf(buf *[]byte) {
	if buf == nil || cap(*buf) < RelayBufSize {
		return
	}
	*buf = (*buf)[:RelayBufSize]
	RelayPool.Put(buf)
}
