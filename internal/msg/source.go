package msg

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// SocketChunkSize is the read size used by [SocketSource].
const SocketChunkSize = 4096

// Source yields successive chunks of a byte stream. Next blocks until
// data is available and returns io.EOF once the stream has ended. A
// chunk is only valid until the following call. A Source never closes
// the stream it reads from.
type Source interface {
	Next() ([]byte, error)
}

// ── in-memory ────────────────────────────────────────────────────────

type bytesSource struct {
	data  []byte
	chunk int
}

// BytesSource serves data in chunks of at most chunkSize bytes. A
// chunkSize of zero or less serves everything in one chunk.
func BytesSource(data []byte, chunkSize int) Source {
	if chunkSize <= 0 {
		chunkSize = len(data)
	}
	return &bytesSource{data: data, chunk: chunkSize}
}

func (s *bytesSource) Next() ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	n := min(s.chunk, len(s.data))
	out := s.data[:n]
	s.data = s.data[n:]
	return out, nil
}

// ── file-like streams ────────────────────────────────────────────────

// maxEmptyReads matches bufio's tolerance for readers that return
// (0, nil) repeatedly.
const maxEmptyReads = 100

type streamSource struct {
	r   io.Reader
	buf []byte
}

// StreamSource reads r in chunks of chunkSize bytes.
func StreamSource(r io.Reader, chunkSize int) Source {
	if chunkSize <= 0 {
		chunkSize = SocketChunkSize
	}
	return &streamSource{r: r, buf: make([]byte, chunkSize)}
}

func (s *streamSource) Next() ([]byte, error) {
	for i := 0; i < maxEmptyReads; i++ {
		n, err := s.r.Read(s.buf)
		if n > 0 || err != nil {
			return s.buf[:n], err
		}
	}
	return nil, io.ErrNoProgress
}

// ── sockets ──────────────────────────────────────────────────────────

type socketSource struct {
	ctx  context.Context
	conn net.Conn
	buf  []byte
}

// SocketSource reads conn in [SocketChunkSize] chunks. The Go runtime
// parks the reading goroutine on the network poller, so waiting for data
// costs nothing. A zero-length read or a locally closed connection ends
// the stream. Cancelling ctx unblocks a pending read and makes Next
// return the context error.
func SocketSource(ctx context.Context, conn net.Conn) Source {
	s := &socketSource{ctx: ctx, conn: conn, buf: make([]byte, SocketChunkSize)}
	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			conn.SetReadDeadline(time.Now()) //nolint:errcheck
		})
	}
	return s
}

func (s *socketSource) Next() ([]byte, error) {
	n, err := s.conn.Read(s.buf)
	if n > 0 {
		return s.buf[:n], nil
	}
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return nil, io.EOF
	case errors.Is(err, os.ErrDeadlineExceeded) && s.ctx.Err() != nil:
		return nil, s.ctx.Err()
	default:
		return nil, err
	}
}
