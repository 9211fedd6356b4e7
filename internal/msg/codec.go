// Package msg implements the message framing used on the control channel.
//
// A message on the wire is
//
//	<0xFF> "v01" "l" <decimal body length> ";" <body>
//
// The body is not escaped and may contain any byte, including the sync
// byte. The transport carries no message boundaries, so the [Decoder]
// recovers them from the byte stream: it searches for the sync byte,
// validates the header that follows, and reads exactly the declared
// number of body bytes. A header that fails validation costs one byte:
// the decoder drops the byte at the front of its buffer and searches
// again, which also skips sync bytes that happen to occur inside binary
// bodies.
//
// The package performs no I/O of its own. Bytes come from a [Source];
// the caller owns the underlying socket or file.
package msg

import (
	"io"
	"math"
	"strconv"
)

const (
	// SyncByte starts every message header. 0xFF never occurs in valid
	// UTF-8, which is the expected payload class.
	SyncByte byte = 0xFF

	// Version follows the sync byte immediately.
	Version = "v01"

	lengthMarker byte = 'l'
	terminator   byte = ';'
)

// ErrEndOfStream is returned by [Decoder.Decode] once the source is
// exhausted before another complete message could be assembled. It is
// io.EOF so that callers can treat a decoder like any other reader.
var ErrEndOfStream = io.EOF

// Limits bounds decoder memory use.
type Limits struct {
	// MaxHeaderLen is the maximum number of bytes between the length
	// marker and the terminator.
	MaxHeaderLen int
	// MaxBodyLen is the largest body length a header may declare.
	MaxBodyLen int
}

// DefaultLimits returns the limits used by [NewDecoder].
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderLen: 4096,
		MaxBodyLen:   16 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxHeaderLen <= 0 {
		l.MaxHeaderLen = def.MaxHeaderLen
	}
	if l.MaxBodyLen <= 0 {
		l.MaxBodyLen = def.MaxBodyLen
	}
	return l
}

// Encode frames body as one message.
func Encode(body []byte) []byte {
	out := make([]byte, 0, headerPrefixLen+20+1+len(body))
	out = append(out, SyncByte)
	out = append(out, Version...)
	out = append(out, lengthMarker)
	out = strconv.AppendInt(out, int64(len(body)), 10)
	out = append(out, terminator)
	return append(out, body...)
}

// WriteMessage frames body and writes it to w with a single Write call,
// so concurrent writers on a socket never interleave partial frames.
func WriteMessage(w io.Writer, body []byte) error {
	_, err := w.Write(Encode(body))
	return err
}

// ── header parsing ───────────────────────────────────────────────────

// headerPrefixLen covers the sync byte, the version token and the length
// marker.
const headerPrefixLen = 1 + len(Version) + 1

type headerStatus int

const (
	headerOK headerStatus = iota
	headerIncomplete
	headerInvalid
)

// parseHeader inspects buf, which starts at a sync byte. On success it
// returns the declared body length and the size of the header in bytes.
func parseHeader(buf []byte, limits Limits) (bodyLen, size int, status headerStatus) {
	for i := 1; i < headerPrefixLen; i++ {
		if i >= len(buf) {
			return 0, 0, headerIncomplete
		}
		want := lengthMarker
		if i <= len(Version) {
			want = Version[i-1]
		}
		if buf[i] != want {
			return 0, 0, headerInvalid
		}
	}

	n := 0
	for i := headerPrefixLen; ; i++ {
		if i-headerPrefixLen >= limits.MaxHeaderLen {
			return 0, 0, headerInvalid
		}
		if i >= len(buf) {
			return 0, 0, headerIncomplete
		}
		c := buf[i]
		if c == terminator {
			if i == headerPrefixLen {
				return 0, 0, headerInvalid
			}
			return n, i + 1, headerOK
		}
		if c < '0' || c > '9' {
			return 0, 0, headerInvalid
		}
		d := int(c - '0')
		if n > (math.MaxInt-d)/10 || n*10+d > limits.MaxBodyLen {
			return 0, 0, headerInvalid
		}
		n = n*10 + d
	}
}
