package msg

import (
	"bytes"
	"errors"
	"io"
)

type phase int

const (
	phaseSync phase = iota
	phaseHeader
	phaseBody
)

func (p phase) String() string {
	switch p {
	case phaseSync:
		return "sync"
	case phaseHeader:
		return "header"
	case phaseBody:
		return "body"
	default:
		return "unknown"
	}
}

// Decoder reassembles messages from a Source. It owns its ReceiveBuffer
// for the lifetime of the connection and is not safe for concurrent use.
//
// The current phase and the declared body length survive across calls,
// so a Source error other than end-of-stream (a read deadline, say) can
// be followed by another Decode without losing the stream position.
type Decoder struct {
	src    Source
	buf    ReceiveBuffer
	limits Limits

	phase   phase
	bodyLen int
	eof     bool
}

// NewDecoder returns a decoder reading from src with [DefaultLimits].
func NewDecoder(src Source) *Decoder {
	return NewDecoderLimits(src, DefaultLimits())
}

// NewDecoderLimits returns a decoder with explicit limits. Zero fields
// fall back to the defaults.
func NewDecoderLimits(src Source, limits Limits) *Decoder {
	return &Decoder{src: src, limits: limits.withDefaults()}
}

// Buffered returns the number of bytes read from the source but not yet
// consumed by a completed message.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Decode blocks until one complete message body is available and returns
// it. It returns [ErrEndOfStream] once the source is exhausted; a partial
// body is never returned. Malformed headers are skipped silently.
func (d *Decoder) Decode() ([]byte, error) {
	for {
		switch d.phase {
		case phaseSync:
			data := d.buf.Bytes()
			i := bytes.IndexByte(data, SyncByte)
			if i < 0 {
				// Nothing here can start a message; keep junk from piling up.
				d.buf.Reset()
				if err := d.fill(); err != nil {
					return nil, err
				}
				continue
			}
			d.buf.Discard(i)
			d.phase = phaseHeader

		case phaseHeader:
			n, size, status := parseHeader(d.buf.Bytes(), d.limits)
			switch status {
			case headerIncomplete:
				if err := d.fill(); err != nil {
					return nil, err
				}
			case headerInvalid:
				d.resync()
			case headerOK:
				d.buf.Discard(size)
				d.bodyLen = n
				d.phase = phaseBody
			}

		case phaseBody:
			data := d.buf.Bytes()
			if len(data) < d.bodyLen {
				if err := d.fill(); err != nil {
					return nil, err
				}
				continue
			}
			body := make([]byte, d.bodyLen)
			copy(body, data)
			d.buf.Discard(d.bodyLen)
			d.phase = phaseSync
			d.bodyLen = 0
			return body, nil
		}
	}
}

// resync drops the byte at the front of the buffer (the sync byte that
// led to a bad header) and goes back to searching.
func (d *Decoder) resync() {
	d.buf.Discard(1)
	d.phase = phaseSync
}

// fill appends the next chunk from the source. It returns
// ErrEndOfStream only when no further bytes were added.
func (d *Decoder) fill() error {
	if d.eof {
		return ErrEndOfStream
	}
	chunk, err := d.src.Next()
	if len(chunk) > 0 {
		d.buf.Append(chunk)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return err
		}
		d.eof = true
		if len(chunk) == 0 {
			return ErrEndOfStream
		}
	}
	return nil
}
