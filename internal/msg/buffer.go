package msg

// shrinkThreshold is the capacity above which compaction reallocates
// when the live contents are small, so one large message does not pin
// its memory for the rest of the connection.
const shrinkThreshold = 64 * 1024

// ReceiveBuffer stages bytes read from a Source that no completed decode
// step has consumed yet. It is owned by exactly one Decoder and is not
// safe for concurrent use.
//
// Dropping a prefix only advances an offset; the dead prefix is
// reclaimed when the next Append would otherwise grow the backing array.
type ReceiveBuffer struct {
	buf []byte
	off int
}

// Append adds p to the end of the buffer.
func (b *ReceiveBuffer) Append(p []byte) {
	if b.off > 0 && len(b.buf)+len(p) > cap(b.buf) {
		b.compact()
	}
	b.buf = append(b.buf, p...)
}

// Set replaces the contents with p, preserving order. p may alias the
// current contents.
func (b *ReceiveBuffer) Set(p []byte) {
	if cap(b.buf) > shrinkThreshold && len(p) < cap(b.buf)/4 {
		fresh := make([]byte, len(p))
		copy(fresh, p)
		b.buf, b.off = fresh, 0
		return
	}
	b.buf = append(b.buf[:0], p...)
	b.off = 0
}

// Discard drops the first n bytes.
func (b *ReceiveBuffer) Discard(n int) {
	b.off += min(n, b.Len())
	if b.off == len(b.buf) {
		b.Reset()
	}
}

// Reset empties the buffer.
func (b *ReceiveBuffer) Reset() {
	b.Set(nil)
}

// Bytes returns the current contents. The slice is valid until the next
// mutation.
func (b *ReceiveBuffer) Bytes() []byte { return b.buf[b.off:] }

// Len returns the number of staged bytes.
func (b *ReceiveBuffer) Len() int { return len(b.buf) - b.off }

func (b *ReceiveBuffer) compact() {
	b.Set(b.buf[b.off:])
}
