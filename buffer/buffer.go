// Package buffer implements the single-producer/single-consumer byte FIFO
// used by each proxy session for its two forwarding directions.
package buffer

// Buffer is an ordered sequence of bytes with an opaque consumed-prefix
// cursor. Only the owning Worker ever touches a Buffer; it is not
// safe for concurrent use.
type Buffer struct {
	data   []byte
	offset int
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds b to the end of the buffer.
func (buf *Buffer) Append(b []byte) {
	buf.data = append(buf.data, b...)
}

// Size returns the number of bytes not yet consumed.
func (buf *Buffer) Size() int {
	return len(buf.data) - buf.offset
}

// Empty reports whether everything appended has been consumed.
func (buf *Buffer) Empty() bool {
	return buf.offset >= len(buf.data)
}

// Bytes returns the unconsumed slice, ptr()..ptr()+size() in spec terms.
func (buf *Buffer) Bytes() []byte {
	return buf.data[buf.offset:]
}

// Consume advances the cursor by n bytes. Once everything is consumed,
// the backing storage is released so the buffer does not hold memory for
// a peer that stays quiet indefinitely.
func (buf *Buffer) Consume(n int) {
	buf.offset += n
	if buf.offset >= len(buf.data) {
		buf.clear()
	}
}

func (buf *Buffer) clear() {
	buf.data = nil
	buf.offset = 0
}
