package proxy

import "io"

// forwardBufferSize is the initial capacity of a directional forward buffer.
const forwardBufferSize = 8 * 1024

// ForwardBuffer is the FIFO of bytes sitting between a reader and the peer
// socket's writer. It absorbs partial writes; whatever is still pending when
// the write side goes away is reported as discarded.
type ForwardBuffer struct {
	buf   []byte
	start int
}

// NewForwardBuffer returns an empty buffer.
func NewForwardBuffer() *ForwardBuffer {
	return &ForwardBuffer{buf: make([]byte, 0, forwardBufferSize)}
}

// Pending returns the number of bytes queued but not yet written.
func (b *ForwardBuffer) Pending() int {
	return len(b.buf) - b.start
}

// Append queues bytes for forwarding.
func (b *ForwardBuffer) Append(p []byte) {
	if b.start == len(b.buf) {
		b.buf = b.buf[:0]
		b.start = 0
	}
	b.buf = append(b.buf, p...)
}

// DrainTo writes queued bytes to w until the buffer is empty or the write
// fails. Partially written bytes stay queued.
func (b *ForwardBuffer) DrainTo(w io.Writer) error {
	for b.Pending() > 0 {
		n, err := w.Write(b.buf[b.start:])
		b.start += n
		if err != nil {
			return err
		}
	}
	b.buf = b.buf[:0]
	b.start = 0
	return nil
}

// Reset throws away all queued bytes and returns how many were discarded.
func (b *ForwardBuffer) Reset() int {
	n := b.Pending()
	b.buf = b.buf[:0]
	b.start = 0
	return n
}
