package piper

import "io"

// writeBuffer accumulates the response for the pipe being dispatched. Its
// capacity is fixed at MaxPayload and never grows.
type writeBuffer struct {
	buf [MaxPayload]byte
	n   int
}

// appendByte reports false, and stores nothing, once the buffer is full.
func (b *writeBuffer) appendByte(c byte) bool {
	if b.n == MaxPayload {
		return false
	}
	b.buf[b.n] = c
	b.n++
	return true
}

// append stops at the first byte that does not fit and returns how many
// were stored.
func (b *writeBuffer) append(p []byte) int {
	written := 0
	for _, c := range p {
		if !b.appendByte(c) {
			break
		}
		written++
	}
	return written
}

func (b *writeBuffer) len() int { return b.n }

func (b *writeBuffer) bytes() []byte { return b.buf[:b.n] }

func (b *writeBuffer) reset() { b.n = 0 }

// flush emits the buffered bytes as one frame to pipeID and empties the
// buffer. An empty buffer emits nothing; silence means "no response".
func (b *writeBuffer) flush(w io.Writer, pipeID byte) error {
	defer b.reset()
	if b.n == 0 {
		return nil
	}
	if err := WriteBegin(w, pipeID); err != nil {
		return err
	}
	return WriteEnd(w, b.buf[:b.n])
}
