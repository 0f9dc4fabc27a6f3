package piper

import "io"

// responseSink is the narrow capability a PacketStream uses to emit its
// response. The engine implements it; nothing else of the engine is
// reachable from a PacketStream.
type responseSink interface {
	flushResponse(pipeID byte) error
	noteShortWrite()
}

// PacketStream gives a handler ordinary stream semantics over one request
// frame and its response. Reads consume the request payload; writes go to
// the fixed response buffer and are sent to the same pipe by Flush, which
// the engine also calls once after the handler returns.
//
// A PacketStream is valid only for the dispatch that created it. Afterwards
// every read and write reports ErrStreamReleased.
type PacketStream struct {
	pipeID   byte
	payload  []byte
	cursor   int
	out      *writeBuffer
	sink     responseSink
	released bool
}

func newPacketStream(pipeID byte, payload []byte, out *writeBuffer, sink responseSink) *PacketStream {
	return &PacketStream{
		pipeID:  pipeID,
		payload: payload,
		out:     out,
		sink:    sink,
	}
}

// PipeID is the pipe the request arrived on and the response is sent to.
func (ps *PacketStream) PipeID() byte { return ps.pipeID }

// Available returns the number of unread request bytes.
func (ps *PacketStream) Available() int {
	if ps.released {
		return 0
	}
	return len(ps.payload) - ps.cursor
}

// ReadByte returns the next request byte, or io.EOF once the payload has
// been consumed.
func (ps *PacketStream) ReadByte() (byte, error) {
	b, err := ps.Peek()
	if err == nil {
		ps.cursor++
	}
	return b, err
}

// Peek returns the next request byte without consuming it.
func (ps *PacketStream) Peek() (byte, error) {
	if ps.released {
		return 0, ErrStreamReleased
	}
	if ps.cursor >= len(ps.payload) {
		return 0, io.EOF
	}
	return ps.payload[ps.cursor], nil
}

// Read implements io.Reader over the unread request bytes.
func (ps *PacketStream) Read(p []byte) (int, error) {
	if ps.released {
		return 0, ErrStreamReleased
	}
	if len(p) == 0 {
		return 0, nil
	}
	if ps.cursor >= len(ps.payload) {
		return 0, io.EOF
	}
	n := copy(p, ps.payload[ps.cursor:])
	ps.cursor += n
	return n, nil
}

// WriteByte appends one byte to the response.
func (ps *PacketStream) WriteByte(c byte) error {
	if ps.released {
		return ErrStreamReleased
	}
	if !ps.out.appendByte(c) {
		ps.sink.noteShortWrite()
		return ErrWriteBufferFull
	}
	return nil
}

// Write appends p to the response. When the response buffer fills, Write
// returns how many bytes fit along with ErrWriteBufferFull.
func (ps *PacketStream) Write(p []byte) (int, error) {
	if ps.released {
		return 0, ErrStreamReleased
	}
	n := ps.out.append(p)
	if n < len(p) {
		ps.sink.noteShortWrite()
		return n, ErrWriteBufferFull
	}
	return n, nil
}

// Buffered returns the number of response bytes not yet flushed.
func (ps *PacketStream) Buffered() int {
	if ps.released {
		return 0
	}
	return ps.out.len()
}

// Flush sends everything written so far as one response frame. It does
// nothing when nothing has been written.
func (ps *PacketStream) Flush() error {
	if ps.released {
		return ErrStreamReleased
	}
	return ps.sink.flushResponse(ps.pipeID)
}

func (ps *PacketStream) release() {
	ps.released = true
	ps.payload = nil
	ps.out = nil
	ps.sink = nil
}
