package piper

import (
	"errors"
	"fmt"
	"io"
)

const (
	// PacketBegin marks the start of every frame on the wire.
	PacketBegin byte = 0xBE
	// PacketEnd terminates every frame on the wire.
	PacketEnd byte = 0xEF
	// MaxPipeID is the largest addressable pipe.
	MaxPipeID = 0xFF
	// MaxPayload is the largest payload a single frame can carry and the
	// capacity of both the read and write slots.
	MaxPayload = 0xFF
	// FrameOverhead is the number of framing bytes around a payload.
	FrameOverhead = 4
)

var (
	ErrPayloadTooLarge   = errors.New("piper: payload too large")
	ErrWriteBufferFull   = errors.New("piper: write buffer full")
	ErrNoData            = errors.New("piper: no data within deadline")
	ErrPipeOutOfRange    = errors.New("piper: pipe id outside table capacity")
	ErrReentrantDispatch = errors.New("piper: dispatch already in progress")
	ErrStreamReleased    = errors.New("piper: packet stream used after dispatch")
	ErrTooManyDiscarded  = errors.New("piper: too many bytes discarded while resynchronising")
	ErrShortWrite        = errors.New("piper: short write to stream")
)

// WriteBegin sends the begin marker and destination pipe of a frame. The
// frame is completed by WriteEnd.
func WriteBegin(w io.Writer, pipeID byte) error {
	hdr := [2]byte{PacketBegin, pipeID}
	return writeAll(w, hdr[:])
}

// WriteEnd sends the length, payload and end marker that complete a frame
// started with WriteBegin.
func WriteEnd(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	var buf [1 + MaxPayload + 1]byte
	buf[0] = byte(len(payload))
	n := 1 + copy(buf[1:], payload)
	buf[n] = PacketEnd
	return writeAll(w, buf[:n+1])
}

// WritePacket writes one complete frame addressed to pipeID.
func WritePacket(w io.Writer, pipeID byte, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if err := WriteBegin(w, pipeID); err != nil {
		return err
	}
	return WriteEnd(w, payload)
}

// AppendPacket appends the wire encoding of one frame to dst.
func AppendPacket(dst []byte, pipeID byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	dst = append(dst, PacketBegin, pipeID, byte(len(payload)))
	dst = append(dst, payload...)
	return append(dst, PacketEnd), nil
}

func writeAll(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrShortWrite
	}
	return nil
}
