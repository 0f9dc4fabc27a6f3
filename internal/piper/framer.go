package piper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultPollInterval bounds each byte read so the receive loop can notice a
// stop request or a cancelled context on an idle stream.
const DefaultPollInterval = 100 * time.Millisecond

// FramingError describes a frame whose end marker check failed. The framer
// resynchronises the same way for every FramingError; PrematureBegin only
// tells the observer that the byte found in the end position was a begin
// marker, which usually means the declared length was too long.
type FramingError struct {
	PipeID         byte
	Length         int
	Got            byte
	PrematureBegin bool
}

func (e FramingError) Error() string {
	return fmt.Sprintf("piper: pipe %d frame of %d bytes ended with 0x%02X", e.PipeID, e.Length, e.Got)
}

// FramingErrorFunc observes discarded frames.
type FramingErrorFunc func(FramingError)

// FramerCounters are cumulative read-path counters.
type FramerCounters struct {
	Frames          uint64 `json:"frames"`
	DiscardedBytes  uint64 `json:"discarded_bytes"`
	BadEndMarkers   uint64 `json:"bad_end_markers"`
	PrematureBegins uint64 `json:"premature_begins"`
	AbandonedFrames uint64 `json:"abandoned_frames"`
}

// Framer is the read path: it scans a ByteStream for frames and holds the
// payload of the last one it parsed in a fixed read slot.
type Framer struct {
	stream ByteStream

	// PollInterval bounds each byte read. Zero or less blocks per byte, in
	// which case a cancelled context is only noticed when a byte arrives.
	PollInterval time.Duration
	// MaxDiscard, when positive, makes Next give up with ErrTooManyDiscarded
	// after discarding that many bytes without completing a frame.
	MaxDiscard int
	// OnFramingError, if set, is called for every failed end marker check.
	OnFramingError FramingErrorFunc

	buf    [MaxPayload]byte
	n      int
	pipeID byte

	frames          atomic.Uint64
	discardedBytes  atomic.Uint64
	badEndMarkers   atomic.Uint64
	prematureBegins atomic.Uint64
	abandonedFrames atomic.Uint64
}

// NewFramer returns a Framer reading from stream with DefaultPollInterval.
func NewFramer(stream ByteStream) *Framer {
	return &Framer{stream: stream, PollInterval: DefaultPollInterval}
}

// Next reads until one well-formed frame has been parsed.
//
// Bytes ahead of a begin marker are dropped. A frame whose end marker is
// wrong is dropped and scanning resumes from the byte after it, so a begin
// marker inside a payload can start a new frame. ErrNoData is returned when
// the stream goes quiet outside a frame; inside a frame Next keeps waiting
// until ctx is done.
func (f *Framer) Next(ctx context.Context) error {
	f.n = 0
	discarded := 0
	for {
		for {
			b, err := f.stream.ReadByteTimeout(f.PollInterval)
			if err != nil {
				return err
			}
			if b == PacketBegin {
				break
			}
			discarded++
			f.discardedBytes.Add(1)
			if f.MaxDiscard > 0 && discarded >= f.MaxDiscard {
				return fmt.Errorf("%w: %d bytes", ErrTooManyDiscarded, discarded)
			}
		}

		pipeID, err := f.readInFrame(ctx)
		if err != nil {
			return err
		}
		length, err := f.readInFrame(ctx)
		if err != nil {
			return err
		}
		for i := 0; i < int(length); i++ {
			if f.buf[i], err = f.readInFrame(ctx); err != nil {
				return err
			}
		}
		end, err := f.readInFrame(ctx)
		if err != nil {
			return err
		}

		if end == PacketEnd {
			f.pipeID = pipeID
			f.n = int(length)
			f.frames.Add(1)
			return nil
		}

		f.badEndMarkers.Add(1)
		fe := FramingError{PipeID: pipeID, Length: int(length), Got: end, PrematureBegin: end == PacketBegin}
		if fe.PrematureBegin {
			f.prematureBegins.Add(1)
		}
		if f.OnFramingError != nil {
			f.OnFramingError(fe)
		}

		dropped := FrameOverhead + int(length)
		discarded += dropped
		f.discardedBytes.Add(uint64(dropped))
		if f.MaxDiscard > 0 && discarded >= f.MaxDiscard {
			return fmt.Errorf("%w: %d bytes", ErrTooManyDiscarded, discarded)
		}
	}
}

func (f *Framer) readInFrame(ctx context.Context) (byte, error) {
	for {
		b, err := f.stream.ReadByteTimeout(f.PollInterval)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNoData) {
			return 0, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			f.abandonedFrames.Add(1)
			return 0, ctxErr
		}
	}
}

// PipeID is the pipe of the last parsed frame.
func (f *Framer) PipeID() byte { return f.pipeID }

// Len is the payload length of the last parsed frame.
func (f *Framer) Len() int { return f.n }

// Payload returns the read slot contents of the last parsed frame. The slice
// aliases the slot and is overwritten by the next call to Next.
func (f *Framer) Payload() []byte { return f.buf[:f.n:f.n] }

// Counters returns a snapshot of the read-path counters.
func (f *Framer) Counters() FramerCounters {
	return FramerCounters{
		Frames:          f.frames.Load(),
		DiscardedBytes:  f.discardedBytes.Load(),
		BadEndMarkers:   f.badEndMarkers.Load(),
		PrematureBegins: f.prematureBegins.Load(),
		AbandonedFrames: f.abandonedFrames.Load(),
	}
}
