package piper

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/banshee-data/piper/internal/timeutil"
)

// ByteStream is the bidirectional byte channel frames travel over.
//
// ReadByteTimeout returns the next byte, or ErrNoData if none arrived within
// timeout. A timeout <= 0 blocks until a byte or an error arrives. Any other
// error (io.EOF, a closed port) is terminal for the stream.
type ByteStream interface {
	ReadByteTimeout(timeout time.Duration) (byte, error)
	io.Writer
}

// readTimeoutSetter is implemented by go.bug.st/serial ports. A read that
// times out returns (0, nil).
type readTimeoutSetter interface {
	SetReadTimeout(t time.Duration) error
}

// readDeadlineSetter is implemented by net.Conn.
type readDeadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// go.bug.st/serial treats a negative timeout as "block forever".
const blockingReadTimeout = -1

const streamChunk = 64

// NewStream adapts rw to a ByteStream, choosing the cheapest way rw can
// bound a read: a port-level read timeout, a read deadline, or a reader
// goroutine.
func NewStream(rw io.ReadWriter) ByteStream {
	switch p := rw.(type) {
	case readTimeoutSetter:
		return &timeoutStream{rw: rw, port: p}
	case readDeadlineSetter:
		return &deadlineStream{rw: rw, conn: p}
	default:
		return NewPumpStream(rw, timeutil.RealClock{})
	}
}

// chunk buffers bytes from a single Read so the framer does not issue one
// syscall per byte.
type chunk struct {
	buf  [streamChunk]byte
	r, w int
}

func (c *chunk) next() (byte, bool) {
	if c.r >= c.w {
		return 0, false
	}
	b := c.buf[c.r]
	c.r++
	return b, true
}

func (c *chunk) fill(n int) byte {
	c.r, c.w = 1, n
	return c.buf[0]
}

type timeoutStream struct {
	rw      io.ReadWriter
	port    readTimeoutSetter
	applied bool
	current time.Duration
	in      chunk
}

func (s *timeoutStream) ReadByteTimeout(timeout time.Duration) (byte, error) {
	if b, ok := s.in.next(); ok {
		return b, nil
	}
	want := timeout
	if want <= 0 {
		want = blockingReadTimeout
	}
	if !s.applied || want != s.current {
		if err := s.port.SetReadTimeout(want); err != nil {
			return 0, err
		}
		s.applied, s.current = true, want
	}
	for {
		n, err := s.rw.Read(s.in.buf[:])
		if n > 0 {
			return s.in.fill(n), nil
		}
		if err != nil {
			return 0, err
		}
		if timeout > 0 {
			return 0, ErrNoData
		}
	}
}

func (s *timeoutStream) Write(p []byte) (int, error) { return s.rw.Write(p) }

type deadlineStream struct {
	rw   io.ReadWriter
	conn readDeadlineSetter
	in   chunk
}

func (s *deadlineStream) ReadByteTimeout(timeout time.Duration) (byte, error) {
	if b, ok := s.in.next(); ok {
		return b, nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if derr := s.conn.SetReadDeadline(deadline); derr != nil {
		// a conn whose peer has gone refuses deadlines; the read still
		// reports the terminal error, usually io.EOF
		n, err := s.rw.Read(s.in.buf[:])
		if n > 0 {
			return s.in.fill(n), nil
		}
		if err != nil {
			return 0, err
		}
		return 0, derr
	}
	for {
		n, err := s.rw.Read(s.in.buf[:])
		if n > 0 {
			return s.in.fill(n), nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ErrNoData
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *deadlineStream) Write(p []byte) (int, error) { return s.rw.Write(p) }

// PumpStream bounds reads on a plain io.Reader by moving the blocking Read
// into a goroutine that feeds a buffered channel.
type PumpStream struct {
	w     io.Writer
	clock timeutil.Clock
	bytes chan byte
	errc  chan error
	err   error
}

// NewPumpStream starts the reader goroutine for rw. The goroutine exits once
// rw.Read returns an error, so closing the underlying reader releases it.
func NewPumpStream(rw io.ReadWriter, clock timeutil.Clock) *PumpStream {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &PumpStream{
		w:     rw,
		clock: clock,
		bytes: make(chan byte, streamChunk),
		errc:  make(chan error, 1),
	}
	go s.pump(rw)
	return s
}

func (s *PumpStream) pump(r io.Reader) {
	buf := make([]byte, streamChunk)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			s.bytes <- b
		}
		if err != nil {
			s.errc <- err
			return
		}
	}
}

// ReadByteTimeout implements ByteStream.
func (s *PumpStream) ReadByteTimeout(timeout time.Duration) (byte, error) {
	select {
	case b := <-s.bytes:
		return b, nil
	default:
	}
	if s.err != nil {
		return 0, s.err
	}

	if timeout <= 0 {
		select {
		case b := <-s.bytes:
			return b, nil
		case err := <-s.errc:
			return s.fail(err)
		}
	}

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-s.bytes:
		return b, nil
	case err := <-s.errc:
		return s.fail(err)
	case <-timer.C():
		return 0, ErrNoData
	}
}

// fail records a terminal reader error. Bytes the pump queued before the
// error are still delivered first.
func (s *PumpStream) fail(err error) (byte, error) {
	s.err = err
	select {
	case b := <-s.bytes:
		return b, nil
	default:
		return 0, err
	}
}

// Write implements io.Writer.
func (s *PumpStream) Write(p []byte) (int, error) { return s.w.Write(p) }
