package piper

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/piper/internal/timeutil"
)

type pipeRW struct {
	io.Reader
	io.Writer
}

func TestPumpStream_TimeoutThenBytesThenEOF(t *testing.T) {
	pr, pw := io.Pipe()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := NewPumpStream(pipeRW{Reader: pr, Writer: io.Discard}, clock)

	errc := make(chan error, 1)
	go func() {
		_, err := s.ReadByteTimeout(50 * time.Millisecond)
		errc <- err
	}()
	clock.BlockUntilTimers(1)
	clock.Advance(50 * time.Millisecond)
	assert.ErrorIs(t, <-errc, ErrNoData)

	go func() {
		_, _ = pw.Write([]byte{0xBE, 0x01})
		_ = pw.Close()
	}()

	b, err := s.ReadByteTimeout(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xBE), b)
	b, err = s.ReadByteTimeout(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)

	_, err = s.ReadByteTimeout(0)
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.ReadByteTimeout(time.Second)
	assert.ErrorIs(t, err, io.EOF, "reader error is sticky")
}

func TestPumpStream_BytesQueuedBeforeErrorAreDelivered(t *testing.T) {
	s := NewPumpStream(pipeRW{Reader: &eofReader{data: []byte("xyz")}, Writer: io.Discard}, nil)

	var got []byte
	for {
		b, err := s.ReadByteTimeout(0)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, b)
	}
	assert.Equal(t, []byte("xyz"), got)
}

// eofReader returns its data and io.EOF from the same Read call.
type eofReader struct{ data []byte }

func (r *eofReader) Read(p []byte) (int, error) {
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, io.EOF
}

func TestNewStream_NetConnUsesDeadlines(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	s := NewStream(local)
	_, ok := s.(*deadlineStream)
	require.True(t, ok, "net.Conn should use read deadlines, got %T", s)

	_, err := s.ReadByteTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoData)

	frame := packet(t, 2, []byte("hi"))
	go func() { _, _ = remote.Write(frame) }()

	f := NewFramer(s)
	f.PollInterval = 5 * time.Second
	require.NoError(t, f.Next(t.Context()))
	assert.Equal(t, byte(2), f.PipeID())
	assert.Equal(t, []byte("hi"), f.Payload())

	_ = remote.Close()
	_, err = s.ReadByteTimeout(time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

// fakePort behaves like a go.bug.st/serial port: a read that times out
// returns zero bytes and no error.
type fakePort struct {
	reads    [][]byte
	timeouts []time.Duration
	written  []byte
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.timeouts = append(p.timeouts, d)
	return nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, nil
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.written = append(p.written, b...)
	return len(b), nil
}

func TestNewStream_SerialPortUsesReadTimeout(t *testing.T) {
	port := &fakePort{reads: [][]byte{{1, 2}}}
	s := NewStream(port)
	_, ok := s.(*timeoutStream)
	require.True(t, ok, "serial port should use read timeouts, got %T", s)

	for _, want := range []byte{1, 2} {
		b, err := s.ReadByteTimeout(20 * time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, b)
	}
	_, err := s.ReadByteTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoData)

	// the timeout is applied once and only changed when it differs
	assert.Equal(t, []time.Duration{20 * time.Millisecond}, port.timeouts)

	_, err = s.Write([]byte{9})
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, port.written)
}
