package piper

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/piper/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// gap is a script marker: the stream reports ErrNoData once at that point.
const gap = -1

// scriptStream is a deterministic ByteStream. Reads follow the script and
// report ErrNoData once it runs dry (or terminal, if set). Writes are
// captured.
type scriptStream struct {
	mu       sync.Mutex
	script   []int
	pos      int
	terminal error
	out      bytes.Buffer
	writeErr error
}

func newScriptStream(chunks ...[]byte) *scriptStream {
	s := &scriptStream{}
	for _, c := range chunks {
		s.push(c...)
	}
	return s
}

func (s *scriptStream) push(bs ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bs {
		s.script = append(s.script, int(b))
	}
}

func (s *scriptStream) pushGap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, gap)
}

func (s *scriptStream) ReadByteTimeout(time.Duration) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.script) {
		if s.terminal != nil {
			return 0, s.terminal
		}
		return 0, ErrNoData
	}
	v := s.script[s.pos]
	s.pos++
	if v == gap {
		return 0, ErrNoData
	}
	return byte(v), nil
}

func (s *scriptStream) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.script) - s.pos
}

func (s *scriptStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.out.Write(p)
}

func (s *scriptStream) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

// packet encodes one frame for use in scripts and expectations.
func packet(t *testing.T, pipeID byte, payload []byte) []byte {
	t.Helper()
	b, err := AppendPacket(nil, pipeID, payload)
	if err != nil {
		t.Fatalf("AppendPacket: %v", err)
	}
	return b
}

type parsedFrame struct {
	PipeID  byte
	Payload []byte
}

// parseAll decodes every well-formed frame in b, the way a peer would.
func parseAll(t *testing.T, b []byte) []parsedFrame {
	t.Helper()
	s := newScriptStream(b)
	s.terminal = io.EOF
	f := NewFramer(s)
	var frames []parsedFrame
	for {
		err := f.Next(t.Context())
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("parseAll: %v", err)
		}
		frames = append(frames, parsedFrame{PipeID: f.PipeID(), Payload: append([]byte{}, f.Payload()...)})
	}
}

// fakeSink records what a PacketStream asks of its engine.
type fakeSink struct {
	out         *writeBuffer
	w           bytes.Buffer
	flushes     int
	shortWrites int
}

func (s *fakeSink) flushResponse(pipeID byte) error {
	s.flushes++
	return s.out.flush(&s.w, pipeID)
}

func (s *fakeSink) noteShortWrite() { s.shortWrites++ }

type memRecorder struct {
	mu      sync.Mutex
	records []FrameRecord
	err     error
}

func (r *memRecorder) RecordFrame(rec FrameRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}
