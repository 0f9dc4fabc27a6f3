package piper

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePacket_Encoding(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, 0x07, []byte{0x01, 0x02, 0x03}))

	want := []byte{0xBE, 0x07, 0x03, 0x01, 0x02, 0x03, 0xEF}
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Errorf("WritePacket mismatch (-want +got):\n%s", diff)
	}
}

func TestWritePacket_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, 0xFF, nil))
	assert.Equal(t, []byte{0xBE, 0xFF, 0x00, 0xEF}, buf.Bytes())
}

func TestWritePacket_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WritePacket(&buf, 1, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, buf.Len(), "nothing should be written for an oversized payload")

	_, err = AppendPacket(nil, 1, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.ErrorIs(t, WriteEnd(&buf, make([]byte, 300)), ErrPayloadTooLarge)
}

func TestWriteBeginEnd_ComposeOneFrame(t *testing.T) {
	var split, whole bytes.Buffer
	require.NoError(t, WriteBegin(&split, 3))
	require.NoError(t, WriteEnd(&split, []byte("hi")))
	require.NoError(t, WritePacket(&whole, 3, []byte("hi")))
	assert.Equal(t, whole.Bytes(), split.Bytes())
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) - 1, nil }

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestWritePacket_WriterErrors(t *testing.T) {
	assert.ErrorIs(t, WritePacket(shortWriter{}, 1, []byte("x")), ErrShortWrite)

	boom := errors.New("boom")
	assert.ErrorIs(t, WritePacket(failingWriter{err: boom}, 1, []byte("x")), boom)
}

// Every payload length survives encode then parse with its pipe id intact.
func TestRoundTrip_AllLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for length := 0; length <= MaxPayload; length++ {
		payload := make([]byte, length)
		rng.Read(payload)
		pipeID := byte(rng.Intn(MaxPipeID + 1))

		s := newScriptStream(packet(t, pipeID, payload))
		f := NewFramer(s)
		require.NoError(t, f.Next(t.Context()), "length %d", length)

		if f.PipeID() != pipeID {
			t.Fatalf("length %d: pipe = %d, want %d", length, f.PipeID(), pipeID)
		}
		if diff := cmp.Diff(payload, f.Payload()); diff != "" {
			t.Fatalf("length %d: payload mismatch (-want +got):\n%s", length, diff)
		}
		if f.Len() != length {
			t.Fatalf("Len() = %d, want %d", f.Len(), length)
		}
	}
}

// Payloads made entirely of marker bytes still round trip because the
// length field, not the content, delimits the payload.
func TestRoundTrip_MarkerBytesInPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{PacketBegin, PacketEnd}, 20)
	s := newScriptStream(packet(t, 9, payload))
	f := NewFramer(s)
	require.NoError(t, f.Next(t.Context()))
	assert.Equal(t, payload, f.Payload())
}
