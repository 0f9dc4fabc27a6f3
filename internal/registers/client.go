package registers

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/piper/internal/serialmux"
)

// ErrShortReply is returned when a register read is answered with fewer
// bytes than the token's width.
var ErrShortReply = errors.New("registers: short reply")

// Client reads and writes device registers through a PipeMux.
type Client struct {
	mux serialmux.PipeMuxInterface
}

// NewClient returns a Client using mux.
func NewClient(mux serialmux.PipeMuxInterface) *Client {
	return &Client{mux: mux}
}

// Read performs a read token at addr and waits for the reply.
func (c *Client) Read(ctx context.Context, addr byte, tok Token) (uint16, error) {
	if tok.Width() == 0 || tok.IsWrite() {
		return 0, fmt.Errorf("registers: %v is not a read token", tok)
	}
	reply, err := c.mux.Request(ctx, RegisterPipe, EncodeRequest(addr, tok, 0))
	if err != nil {
		return 0, fmt.Errorf("%v 0x%02X: %w", tok, addr, err)
	}
	if len(reply.Payload) < tok.Width() {
		return 0, fmt.Errorf("%w: %v 0x%02X got %d bytes", ErrShortReply, tok, addr, len(reply.Payload))
	}
	if tok.Width() == 1 {
		return uint16(reply.Payload[0]), nil
	}
	return binary.LittleEndian.Uint16(reply.Payload), nil
}

// Write performs a write token at addr. The device does not acknowledge
// writes; a later read observes the new value because frames are handled in
// order.
func (c *Client) Write(addr byte, tok Token, value uint16) error {
	if !tok.IsWrite() {
		return fmt.Errorf("registers: %v is not a write token", tok)
	}
	return c.mux.SendPacket(RegisterPipe, EncodeRequest(addr, tok, value))
}

// ReadIO8 reads an 8-bit IO register.
func (c *Client) ReadIO8(ctx context.Context, addr byte) (byte, error) {
	v, err := c.Read(ctx, addr, ReadIO8)
	return byte(v), err
}

// WriteIO8 writes an 8-bit IO register.
func (c *Client) WriteIO8(addr, value byte) error {
	return c.Write(addr, WriteIO8, uint16(value))
}

// ReadMem16 reads a 16-bit memory-mapped register.
func (c *Client) ReadMem16(ctx context.Context, addr byte) (uint16, error) {
	return c.Read(ctx, addr, ReadMem16)
}

// WriteMem16 writes a 16-bit memory-mapped register.
func (c *Client) WriteMem16(addr byte, value uint16) error {
	return c.Write(addr, WriteMem16, value)
}

// SetInterrupt asks the device to start or stop notifying interrupt index.
func (c *Client) SetInterrupt(index byte, on bool) error {
	flag := InterruptDisable
	if on {
		flag = InterruptEnable
	}
	return c.mux.SendPacket(InterruptPipe, []byte{index, flag})
}

// WatchInterrupts calls fn with the index of every interrupt notification
// until ctx ends or the mux closes.
func (c *Client) WatchInterrupts(ctx context.Context, fn func(index byte)) error {
	id, ch := c.mux.Subscribe(int(InterruptPipe))
	defer c.mux.Unsubscribe(id)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return serialmux.ErrClosed
			}
			if len(p.Payload) > 0 {
				fn(p.Payload[0])
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
