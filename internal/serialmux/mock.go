package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// emptyReadDelay stands in for the port's read timeout when nothing is
// buffered, so a polling reader does not spin.
const emptyReadDelay = time.Millisecond

// TestableSerialPort is an in-memory TimeoutSerialPorter. Device bytes are
// queued with AddReadData and host writes collected for GetWrittenData. A
// Read with nothing queued returns (0, nil) after a short pause, the way a
// go.bug.st/serial port reports an expired read timeout, unless BlockReads
// is set.
type TestableSerialPort struct {
	mu     sync.Mutex
	wake   *sync.Cond
	device bytes.Buffer
	host   bytes.Buffer

	// ReadError and WriteError fail the next Read or Write once.
	ReadError  error
	WriteError error

	// BlockReads makes an empty Read wait for data or Close.
	BlockReads bool

	Closed      bool
	ReadTimeout time.Duration
}

// NewTestableSerialPort returns an open port with nothing queued.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.wake = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}

	if p.device.Len() == 0 {
		if p.BlockReads {
			for !p.Closed && p.device.Len() == 0 {
				p.wake.Wait()
			}
			if p.Closed {
				return 0, errPortClosed
			}
		} else {
			p.mu.Unlock()
			time.Sleep(emptyReadDelay)
			p.mu.Lock()
			if p.device.Len() == 0 {
				return 0, nil
			}
		}
	}
	return p.device.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	return p.host.Write(b)
}

// Close marks the port closed and wakes any blocked Read.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.wake.Broadcast()
	return nil
}

// SetReadTimeout records d; reads keep their fixed emptyReadDelay.
func (p *TestableSerialPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadTimeout = d
	return nil
}

// AddReadData queues bytes as if the device had sent them.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device.Write(data)
	p.wake.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.host.Bytes())
}
