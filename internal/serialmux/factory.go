package serialmux

import (
	"context"
	"fmt"
	"net"

	"go.bug.st/serial"
)

// OpenPort opens the serial device at path with opts applied.
func OpenPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// RealPortFactory opens go.bug.st/serial ports.
var RealPortFactory SerialPortFactory = SerialPortOpener(func(path string, opts PortOptions) (SerialPorter, error) {
	return OpenPort(path, opts)
})

// NewRealPipeMux creates a PipeMux backed by a real serial port at the given
// path using the provided serial options.
func NewRealPipeMux(path string, opts PortOptions) (*PipeMux[serial.Port], error) {
	port, err := OpenPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewPipeMux(port), nil
}

// DialPipeMux connects to a piper peer listening on a TCP address, such as a
// daemon started with -tcp or a serial-to-network bridge.
func DialPipeMux(ctx context.Context, addr string) (*PipeMux[net.Conn], error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewPipeMux(conn), nil
}
