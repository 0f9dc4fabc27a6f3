package serialmux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/piper"
)

// Simulator stands in for a device on a serial line: a piper Engine runs on
// one end of an in-memory connection and a PipeMux on the other. Register
// handlers on Engine before calling Start.
type Simulator struct {
	Mux    *PipeMux[net.Conn]
	Engine *piper.Engine

	device net.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewSimulator wires an engine built with opts to a fresh PipeMux.
func NewSimulator(opts ...piper.Option) *Simulator {
	host, device := net.Pipe()
	return &Simulator{
		Mux:    NewPipeMux(host),
		Engine: piper.NewEngine(piper.NewStream(device), opts...),
		device: device,
	}
}

// Start runs the engine loop and the mux monitor until ctx ends or Close is
// called.
func (s *Simulator) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.keep(s.Engine.Start(ctx))
	}()
	go func() {
		defer s.wg.Done()
		s.keep(s.Mux.Monitor(ctx))
	}()
}

func (s *Simulator) keep(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	monitoring.Debugf("serialmux: simulator: %v", err)
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Close stops both loops and closes the connection. It returns the first
// unexpected error either loop ended with.
func (s *Simulator) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.Engine.Stop()
	_ = s.Mux.Close()
	_ = s.device.Close()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range s.errs {
		// the engine sees the pipe close once the mux side shuts down
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
	return nil
}
