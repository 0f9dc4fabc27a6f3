// Serialmux provides the host side of a piper link: a multiplexer over a
// single serial port that lets multiple clients subscribe to the pipes of
// the device on the other end and send packets to it.
package serialmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/piper"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("pipe mux closed")
)

const (
	// DefaultMaxQueueLen bounds the packets kept per pipe for ReadPacket.
	DefaultMaxQueueLen = 100
	// DefaultMaxDiscard is how many bytes Monitor skips without finding a
	// frame before deciding the peer does not speak piper.
	DefaultMaxDiscard = 512

	subscriberBuffer = 16
)

// Packet is one frame received from the device.
type Packet struct {
	PipeID  byte      `json:"pipe_id"`
	Payload []byte    `json:"payload"`
	At      time.Time `json:"at"`
}

// AllPipes subscribes to every pipe without affecting queueing.
const AllPipes = -1

type subscriber struct {
	pipe int
	ch   chan Packet
}

// PipeMux is a host-side piper multiplexer over one port. A single Monitor
// goroutine parses frames; each one goes to the subscribers of its pipe, or
// to that pipe's queue when it has none.
type PipeMux[T SerialPorter] struct {
	port   T
	framer *piper.Framer

	// MaxQueueLen bounds each pipe's queue; the oldest packet is dropped
	// when a new one arrives at a full queue. Set before Monitor runs.
	MaxQueueLen int

	subscribers  map[string]subscriber
	subscriberMu sync.Mutex

	queues  map[byte][]Packet
	arrived chan struct{}
	// awaiting marks pipes with a Request in flight; their packets are
	// queued even when a subscriber also receives them
	awaiting map[byte]bool
	queueMu  sync.Mutex

	commandMu sync.Mutex
	requestMu sync.Mutex

	closing atomic.Bool
	done    chan struct{}

	received    atomic.Uint64
	queued      atomic.Uint64
	queueDrops  atomic.Uint64
	fanoutDrops atomic.Uint64
	sent        atomic.Uint64
}

// PipeMuxInterface defines the interface for the PipeMux type.
type PipeMuxInterface interface {
	// Subscribe creates a new channel receiving the packets of one pipe,
	// or of every pipe when pipe is AllPipes. The returned ID is used to
	// unsubscribe.
	Subscribe(pipe int) (string, chan Packet)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendPacket writes one frame to the port.
	SendPacket(pipeID byte, payload []byte) error
	// ReadPacket returns the oldest queued packet for a pipe, waiting for
	// one if the queue is empty.
	ReadPacket(ctx context.Context, pipeID byte) (Packet, error)
	// Request sends a packet and waits for the next packet on the same pipe.
	Request(ctx context.Context, pipeID byte, payload []byte) (Packet, error)
	// Monitor reads frames from the port and routes them.
	Monitor(context.Context) error
	// Stats returns a snapshot of the mux counters.
	Stats() MuxStats
	// Close closes all subscribed channels and closes the port.
	Close() error
}

var _ PipeMuxInterface = (*PipeMux[SerialPorter])(nil)

// NewPipeMux creates a PipeMux reading and writing frames on port.
func NewPipeMux[T SerialPorter](port T) *PipeMux[T] {
	framer := piper.NewFramer(piper.NewStream(port))
	framer.MaxDiscard = DefaultMaxDiscard
	return &PipeMux[T]{
		port:        port,
		framer:      framer,
		MaxQueueLen: DefaultMaxQueueLen,
		subscribers: make(map[string]subscriber),
		queues:      make(map[byte][]Packet),
		awaiting:    make(map[byte]bool),
		arrived:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Subscribe implements PipeMuxInterface. Delivery never blocks Monitor: a
// subscriber that falls more than a few packets behind misses packets.
func (m *PipeMux[T]) Subscribe(pipe int) (string, chan Packet) {
	id := uuid.NewString()
	ch := make(chan Packet, subscriberBuffer)

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closing.Load() {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = subscriber{pipe: pipe, ch: ch}
	return id, ch
}

// Unsubscribe removes a subscriber from the mux.
func (m *PipeMux[T]) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if sub, ok := m.subscribers[id]; ok {
		close(sub.ch)
		delete(m.subscribers, id)
	}
}

// SendPacket writes one frame to the port.
func (m *PipeMux[T]) SendPacket(pipeID byte, payload []byte) error {
	if m.closing.Load() {
		return ErrClosed
	}
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	if err := piper.WritePacket(m.port, pipeID, payload); err != nil {
		if errors.Is(err, piper.ErrPayloadTooLarge) {
			return err
		}
		return fmt.Errorf("%w: pipe %d: %w", ErrWriteFailed, pipeID, err)
	}
	m.sent.Add(1)
	return nil
}

// ReadPacket returns the oldest queued packet for pipeID. Packets are only
// queued for pipes without a subscriber, or with a Request in flight.
func (m *PipeMux[T]) ReadPacket(ctx context.Context, pipeID byte) (Packet, error) {
	for {
		m.queueMu.Lock()
		if q := m.queues[pipeID]; len(q) > 0 {
			p := q[0]
			m.queues[pipeID] = q[1:]
			m.queueMu.Unlock()
			return p, nil
		}
		arrived := m.arrived
		m.queueMu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		case <-m.done:
			return Packet{}, ErrClosed
		}
	}
}

// Request sends payload on pipeID and returns the next packet received on
// that pipe. Stale packets already queued for the pipe are dropped first so
// the reply cannot be confused with an earlier one. The reply is returned
// even if the pipe has subscribers; they receive it as well. Concurrent
// requests are serialised.
func (m *PipeMux[T]) Request(ctx context.Context, pipeID byte, payload []byte) (Packet, error) {
	m.requestMu.Lock()
	defer m.requestMu.Unlock()

	m.setAwaiting(pipeID, true)
	defer m.setAwaiting(pipeID, false)

	if n := m.DropQueued(pipeID); n > 0 {
		monitoring.Debugf("serialmux: dropped %d stale packets on pipe %d before request", n, pipeID)
	}
	if err := m.SendPacket(pipeID, payload); err != nil {
		return Packet{}, err
	}
	p, err := m.ReadPacket(ctx, pipeID)
	if err == nil && m.hasSubscriber(pipeID) {
		// anything else queued meanwhile already went to the subscribers
		m.DropQueued(pipeID)
	}
	return p, err
}

func (m *PipeMux[T]) setAwaiting(pipeID byte, on bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if on {
		m.awaiting[pipeID] = true
	} else {
		delete(m.awaiting, pipeID)
	}
}

func (m *PipeMux[T]) hasSubscriber(pipeID byte) bool {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for _, sub := range m.subscribers {
		if sub.pipe == int(pipeID) {
			return true
		}
	}
	return false
}

// DropQueued empties the queue for pipeID and returns how many packets it
// held.
func (m *PipeMux[T]) DropQueued(pipeID byte) int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	n := len(m.queues[pipeID])
	delete(m.queues, pipeID)
	return n
}

// Queued returns how many packets are waiting for pipeID.
func (m *PipeMux[T]) Queued(pipeID byte) int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queues[pipeID])
}

// Monitor reads frames from the port until ctx ends, the mux is closed or
// the port fails.
func (m *PipeMux[T]) Monitor(ctx context.Context) error {
	for {
		if m.closing.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.framer.Next(ctx)
		switch {
		case err == nil:
			m.route(Packet{
				PipeID:  m.framer.PipeID(),
				Payload: append([]byte(nil), m.framer.Payload()...),
				At:      time.Now(),
			})
		case errors.Is(err, piper.ErrNoData):
		case m.closing.Load():
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, piper.ErrTooManyDiscarded):
			return fmt.Errorf("%w; port probably isn't a piper transmitter", err)
		default:
			return fmt.Errorf("serialmux: monitor: %w", err)
		}
	}
}

func (m *PipeMux[T]) route(p Packet) {
	m.received.Add(1)

	delivered := false
	m.subscriberMu.Lock()
	for _, sub := range m.subscribers {
		if sub.pipe != AllPipes && sub.pipe != int(p.PipeID) {
			continue
		}
		if sub.pipe != AllPipes {
			delivered = true
		}
		select {
		case sub.ch <- p:
		default:
			// skip slow subscribers so as not to block the monitor loop
			m.fanoutDrops.Add(1)
		}
	}
	m.subscriberMu.Unlock()

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if !delivered || m.awaiting[p.PipeID] {
		m.enqueue(p)
	}
}

// enqueue is called with queueMu held.
func (m *PipeMux[T]) enqueue(p Packet) {

	q := m.queues[p.PipeID]
	if limit := m.MaxQueueLen; limit > 0 && len(q) >= limit {
		q = q[len(q)-limit+1:]
		m.queueDrops.Add(1)
	}
	m.queues[p.PipeID] = append(q, p)
	m.queued.Add(1)

	close(m.arrived)
	m.arrived = make(chan struct{})
}

// MuxStats is a snapshot of the mux counters.
type MuxStats struct {
	piper.FramerCounters
	Received    uint64 `json:"received"`
	Queued      uint64 `json:"queued"`
	QueueDrops  uint64 `json:"queue_drops"`
	FanoutDrops uint64 `json:"fanout_drops"`
	Sent        uint64 `json:"sent"`
}

// Stats implements PipeMuxInterface.
func (m *PipeMux[T]) Stats() MuxStats {
	return MuxStats{
		FramerCounters: m.framer.Counters(),
		Received:       m.received.Load(),
		Queued:         m.queued.Load(),
		QueueDrops:     m.queueDrops.Load(),
		FanoutDrops:    m.fanoutDrops.Load(),
		Sent:           m.sent.Load(),
	}
}

// Close closes every subscriber channel, wakes pending readers and closes
// the port. Calling it more than once is harmless.
func (m *PipeMux[T]) Close() error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)

	m.subscriberMu.Lock()
	for id, sub := range m.subscribers {
		close(sub.ch)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()

	return m.port.Close()
}
