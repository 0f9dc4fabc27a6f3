package piper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/timeutil"
)

const latencyWindowSize = 1024

// Engine is the device side of the protocol: it reads one frame at a time,
// hands it to the handler registered for its pipe and sends whatever the
// handler wrote back to the same pipe.
//
// The engine owns exactly one read slot (inside its Framer) and one write
// slot. Both are reused for every dispatch, which is why dispatch is
// strictly sequential: a handler must not start another dispatch.
type Engine struct {
	stream   ByteStream
	framer   *Framer
	table    *Table
	clock    timeutil.Clock
	recorder Recorder
	onFrame  FramingErrorFunc
	latency  *monitoring.LatencyWindow

	out     writeBuffer
	writeMu sync.Mutex

	stopped     atomic.Bool
	dispatching atomic.Bool

	dispatched  atomic.Uint64
	dropped     atomic.Uint64
	responses   atomic.Uint64
	shortWrites atomic.Uint64
	sent        atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithTableCapacity sets how many pipe ids (0..n-1) can have handlers.
func WithTableCapacity(n int) Option {
	return func(e *Engine) { e.table = NewTable(n) }
}

// WithPollInterval bounds each byte read. See Framer.PollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.framer.PollInterval = d }
}

// WithMaxDiscard sets Framer.MaxDiscard. The default of 0 never gives up.
func WithMaxDiscard(n int) Option {
	return func(e *Engine) { e.framer.MaxDiscard = n }
}

// WithClock replaces the clock used for dispatch timing and record stamps.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRecorder journals every parsed and sent frame.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithFramingErrorFunc observes frames dropped for a bad end marker.
func WithFramingErrorFunc(fn FramingErrorFunc) Option {
	return func(e *Engine) { e.onFrame = fn }
}

// NewEngine returns an engine reading frames from stream. Until handlers are
// registered every frame is dropped.
func NewEngine(stream ByteStream, opts ...Option) *Engine {
	e := &Engine{
		stream:  stream,
		framer:  NewFramer(stream),
		table:   NewTable(DefaultTableCapacity),
		clock:   timeutil.RealClock{},
		latency: monitoring.NewLatencyWindow(latencyWindowSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.framer.OnFramingError = e.framingError
	return e
}

func (e *Engine) framingError(fe FramingError) {
	monitoring.Debugf("piper: resync after %v (premature begin: %v)", fe, fe.PrematureBegin)
	if e.onFrame != nil {
		e.onFrame(fe)
	}
}

// Register installs h for pipeID, replacing any previous handler. Ids
// beyond the table capacity are not stored and yield ErrPipeOutOfRange.
func (e *Engine) Register(pipeID byte, h Handler) error {
	return e.table.Register(pipeID, h)
}

// RegisterFunc is Register for a plain function.
func (e *Engine) RegisterFunc(pipeID byte, f func(ps *PacketStream)) error {
	return e.table.Register(pipeID, HandlerFunc(f))
}

// Unregister removes the handler for pipeID; its frames are dropped again.
func (e *Engine) Unregister(pipeID byte) {
	e.table.Unregister(pipeID)
}

// Pipes lists the pipe ids with a registered handler.
func (e *Engine) Pipes() []byte {
	return e.table.Pipes()
}

// Capacity is the size of the handler table.
func (e *Engine) Capacity() int {
	return e.table.Capacity()
}

// ReadPacket runs one dispatch cycle: parse a frame, run its handler and
// flush the response. It returns ErrNoData when the stream was idle for a
// poll interval, and ErrReentrantDispatch if a cycle is already running.
func (e *Engine) ReadPacket(ctx context.Context) error {
	if !e.dispatching.CompareAndSwap(false, true) {
		return ErrReentrantDispatch
	}
	defer e.dispatching.Store(false)

	if err := e.framer.Next(ctx); err != nil {
		return err
	}
	return e.dispatch()
}

func (e *Engine) dispatch() error {
	pipeID := e.framer.PipeID()
	payload := e.framer.Payload()
	e.record(Inbound, pipeID, payload)

	e.out.reset()
	h, ok := e.table.Lookup(pipeID)
	if !ok {
		e.dropped.Add(1)
		monitoring.Debugf("piper: dropped %d byte frame for unregistered pipe %d", len(payload), pipeID)
		return nil
	}

	start := e.clock.Now()
	ps := newPacketStream(pipeID, payload, &e.out, e)
	err := e.serve(h, ps)
	e.latency.Observe(e.clock.Since(start))
	e.dispatched.Add(1)
	if err != nil {
		return fmt.Errorf("flush response on pipe %d: %w", pipeID, err)
	}
	return nil
}

// serve runs the handler and the implicit flush, then invalidates the view
// and the write slot even if the handler panics.
func (e *Engine) serve(h Handler, ps *PacketStream) error {
	defer func() {
		ps.release()
		e.out.reset()
	}()
	h.ServePipe(ps)
	return e.flushResponse(ps.pipeID)
}

func (e *Engine) flushResponse(pipeID byte) error {
	if e.out.len() == 0 {
		return nil
	}
	// flush empties the buffer, so copy the record first
	var rec *FrameRecord
	if e.recorder != nil {
		r := newRecord(Outbound, pipeID, e.out.bytes(), e.clock.Now())
		rec = &r
	}

	e.writeMu.Lock()
	err := e.out.flush(e.stream, pipeID)
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	e.responses.Add(1)
	if rec != nil {
		e.emit(*rec)
	}
	return nil
}

func (e *Engine) noteShortWrite() {
	e.shortWrites.Add(1)
}

// WritePacket sends a complete frame outside of any dispatch, for example an
// unsolicited notification. It is safe to call from any goroutine, including
// from inside a handler; it never touches the response buffer.
func (e *Engine) WritePacket(pipeID byte, payload []byte) error {
	e.writeMu.Lock()
	err := WritePacket(e.stream, pipeID, payload)
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	e.sent.Add(1)
	e.record(Outbound, pipeID, payload)
	return nil
}

func (e *Engine) record(dir Direction, pipeID byte, payload []byte) {
	if e.recorder == nil {
		return
	}
	e.emit(newRecord(dir, pipeID, payload, e.clock.Now()))
}

func (e *Engine) emit(rec FrameRecord) {
	if err := e.recorder.RecordFrame(rec); err != nil {
		monitoring.Logf("piper: failed to record %s frame on pipe %d: %v", rec.Direction, rec.PipeID, err)
	}
}

// Start runs the receive loop. It returns nil once a Stop request is seen
// between frames, ctx.Err() when ctx ends, or the stream's error if the
// stream fails. A Stop issued before Start makes it return at once. The
// request is cleared when Start returns, so the engine can be started again.
func (e *Engine) Start(ctx context.Context) error {
	defer e.stopped.Store(false)
	for {
		if e.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := e.ReadPacket(ctx)
		switch {
		case err == nil, errors.Is(err, ErrNoData):
		case errors.Is(err, ErrTooManyDiscarded):
			monitoring.Logf("piper: %v", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return fmt.Errorf("piper: receive loop: %w", err)
		}
	}
}

// Stop asks Start to return after the frame in progress, if any, has been
// dispatched and flushed.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// Stats is a snapshot of engine counters.
type Stats struct {
	FramerCounters
	Dispatched          uint64                    `json:"dispatched"`
	DroppedUnregistered uint64                    `json:"dropped_unregistered"`
	Responses           uint64                    `json:"responses"`
	ShortWrites         uint64                    `json:"short_writes"`
	Sent                uint64                    `json:"sent"`
	Latency             monitoring.LatencySummary `json:"latency"`
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramerCounters:      e.framer.Counters(),
		Dispatched:          e.dispatched.Load(),
		DroppedUnregistered: e.dropped.Load(),
		Responses:           e.responses.Load(),
		ShortWrites:         e.shortWrites.Load(),
		Sent:                e.sent.Load(),
		Latency:             e.latency.Summary(),
	}
}
