package piper

import (
	"fmt"
	"sync"
)

// DefaultTableCapacity matches the two-pipe reference firmware.
const DefaultTableCapacity = 2

// Handler serves one request frame. The PacketStream is only valid until
// ServePipe returns.
type Handler interface {
	ServePipe(ps *PacketStream)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(ps *PacketStream)

// ServePipe calls f(ps).
func (f HandlerFunc) ServePipe(ps *PacketStream) { f(ps) }

// Table maps pipe ids to handlers. Ids at or beyond its capacity cannot be
// registered; the table never grows.
type Table struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewTable returns a table accepting pipe ids 0..capacity-1. Capacity is
// clamped to [1, MaxPipeID+1].
func NewTable(capacity int) *Table {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > MaxPipeID+1 {
		capacity = MaxPipeID + 1
	}
	return &Table{handlers: make([]Handler, capacity)}
}

// Capacity returns the number of addressable pipe ids.
func (t *Table) Capacity() int { return len(t.handlers) }

// Register stores h for pipeID, replacing any previous handler. If pipeID
// is beyond the table's capacity nothing is stored and ErrPipeOutOfRange is
// returned. A nil handler clears the entry.
func (t *Table) Register(pipeID byte, h Handler) error {
	if int(pipeID) >= len(t.handlers) {
		return fmt.Errorf("%w: pipe %d, capacity %d", ErrPipeOutOfRange, pipeID, len(t.handlers))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[pipeID] = h
	return nil
}

// Unregister clears the handler for pipeID.
func (t *Table) Unregister(pipeID byte) {
	_ = t.Register(pipeID, nil)
}

// Lookup returns the handler for pipeID, or false if none is set.
func (t *Table) Lookup(pipeID byte) (Handler, bool) {
	if int(pipeID) >= len(t.handlers) {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.handlers[pipeID]
	return h, h != nil
}

// Pipes lists the pipe ids that currently have a handler, in ascending order.
func (t *Table) Pipes() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []byte
	for id, h := range t.handlers {
		if h != nil {
			ids = append(ids, byte(id))
		}
	}
	return ids
}
