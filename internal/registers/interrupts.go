package registers

import (
	"sync"

	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/piper"
)

// Interrupt enable flags in an interrupt pipe request.
const (
	InterruptDisable byte = 0x00
	InterruptEnable  byte = 0x01
)

// PacketWriter sends a complete frame outside of a dispatch.
// *piper.Engine implements it.
type PacketWriter interface {
	WritePacket(pipeID byte, payload []byte) error
}

// Interrupts tracks which interrupt vectors the host asked to hear about and
// notifies it when one of them fires. Requests on the interrupt pipe are
// [index][enable]; notifications are a single [index] byte.
type Interrupts struct {
	w PacketWriter

	mu      sync.Mutex
	enabled [256]bool
}

// NewInterrupts returns an Interrupts sending notifications through w.
func NewInterrupts(w PacketWriter) *Interrupts {
	return &Interrupts{w: w}
}

// ServePipe implements piper.Handler.
func (in *Interrupts) ServePipe(ps *piper.PacketStream) {
	index, err := ps.ReadByte()
	if err != nil {
		return
	}
	flag, err := ps.ReadByte()
	if err != nil {
		return
	}
	in.SetEnabled(index, flag != InterruptDisable)
}

// SetEnabled changes whether Trigger(index) notifies the host.
func (in *Interrupts) SetEnabled(index byte, on bool) {
	in.mu.Lock()
	in.enabled[index] = on
	in.mu.Unlock()
}

// Enabled reports whether index is enabled.
func (in *Interrupts) Enabled(index byte) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.enabled[index]
}

// Trigger notifies the host that interrupt index fired. It reports whether a
// notification was sent; disabled interrupts are ignored.
func (in *Interrupts) Trigger(index byte) (bool, error) {
	if !in.Enabled(index) {
		return false, nil
	}
	if err := in.w.WritePacket(InterruptPipe, []byte{index}); err != nil {
		monitoring.Logf("registers: interrupt %d notification failed: %v", index, err)
		return false, err
	}
	return true, nil
}

// Register installs a register file and interrupt handler on e and returns
// them.
func Register(e *piper.Engine) (*File, *Interrupts, error) {
	file := NewFile()
	ints := NewInterrupts(e)
	if err := e.Register(RegisterPipe, file); err != nil {
		return nil, nil, err
	}
	if err := e.Register(InterruptPipe, ints); err != nil {
		return nil, nil, err
	}
	return file, ints, nil
}
