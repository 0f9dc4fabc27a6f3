// Package registers implements the two example pipes of a piper device: a
// register file on pipe 0 and interrupt notifications on pipe 1, together
// with a host-side Client for both.
package registers

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/piper"
)

// Pipe assignments.
const (
	RegisterPipe  byte = 0x00
	InterruptPipe byte = 0x01
)

// Token selects the register operation in a register pipe request.
type Token byte

const (
	ReadIO8    Token = 0x01
	ReadIO16   Token = 0x02
	ReadMem8   Token = 0x03
	ReadMem16  Token = 0x04
	WriteIO8   Token = 0xF1
	WriteIO16  Token = 0xF2
	WriteMem8  Token = 0xF3
	WriteMem16 Token = 0xF4
)

// IOOffset is where the IO register space starts in data memory, as on AVR
// parts: IO address a is memory address a+IOOffset.
const IOOffset = 0x20

func (t Token) String() string {
	switch t {
	case ReadIO8:
		return "READ_IO8"
	case ReadIO16:
		return "READ_IO16"
	case ReadMem8:
		return "READ_MEM8"
	case ReadMem16:
		return "READ_MEM16"
	case WriteIO8:
		return "WRITE_IO8"
	case WriteIO16:
		return "WRITE_IO16"
	case WriteMem8:
		return "WRITE_MEM8"
	case WriteMem16:
		return "WRITE_MEM16"
	}
	return fmt.Sprintf("Token(0x%02X)", byte(t))
}

// Width is the value size in bytes the token reads or writes, or 0 for an
// unknown token.
func (t Token) Width() int {
	switch t {
	case ReadIO8, ReadMem8, WriteIO8, WriteMem8:
		return 1
	case ReadIO16, ReadMem16, WriteIO16, WriteMem16:
		return 2
	}
	return 0
}

// IsWrite reports whether t carries a value to store.
func (t Token) IsWrite() bool { return t&0xF0 == 0xF0 && t.Width() > 0 }

func (t Token) isIO() bool {
	switch t {
	case ReadIO8, ReadIO16, WriteIO8, WriteIO16:
		return true
	}
	return false
}

// EncodeRequest builds a register pipe payload. value is ignored for reads.
func EncodeRequest(addr byte, tok Token, value uint16) []byte {
	req := []byte{addr, byte(tok)}
	if !tok.IsWrite() {
		return req
	}
	if tok.Width() == 1 {
		return append(req, byte(value))
	}
	return binary.LittleEndian.AppendUint16(req, value)
}

// File is a simulated register file served on the register pipe. Reads
// answer with the value in little-endian order; writes and malformed
// requests produce no response.
type File struct {
	mu  sync.Mutex
	mem [IOOffset + 0x100 + 1]byte
}

// NewFile returns a zeroed register file.
func NewFile() *File { return &File{} }

func (f *File) index(tok Token, addr byte) int {
	if tok.isIO() {
		return int(addr) + IOOffset
	}
	return int(addr)
}

// Load returns the value a read with tok at addr would produce.
func (f *File) Load(tok Token, addr byte) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(tok, addr)
	if tok.Width() == 2 {
		return binary.LittleEndian.Uint16(f.mem[i : i+2])
	}
	return uint16(f.mem[i])
}

// Store sets the register(s) a write with tok at addr would set.
func (f *File) Store(tok Token, addr byte, value uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(tok, addr)
	if tok.Width() == 2 {
		binary.LittleEndian.PutUint16(f.mem[i:i+2], value)
		return
	}
	f.mem[i] = byte(value)
}

// ServePipe implements piper.Handler.
func (f *File) ServePipe(ps *piper.PacketStream) {
	addr, err := ps.ReadByte()
	if err != nil {
		return
	}
	b, err := ps.ReadByte()
	if err != nil {
		return
	}
	tok := Token(b)
	width := tok.Width()
	if width == 0 {
		monitoring.Debugf("registers: unknown token %v at 0x%02X", tok, addr)
		return
	}

	if tok.IsWrite() {
		if ps.Available() < width {
			monitoring.Debugf("registers: %v at 0x%02X missing value bytes", tok, addr)
			return
		}
		var raw [2]byte
		_, _ = ps.Read(raw[:width])
		f.Store(tok, addr, binary.LittleEndian.Uint16(raw[:]))
		return
	}

	var out [2]byte
	binary.LittleEndian.PutUint16(out[:], f.Load(tok, addr))
	_, _ = ps.Write(out[:width])
}
