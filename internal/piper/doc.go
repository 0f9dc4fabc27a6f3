// Package piper multiplexes small request/response exchanges over a single
// byte stream such as a serial line.
//
// Every frame on the wire is
//
//	0xBE | pipe id | length | payload (length bytes) | 0xEF
//
// There is no escaping and no checksum. The length field alone delimits
// the payload, so marker bytes may appear inside it; a frame is accepted
// only when the byte after the payload is the end marker. When that check
// fails the frame is dropped and scanning resumes from the next byte.
//
// The device side is an Engine: it reads one frame at a time, runs the
// Handler registered for the frame's pipe with a PacketStream over the
// request, and sends what the handler wrote back on the same pipe as one
// frame of at most MaxPayload bytes. Hosts that only need to encode and
// parse frames use WritePacket and Framer directly.
package piper
