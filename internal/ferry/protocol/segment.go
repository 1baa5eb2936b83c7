// Package protocol implements the Ferry datagram format and framing.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// PayloadSize is the fixed on-wire budget of one datagram
	PayloadSize = 512

	// HeaderSize is the encoded header length in bytes
	HeaderSize = 17

	// MaxDataSize is the maximum payload carried by one segment
	MaxDataSize = PayloadSize - HeaderSize
)

// Flags represent the control bits in the segment header
type Flags uint8

const (
	FlagEOF Flags = 1 << iota // last segment of the file
	FlagFLN                   // payload carries the requested filename
	FlagPOT                   // payload carries the private port number
	FlagWND                   // window update
	FlagPOB                   // window probe
)

// Segment is one framed datagram. Seq 0 is reserved for the handshake;
// file data always starts at seq 1, which lets an all-zero Segment act
// as the empty-slot sentinel in the receive buffer.
type Segment struct {
	Seq   uint32 // sender-assigned monotonic datagram number
	Ack   uint32 // cumulative ACK: next expected seq at receiver
	Ts    uint32 // millisecond timestamp set by sender, echoed in ACKs
	Wnd   uint16 // receiver-advertised free slots
	Len   uint16 // bytes of valid payload
	Flags Flags
	Data  [MaxDataSize]byte
}

// SetData copies p into the segment payload and sets Len.
func (s *Segment) SetData(p []byte) error {
	if len(p) > MaxDataSize {
		return fmt.Errorf("payload too large: %d > %d", len(p), MaxDataSize)
	}
	copy(s.Data[:], p)
	s.Len = uint16(len(p))
	return nil
}

// Payload returns the valid payload bytes.
func (s *Segment) Payload() []byte {
	return s.Data[:s.Len]
}

// HasFlag checks if a specific flag is set
func (s *Segment) HasFlag(flag Flags) bool {
	return s.Flags&flag != 0
}

// SetFlag sets a specific flag
func (s *Segment) SetFlag(flag Flags) {
	s.Flags |= flag
}

// WireSize returns the number of bytes the segment occupies on the wire.
func (s *Segment) WireSize() int {
	return HeaderSize + int(s.Len)
}

// MarshalTo encodes the segment into buf in little-endian order and
// returns the number of bytes written (header + Len). buf must hold at
// least WireSize() bytes; no allocation is performed.
func (s *Segment) MarshalTo(buf []byte) (int, error) {
	if int(s.Len) > MaxDataSize {
		return 0, fmt.Errorf("invalid payload length: %d > %d", s.Len, MaxDataSize)
	}
	n := s.WireSize()
	if len(buf) < n {
		return 0, fmt.Errorf("marshal buffer too small: need %d bytes, got %d", n, len(buf))
	}

	binary.LittleEndian.PutUint32(buf[0:4], s.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], s.Ack)
	binary.LittleEndian.PutUint32(buf[8:12], s.Ts)
	binary.LittleEndian.PutUint16(buf[12:14], s.Wnd)
	binary.LittleEndian.PutUint16(buf[14:16], s.Len)
	buf[16] = uint8(s.Flags)
	copy(buf[HeaderSize:n], s.Data[:s.Len])

	return n, nil
}

// Unmarshal decodes data into the segment. The segment is zero-filled
// first so a short datagram cannot leak state from a previous decode.
func (s *Segment) Unmarshal(data []byte) error {
	*s = Segment{}

	if len(data) < HeaderSize {
		return fmt.Errorf("datagram too small: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	s.Seq = binary.LittleEndian.Uint32(data[0:4])
	s.Ack = binary.LittleEndian.Uint32(data[4:8])
	s.Ts = binary.LittleEndian.Uint32(data[8:12])
	s.Wnd = binary.LittleEndian.Uint16(data[12:14])
	s.Len = binary.LittleEndian.Uint16(data[14:16])
	s.Flags = Flags(data[16])

	if int(s.Len) > MaxDataSize {
		return fmt.Errorf("invalid payload length: %d > %d", s.Len, MaxDataSize)
	}
	if int(s.Len) > len(data)-HeaderSize {
		return fmt.Errorf("truncated payload: header says %d bytes, datagram carries %d", s.Len, len(data)-HeaderSize)
	}
	copy(s.Data[:s.Len], data[HeaderSize:HeaderSize+int(s.Len)])

	return nil
}

// String returns a string representation of the segment header
func (s *Segment) String() string {
	return fmt.Sprintf("Segment{Seq:%d, Ack:%d, Ts:%d, Wnd:%d, Len:%d, Flags:%s}",
		s.Seq, s.Ack, s.Ts, s.Wnd, s.Len, s.Flags)
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	out := ""
	if f&FlagEOF != 0 {
		out += "E"
	}
	if f&FlagFLN != 0 {
		out += "F"
	}
	if f&FlagPOT != 0 {
		out += "P"
	}
	if f&FlagWND != 0 {
		out += "W"
	}
	if f&FlagPOB != 0 {
		out += "B"
	}
	return out
}
