// Package packet encodes and decodes SRT packets. The layout matches
// libsrt bit for bit: a 16-byte header of big-endian 32-bit words followed
// by either a data payload or a control information field (CIF).
//
// [Decode] returns a [Packet], which is either a [*DataPacket] or a
// [*ControlPacket]. [Encode] and [AppendEncode] are the inverse.
package packet

import (
	"encoding/binary"

	"github.com/zsiec/srtkit/internal/seq"
)

// HeaderSize is the fixed size of every SRT packet header.
const HeaderSize = 16

const controlFlag = 0x80000000

// Header holds the fields shared by data and control packets.
type Header struct {
	Timestamp    uint32 // microseconds since the connection started
	DestSocketID uint32
}

// Packet is a decoded SRT packet: *DataPacket or *ControlPacket.
type Packet interface {
	Head() *Header
	isPacket()
}

// Position marks where a data packet sits within its message.
type Position uint8

// Message position values, as carried in the PP field.
const (
	PositionMiddle Position = 0b00
	PositionLast   Position = 0b01
	PositionFirst  Position = 0b10
	PositionSolo   Position = 0b11
)

// IsFirst reports whether the packet opens a message.
func (p Position) IsFirst() bool { return p&PositionFirst != 0 }

// IsLast reports whether the packet closes a message.
func (p Position) IsLast() bool { return p&PositionLast != 0 }

func (p Position) String() string {
	switch p {
	case PositionFirst:
		return "first"
	case PositionLast:
		return "last"
	case PositionSolo:
		return "solo"
	default:
		return "middle"
	}
}

// KeySpec names the encryption key a data packet was sealed with.
type KeySpec uint8

// Key specifiers carried in the KK field.
const (
	KeyNone KeySpec = 0b00
	KeyEven KeySpec = 0b01
	KeyOdd  KeySpec = 0b10
	KeyBoth KeySpec = 0b11 // only valid in key material messages
)

// DataPacket carries one fragment of a user message.
type DataPacket struct {
	Header
	Seq           seq.Number
	Position      Position
	InOrder       bool
	Key           KeySpec
	Retransmitted bool
	MsgNo         seq.Msg
	Payload       []byte
}

// Head implements Packet.
func (p *DataPacket) Head() *Header { return &p.Header }
func (*DataPacket) isPacket()       {}

// Encode serializes p into a new buffer.
func Encode(p Packet) []byte {
	return AppendEncode(nil, p)
}

// AppendEncode appends the wire form of p to dst.
func AppendEncode(dst []byte, p Packet) []byte {
	switch p := p.(type) {
	case *DataPacket:
		return appendData(dst, p)
	case *ControlPacket:
		return appendControl(dst, p)
	default:
		return dst
	}
}

func appendData(dst []byte, p *DataPacket) []byte {
	w1 := uint32(p.Position&0b11) << 30
	if p.InOrder {
		w1 |= 1 << 29
	}
	w1 |= uint32(p.Key&0b11) << 27
	if p.Retransmitted {
		w1 |= 1 << 26
	}
	w1 |= uint32(p.MsgNo) & seq.MsgMax

	dst = binary.BigEndian.AppendUint32(dst, uint32(p.Seq)&seq.Max)
	dst = binary.BigEndian.AppendUint32(dst, w1)
	dst = binary.BigEndian.AppendUint32(dst, p.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, p.DestSocketID)
	return append(dst, p.Payload...)
}

// Decode parses a datagram into a Packet. Data payloads and control CIFs
// are copied, so buf may be reused by the caller.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return nil, malformed("header")
	}
	w0 := binary.BigEndian.Uint32(buf[0:4])
	w1 := binary.BigEndian.Uint32(buf[4:8])
	h := Header{
		Timestamp:    binary.BigEndian.Uint32(buf[8:12]),
		DestSocketID: binary.BigEndian.Uint32(buf[12:16]),
	}

	if w0&controlFlag != 0 {
		return decodeControl(h, w0, w1, buf[HeaderSize:])
	}

	p := &DataPacket{
		Header:        h,
		Seq:           seq.New(w0),
		Position:      Position(w1 >> 30),
		InOrder:       w1&(1<<29) != 0,
		Key:           KeySpec((w1 >> 27) & 0b11),
		Retransmitted: w1&(1<<26) != 0,
		MsgNo:         seq.Msg(w1 & seq.MsgMax),
	}
	if n := len(buf) - HeaderSize; n > 0 {
		p.Payload = make([]byte, n)
		copy(p.Payload, buf[HeaderSize:])
	}
	return p, nil
}

// AuthData returns the header bytes of p that are stable across
// retransmissions (the R flag is masked). The encryption layer binds
// ciphertext to these bytes.
func AuthData(p *DataPacket) []byte {
	hdr := appendData(make([]byte, 0, HeaderSize), &DataPacket{
		Seq:      p.Seq,
		Position: p.Position,
		InOrder:  p.InOrder,
		Key:      p.Key,
		MsgNo:    p.MsgNo,
	})
	return hdr[:8]
}
