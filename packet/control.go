package packet

import (
	"encoding/binary"

	"github.com/zsiec/srtkit/internal/seq"
)

// ControlType identifies a control packet.
type ControlType uint16

// Control packet types (SRT reference values).
const (
	CtrlHandshake         ControlType = 0x0000
	CtrlKeepAlive         ControlType = 0x0001
	CtrlACK               ControlType = 0x0002
	CtrlNAK               ControlType = 0x0003
	CtrlCongestionWarning ControlType = 0x0004
	CtrlShutdown          ControlType = 0x0005
	CtrlACKACK            ControlType = 0x0006
	CtrlDropRequest       ControlType = 0x0007
	CtrlPeerError         ControlType = 0x0008
	CtrlUserDefined       ControlType = 0x7FFF
)

// Subtypes of CtrlUserDefined.
const (
	SubtypeNone  uint16 = 0
	SubtypeHSReq uint16 = 1
	SubtypeHSRsp uint16 = 2
	SubtypeKMReq uint16 = 3
	SubtypeKMRsp uint16 = 4
)

func (t ControlType) String() string {
	switch t {
	case CtrlHandshake:
		return "handshake"
	case CtrlKeepAlive:
		return "keepalive"
	case CtrlACK:
		return "ack"
	case CtrlNAK:
		return "nak"
	case CtrlCongestionWarning:
		return "congestion-warning"
	case CtrlShutdown:
		return "shutdown"
	case CtrlACKACK:
		return "ackack"
	case CtrlDropRequest:
		return "dropreq"
	case CtrlPeerError:
		return "peer-error"
	case CtrlUserDefined:
		return "user-defined"
	default:
		return "unknown"
	}
}

// CIF is the control information field of a control packet. The concrete
// type is determined by the control type and subtype.
type CIF interface {
	appendTo(dst []byte) []byte
}

// ControlPacket is a decoded control packet.
type ControlPacket struct {
	Header
	Type    ControlType
	Subtype uint16
	// Info is the type-specific information word: the ACK number for ACK
	// and ACKACK, the message number for drop requests, the error code for
	// peer errors.
	Info uint32
	CIF  CIF
}

// Head implements Packet.
func (p *ControlPacket) Head() *Header { return &p.Header }
func (*ControlPacket) isPacket()       {}

// ACK is the CIF of an acknowledgement. LastACK is the sequence number
// following the last packet received contiguously. A light ACK carries only
// LastACK.
type ACK struct {
	LastACK         seq.Number
	Light           bool
	RTT             uint32 // microseconds
	RTTVar          uint32 // microseconds
	AvailableBuffer uint32 // packets
	PacketRecvRate  uint32 // packets per second
	LinkCapacity    uint32 // packets per second
	RecvRate        uint32 // bytes per second
}

func (a *ACK) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(a.LastACK))
	if a.Light {
		return dst
	}
	for _, v := range [...]uint32{a.RTT, a.RTTVar, a.AvailableBuffer, a.PacketRecvRate, a.LinkCapacity, a.RecvRate} {
		dst = binary.BigEndian.AppendUint32(dst, v)
	}
	return dst
}

func decodeACK(b []byte) (*ACK, error) {
	if len(b) < 4 {
		return nil, malformed("ack")
	}
	a := &ACK{LastACK: seq.New(binary.BigEndian.Uint32(b))}
	if len(b) < 16 {
		a.Light = true
		return a, nil
	}
	fields := []*uint32{&a.RTT, &a.RTTVar, &a.AvailableBuffer, &a.PacketRecvRate, &a.LinkCapacity, &a.RecvRate}
	for i, f := range fields {
		off := 4 + 4*i
		if off+4 > len(b) {
			break
		}
		*f = binary.BigEndian.Uint32(b[off:])
	}
	return a, nil
}

// LossRange is an inclusive range of lost sequence numbers.
type LossRange struct {
	From, To seq.Number
}

// NAK is the CIF of a negative acknowledgement.
type NAK struct {
	Loss []LossRange
}

func (n *NAK) appendTo(dst []byte) []byte {
	for _, v := range CompressLossList(n.Loss) {
		dst = binary.BigEndian.AppendUint32(dst, v)
	}
	return dst
}

func decodeNAK(b []byte) (*NAK, error) {
	if len(b)%4 != 0 || len(b) == 0 {
		return nil, malformed("nak")
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	loss, err := DecompressLossList(words)
	if err != nil {
		return nil, err
	}
	return &NAK{Loss: loss}, nil
}

// DropRequest asks the receiver to stop waiting for a range of packets.
type DropRequest struct {
	First, Last seq.Number
}

func (d *DropRequest) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(d.First))
	return binary.BigEndian.AppendUint32(dst, uint32(d.Last))
}

// KeyMaterial carries an encoded key material message (KMREQ/KMRSP). The
// layout is interpreted by the encryption layer, not the codec.
type KeyMaterial struct {
	Data []byte
}

func (k *KeyMaterial) appendTo(dst []byte) []byte {
	return append(dst, k.Data...)
}

// pad is the 4-byte zero body libsrt attaches to
// control packets without a CIF.
var pad = []byte{0, 0, 0, 0}

func appendControl(dst []byte, p *ControlPacket) []byte {
	w0 := controlFlag | uint32(p.Type&0x7FFF)<<16 | uint32(p.Subtype)
	dst = binary.BigEndian.AppendUint32(dst, w0)
	dst = binary.BigEndian.AppendUint32(dst, p.Info)
	dst = binary.BigEndian.AppendUint32(dst, p.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, p.DestSocketID)
	if p.CIF == nil {
		switch p.Type {
		case CtrlKeepAlive, CtrlShutdown, CtrlACKACK:
			dst = append(dst, pad...)
		}
		return dst
	}
	return p.CIF.appendTo(dst)
}

func decodeControl(h Header, w0, w1 uint32, body []byte) (*ControlPacket, error) {
	p := &ControlPacket{
		Header:  h,
		Type:    ControlType((w0 >> 16) & 0x7FFF),
		Subtype: uint16(w0),
		Info:    w1,
	}

	var err error
	switch p.Type {
	case CtrlHandshake:
		p.CIF, err = decodeHandshake(body)
	case CtrlKeepAlive, CtrlShutdown, CtrlACKACK, CtrlCongestionWarning, CtrlPeerError:
		// no CIF
	case CtrlACK:
		p.CIF, err = decodeACK(body)
	case CtrlNAK:
		p.CIF, err = decodeNAK(body)
	case CtrlDropRequest:
		if len(body) < 8 {
			return nil, malformed("dropreq")
		}
		p.CIF = &DropRequest{
			First: seq.New(binary.BigEndian.Uint32(body[0:4])),
			Last:  seq.New(binary.BigEndian.Uint32(body[4:8])),
		}
	case CtrlUserDefined:
		switch p.Subtype {
		case SubtypeHSReq, SubtypeHSRsp:
			p.CIF, err = decodeSRTHandshake(body)
		case SubtypeKMReq, SubtypeKMRsp:
			if len(body) < 4 {
				return nil, malformed("key material")
			}
			p.CIF = &KeyMaterial{Data: append([]byte(nil), body...)}
		default:
			return nil, &ParseError{Field: "user-defined subtype", Err: ErrUnknownControlSubtype}
		}
	default:
		return nil, &ParseError{Field: "control type", Err: ErrUnknownControlSubtype}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
