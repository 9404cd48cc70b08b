package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/zsiec/srtkit/internal/seq"
)

// HandshakeType is the handshake type field. Values at or above
// RejectBase carry a rejection reason instead of a handshake stage.
type HandshakeType uint32

// Handshake stages.
const (
	HSWaveAHand  HandshakeType = 0x00000000
	HSInduction  HandshakeType = 0x00000001
	HSConclusion HandshakeType = 0xFFFFFFFF
	HSAgreement  HandshakeType = 0xFFFFFFFE
	HSDone       HandshakeType = 0xFFFFFFFD
)

// RejectBase is the first handshake type value that encodes a rejection.
const RejectBase = 1000

// IsRejection reports whether t encodes a rejection reason.
func (t HandshakeType) IsRejection() bool {
	return t >= RejectBase && t < 0x80000000
}

func (t HandshakeType) String() string {
	switch t {
	case HSWaveAHand:
		return "waveahand"
	case HSInduction:
		return "induction"
	case HSConclusion:
		return "conclusion"
	case HSAgreement:
		return "agreement"
	case HSDone:
		return "done"
	}
	if t.IsRejection() {
		return "rejection"
	}
	return "unknown"
}

// Handshake magic and version constants.
const (
	// MagicCode is placed in the extension field of a version 5 induction
	// response.
	MagicCode uint16 = 0x4A17
	// SocketTypeDgram is the extension field of a version 4 induction
	// request.
	SocketTypeDgram uint16 = 2
)

// Extension field flags in a version 5 conclusion.
const (
	ExtFlagHSReq  uint16 = 0x1
	ExtFlagKMReq  uint16 = 0x2
	ExtFlagConfig uint16 = 0x4
)

// Handshake extension block types.
const (
	ExtHSReq      uint16 = 1
	ExtHSRsp      uint16 = 2
	ExtKMReq      uint16 = 3
	ExtKMRsp      uint16 = 4
	ExtSID        uint16 = 5
	ExtCongestion uint16 = 6
	ExtFilter     uint16 = 7
	ExtGroup      uint16 = 8
)

// Encryption field values advertising an AES key length.
const (
	EncryptionNone   uint16 = 0
	EncryptionAES128 uint16 = 2
	EncryptionAES192 uint16 = 3
	EncryptionAES256 uint16 = 4
)

// KeyLenFromEncryption converts an encryption field value to a key length
// in bytes, or 0.
func KeyLenFromEncryption(v uint16) int {
	switch v {
	case EncryptionAES128:
		return 16
	case EncryptionAES192:
		return 24
	case EncryptionAES256:
		return 32
	default:
		return 0
	}
}

// EncryptionFromKeyLen converts a key length in bytes to an encryption
// field value.
func EncryptionFromKeyLen(n int) uint16 {
	switch n {
	case 16:
		return EncryptionAES128
	case 24:
		return EncryptionAES192
	case 32:
		return EncryptionAES256
	default:
		return EncryptionNone
	}
}

// Extension is a raw handshake extension block. Data is padded to a
// multiple of four bytes on the wire.
type Extension struct {
	Type uint16
	Data []byte
}

// Handshake is the CIF of a handshake control packet.
type Handshake struct {
	Version    uint32
	Encryption uint16
	Extension  uint16
	InitialSeq seq.Number
	MSS        uint32
	FlowWindow uint32
	Type       HandshakeType
	SocketID   uint32
	Cookie     uint32
	PeerIP     [16]byte
	Extensions []Extension
}

const handshakeSize = 48

// Ext returns the first extension block of type t.
func (h *Handshake) Ext(t uint16) (Extension, bool) {
	for _, e := range h.Extensions {
		if e.Type == t {
			return e, true
		}
	}
	return Extension{}, false
}

// SetPeerIP stores addr in the reference layout: IPv4 in the first word,
// IPv6 as four little-endian words.
func (h *Handshake) SetPeerIP(addr netip.Addr) {
	h.PeerIP = [16]byte{}
	if addr.Is4() || addr.Is4In6() {
		a := addr.Unmap().As4()
		h.PeerIP[0], h.PeerIP[1], h.PeerIP[2], h.PeerIP[3] = a[3], a[2], a[1], a[0]
		return
	}
	a := addr.As16()
	for w := 0; w < 4; w++ {
		for i := 0; i < 4; i++ {
			h.PeerIP[4*w+i] = a[4*w+3-i]
		}
	}
}

func (h *Handshake) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Version)
	dst = binary.BigEndian.AppendUint16(dst, h.Encryption)
	dst = binary.BigEndian.AppendUint16(dst, h.Extension)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.InitialSeq))
	dst = binary.BigEndian.AppendUint32(dst, h.MSS)
	dst = binary.BigEndian.AppendUint32(dst, h.FlowWindow)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Type))
	dst = binary.BigEndian.AppendUint32(dst, h.SocketID)
	dst = binary.BigEndian.AppendUint32(dst, h.Cookie)
	dst = append(dst, h.PeerIP[:]...)
	for _, e := range h.Extensions {
		words := (len(e.Data) + 3) / 4
		dst = binary.BigEndian.AppendUint16(dst, e.Type)
		dst = binary.BigEndian.AppendUint16(dst, uint16(words))
		dst = append(dst, e.Data...)
		for i := len(e.Data); i < words*4; i++ {
			dst = append(dst, 0)
		}
	}
	return dst
}

func decodeHandshake(b []byte) (*Handshake, error) {
	if len(b) < handshakeSize {
		return nil, malformed("handshake")
	}
	h := &Handshake{
		Version:    binary.BigEndian.Uint32(b[0:4]),
		Encryption: binary.BigEndian.Uint16(b[4:6]),
		Extension:  binary.BigEndian.Uint16(b[6:8]),
		InitialSeq: seq.New(binary.BigEndian.Uint32(b[8:12])),
		MSS:        binary.BigEndian.Uint32(b[12:16]),
		FlowWindow: binary.BigEndian.Uint32(b[16:20]),
		Type:       HandshakeType(binary.BigEndian.Uint32(b[20:24])),
		SocketID:   binary.BigEndian.Uint32(b[24:28]),
		Cookie:     binary.BigEndian.Uint32(b[28:32]),
	}
	copy(h.PeerIP[:], b[32:48])

	rest := b[handshakeSize:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, malformed("handshake extension header")
		}
		typ := binary.BigEndian.Uint16(rest[0:2])
		size := int(binary.BigEndian.Uint16(rest[2:4])) * 4
		rest = rest[4:]
		if size > len(rest) {
			return nil, malformed("handshake extension body")
		}
		h.Extensions = append(h.Extensions, Extension{
			Type: typ,
			Data: append([]byte{}, rest[:size]...),
		})
		rest = rest[size:]
	}
	return h, nil
}

// SRT option flags carried in HSREQ/HSRSP.
const (
	FlagTSBPDSnd     uint32 = 0x00000001
	FlagTSBPDRcv     uint32 = 0x00000002
	FlagHaiCrypt     uint32 = 0x00000004
	FlagTLPktDrop    uint32 = 0x00000008
	FlagNAKReport    uint32 = 0x00000010
	FlagRexmitFlag   uint32 = 0x00000020
	FlagStream       uint32 = 0x00000040
	FlagPacketFilter uint32 = 0x00000080
)

// SRTHandshake is the content of an HSREQ/HSRSP extension and the CIF of
// the equivalent user-defined control packets.
type SRTHandshake struct {
	Version     uint32
	Flags       uint32
	RecvLatency uint16 // milliseconds
	SendLatency uint16 // milliseconds
}

// Encode returns the 12-byte wire form.
func (s *SRTHandshake) Encode() []byte {
	return s.appendTo(make([]byte, 0, 12))
}

func (s *SRTHandshake) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, s.Version)
	dst = binary.BigEndian.AppendUint32(dst, s.Flags)
	dst = binary.BigEndian.AppendUint16(dst, s.RecvLatency)
	return binary.BigEndian.AppendUint16(dst, s.SendLatency)
}

// DecodeSRTHandshake parses HSREQ/HSRSP content.
func DecodeSRTHandshake(b []byte) (*SRTHandshake, error) {
	return decodeSRTHandshake(b)
}

func decodeSRTHandshake(b []byte) (*SRTHandshake, error) {
	if len(b) < 12 {
		return nil, malformed("srt handshake extension")
	}
	return &SRTHandshake{
		Version:     binary.BigEndian.Uint32(b[0:4]),
		Flags:       binary.BigEndian.Uint32(b[4:8]),
		RecvLatency: binary.BigEndian.Uint16(b[8:10]),
		SendLatency: binary.BigEndian.Uint16(b[10:12]),
	}, nil
}

// EncodeStreamID encodes a stream id extension. The reference
// implementation byte-swaps every 32-bit word of the string.
func EncodeStreamID(id string) []byte {
	n := (len(id) + 3) / 4 * 4
	out := make([]byte, n)
	copy(out, id)
	for i := 0; i < n; i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
	return out
}

// DecodeStreamID reverses EncodeStreamID, trimming zero padding.
func DecodeStreamID(b []byte) string {
	out := make([]byte, len(b)/4*4)
	for i := 0; i+4 <= len(b); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
	end := len(out)
	for end > 0 && out[end-1] == 0 {
		end--
	}
	return string(out[:end])
}
