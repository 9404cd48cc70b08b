package packet

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"github.com/zsiec/srtkit/internal/seq"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	hs := &Handshake{
		Version:    5,
		Encryption: EncryptionAES256,
		Extension:  ExtFlagHSReq | ExtFlagKMReq,
		InitialSeq: 123456,
		MSS:        1500,
		FlowWindow: 8192,
		Type:       HSConclusion,
		SocketID:   0xCAFE,
		Cookie:     0xDEADBEEF,
		Extensions: []Extension{
			{Type: ExtHSReq, Data: (&SRTHandshake{Version: 0x010502, Flags: FlagTSBPDRcv | FlagNAKReport, RecvLatency: 120, SendLatency: 80}).Encode()},
			{Type: ExtSID, Data: EncodeStreamID("live/cam1")},
		},
	}
	hs.SetPeerIP(netip.MustParseAddr("10.1.2.3"))

	tests := []struct {
		name string
		pkt  Packet
	}{
		{
			name: "data solo",
			pkt: &DataPacket{
				Header:   Header{Timestamp: 1000, DestSocketID: 7},
				Seq:      42,
				Position: PositionSolo,
				InOrder:  true,
				MsgNo:    9,
				Payload:  []byte("hello"),
			},
		},
		{
			name: "data retransmitted odd key",
			pkt: &DataPacket{
				Header:        Header{Timestamp: 0xFFFFFFFF, DestSocketID: 0x12345678},
				Seq:           seq.Max,
				Position:      PositionMiddle,
				Key:           KeyOdd,
				Retransmitted: true,
				MsgNo:         seq.MsgMax,
				Payload:       []byte{1, 2, 3},
			},
		},
		{
			name: "data empty payload",
			pkt:  &DataPacket{Seq: 1, Position: PositionFirst},
		},
		{
			name: "full ack",
			pkt: &ControlPacket{
				Header: Header{Timestamp: 55, DestSocketID: 3},
				Type:   CtrlACK,
				Info:   17,
				CIF: &ACK{
					LastACK: 1000, RTT: 20000, RTTVar: 5000, AvailableBuffer: 8000,
					PacketRecvRate: 300, LinkCapacity: 5000, RecvRate: 400000,
				},
			},
		},
		{
			name: "light ack",
			pkt: &ControlPacket{
				Type: CtrlACK,
				CIF:  &ACK{LastACK: 99, Light: true},
			},
		},
		{
			name: "nak",
			pkt: &ControlPacket{
				Type: CtrlNAK,
				CIF: &NAK{Loss: []LossRange{
					{From: 5, To: 5},
					{From: 9, To: 14},
					{From: seq.Max - 1, To: 2},
				}},
			},
		},
		{
			name: "handshake",
			pkt:  &ControlPacket{Type: CtrlHandshake, CIF: hs},
		},
		{
			name: "keepalive",
			pkt:  &ControlPacket{Type: CtrlKeepAlive, Header: Header{DestSocketID: 1}},
		},
		{
			name: "shutdown",
			pkt:  &ControlPacket{Type: CtrlShutdown},
		},
		{
			name: "ackack",
			pkt:  &ControlPacket{Type: CtrlACKACK, Info: 77},
		},
		{
			name: "drop request",
			pkt:  &ControlPacket{Type: CtrlDropRequest, Info: 12, CIF: &DropRequest{First: 100, Last: 110}},
		},
		{
			name: "peer error",
			pkt:  &ControlPacket{Type: CtrlPeerError, Info: 4000},
		},
		{
			name: "hsreq",
			pkt: &ControlPacket{
				Type: CtrlUserDefined, Subtype: SubtypeHSReq,
				CIF: &SRTHandshake{Version: 0x010400, Flags: FlagTSBPDSnd},
			},
		},
		{
			name: "kmreq",
			pkt: &ControlPacket{
				Type: CtrlUserDefined, Subtype: SubtypeKMReq,
				CIF: &KeyMaterial{Data: []byte{0x12, 0x20, 0x29, 0x01, 0, 0, 0, 0}},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode(Encode(tc.pkt))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.pkt) {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, tc.pkt)
			}
		})
	}
}

func TestDataHeaderLayout(t *testing.T) {
	t.Parallel()

	buf := Encode(&DataPacket{
		Header:        Header{Timestamp: 0x01020304, DestSocketID: 0x0A0B0C0D},
		Seq:           0x12345678,
		Position:      PositionFirst,
		InOrder:       true,
		Key:           KeyEven,
		Retransmitted: true,
		MsgNo:         5,
	})
	want := []byte{
		0x12, 0x34, 0x56, 0x78,
		0xAC, 0x00, 0x00, 0x05, // 10 1 01 1 ...
		0x01, 0x02, 0x03, 0x04,
		0x0A, 0x0B, 0x0C, 0x0D,
	}
	if !reflect.DeepEqual(buf, want) {
		t.Errorf("header bytes = % x, want % x", buf, want)
	}
}

func TestControlHeaderLayout(t *testing.T) {
	t.Parallel()

	buf := Encode(&ControlPacket{Type: CtrlUserDefined, Subtype: SubtypeKMRsp, CIF: &KeyMaterial{Data: []byte{0, 0, 0, 4}}})
	if buf[0] != 0xFF || buf[1] != 0xFF || buf[2] != 0x00 || buf[3] != 0x04 {
		t.Errorf("first word = % x, want ff ff 00 04", buf[:4])
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	t.Parallel()

	for n := 0; n < HeaderSize; n++ {
		_, err := Decode(make([]byte, n))
		if !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("len %d: err = %v, want ErrMalformedHeader", n, err)
		}
	}
}

func TestDecodeTruncatedHandshake(t *testing.T) {
	t.Parallel()

	buf := Encode(&ControlPacket{Type: CtrlHandshake, CIF: &Handshake{Version: 4}})
	_, err := Decode(buf[:len(buf)-1])
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("err = %v, want ErrMalformedHeader", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Field != "handshake" {
		t.Errorf("ParseError field = %v, want handshake", pe)
	}
}

func TestDecodeUnknownControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     ControlType
		subtype uint16
	}{
		{name: "unknown type", typ: 0x0123},
		{name: "unknown user subtype", typ: CtrlUserDefined, subtype: 99},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf := Encode(&ControlPacket{Type: tc.typ, Subtype: tc.subtype, CIF: &KeyMaterial{Data: make([]byte, 8)}})
			_, err := Decode(buf)
			if !errors.Is(err, ErrUnknownControlSubtype) {
				t.Errorf("err = %v, want ErrUnknownControlSubtype", err)
			}
		})
	}
}

func TestStreamID(t *testing.T) {
	t.Parallel()

	tests := []string{"", "a", "abcd", "live/camera1", "#!::r=stream,m=publish"}
	for _, id := range tests {
		enc := EncodeStreamID(id)
		if len(enc)%4 != 0 {
			t.Errorf("EncodeStreamID(%q) length %d not word aligned", id, len(enc))
		}
		if got := DecodeStreamID(enc); got != id {
			t.Errorf("DecodeStreamID(EncodeStreamID(%q)) = %q", id, got)
		}
	}

	// "abcd" travels as "dcba" on the wire.
	if got := string(EncodeStreamID("abcd")); got != "dcba" {
		t.Errorf("wire form = %q, want %q", got, "dcba")
	}
}

func TestSetPeerIPv4(t *testing.T) {
	t.Parallel()

	var h Handshake
	h.SetPeerIP(netip.MustParseAddr("127.0.0.1"))
	want := [16]byte{1, 0, 0, 127}
	if h.PeerIP != want {
		t.Errorf("PeerIP = % x, want % x", h.PeerIP, want)
	}
}

func TestHandshakeRejection(t *testing.T) {
	t.Parallel()

	if !HandshakeType(1010).IsRejection() {
		t.Error("1010 should be a rejection")
	}
	if HSConclusion.IsRejection() || HSInduction.IsRejection() {
		t.Error("handshake stages must not be rejections")
	}
}

func TestEncryptionKeyLen(t *testing.T) {
	t.Parallel()

	for _, n := range []int{16, 24, 32} {
		if got := KeyLenFromEncryption(EncryptionFromKeyLen(n)); got != n {
			t.Errorf("key len %d round trip = %d", n, got)
		}
	}
	if KeyLenFromEncryption(EncryptionNone) != 0 {
		t.Error("EncryptionNone should map to 0")
	}
}
