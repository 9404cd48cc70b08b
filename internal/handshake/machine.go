// Package handshake implements the SRT version 5 caller/listener handshake
// as a pure state machine. [Machine.Handle] consumes one event and returns
// the actions the owner must perform: packets to send, a retransmission
// timer to arm, or the terminal outcome. The machine never touches a
// socket or a clock, so every exchange can be driven directly in tests.
package handshake

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/zsiec/srtkit/internal/crypto"
	"github.com/zsiec/srtkit/internal/entropy"
	"github.com/zsiec/srtkit/internal/seq"
	"github.com/zsiec/srtkit/packet"
)

// SRTVersion is the protocol version announced in HSREQ/HSRSP (1.5.2).
const SRTVersion = 0x010502

// Defaults.
const (
	DefaultInterval = 250 * time.Millisecond
	DefaultRetries  = 20
)

// Role is the side of the handshake a Machine plays.
type Role uint8

// Roles.
const (
	Caller Role = iota
	Listener
)

func (r Role) String() string {
	if r == Listener {
		return "listener"
	}
	return "caller"
}

// State is the handshake progress.
type State uint8

// Handshake states.
const (
	Idle State = iota
	InductionSent
	InductionReceived
	ConclusionSent
	ConclusionReceived
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InductionSent:
		return "induction-sent"
	case InductionReceived:
		return "induction-received"
	case ConclusionSent:
		return "conclusion-sent"
	case ConclusionReceived:
		return "conclusion-received"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Request describes an incoming connection to an accept callback.
type Request struct {
	Peer      netip.AddrPort
	StreamID  string
	Encrypted bool
	Version   uint32
}

// Config configures a Machine.
type Config struct {
	Role     Role
	Peer     netip.AddrPort
	SocketID uint32
	ISN      seq.Number

	MSS        uint32
	FlowWindow uint32
	Latency    time.Duration
	StreamID   string
	StreamMode bool

	Passphrase         string
	KeyLen             int // 0 lets the listener's advertised length decide
	EnforcedEncryption bool
	KeyRefreshPackets  int
	KeyPreAnnounce     int

	// CookieSecret keys listener SYN cookies.
	CookieSecret []byte
	// Accept, if set, may reject a listener-side connection.
	Accept func(Request) RejectReason

	Interval time.Duration
	Retries  int
	Entropy  *entropy.Source
}

// Params are the negotiated connection parameters.
type Params struct {
	Role          Role
	LocalSocketID uint32
	PeerSocketID  uint32
	SendISN       seq.Number
	RecvISN       seq.Number
	MSS           int
	FlowWindow    int
	PeerWindow    int
	Latency       time.Duration
	StreamID      string
	StreamMode    bool
	PeerVersion   uint32

	Encryptor *crypto.Encryptor // nil when unencrypted
	Decryptor *crypto.Decryptor

	// Response is the listener's conclusion reply, re-sent when the
	// caller repeats its conclusion.
	Response *packet.Handshake
}

// Encrypted reports whether payloads are protected.
func (p Params) Encrypted() bool { return p.Encryptor != nil }

// Event is an input to Machine.Handle.
type Event interface{ isEvent() }

// Start begins a caller handshake.
type Start struct{}

// Received delivers a handshake packet from the peer.
type Received struct {
	HS *packet.Handshake
}

// Timeout reports that the retransmission timer fired.
type Timeout struct{}

func (Start) isEvent()    {}
func (Received) isEvent() {}
func (Timeout) isEvent()  {}

// Action is an output of Machine.Handle.
type Action interface{ isAction() }

// Send asks the owner to transmit HS to DestSocketID.
type Send struct {
	HS           *packet.Handshake
	DestSocketID uint32
}

// Arm asks the owner to fire Timeout after the given delay.
type Arm struct {
	After time.Duration
}

// Done reports a connection with its negotiated parameters.
type Done struct {
	Params Params
}

// Failed reports a handshake that cannot complete. Err wraps
// ErrHandshakeFailed.
type Failed struct {
	Err error
}

func (Send) isAction()   {}
func (Arm) isAction()    {}
func (Done) isAction()   {}
func (Failed) isAction() {}

// Machine is a single handshake. It is not safe for concurrent use.
type Machine struct {
	cfg   Config
	state State

	last    *packet.Handshake
	lastTo  uint32
	tries   int
	ignored int

	cookie       uint32
	advertisedKL int
	enc          *crypto.Encryptor
	km           []byte
}

// New returns a Machine in the Idle state.
func New(cfg Config) *Machine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Entropy == nil {
		cfg.Entropy = entropy.New()
	}
	return &Machine{cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Ignored returns the number of handshake packets dropped as malformed or
// out of state.
func (m *Machine) Ignored() int { return m.ignored }

// Handle advances the machine by one event.
func (m *Machine) Handle(now time.Time, ev Event) []Action {
	if m.state == Connected || m.state == Closed {
		return nil
	}
	switch ev := ev.(type) {
	case Start:
		if m.cfg.Role != Caller || m.state != Idle {
			return nil
		}
		return m.sendInduction()
	case Timeout:
		return m.retransmit()
	case Received:
		if ev.HS == nil {
			return m.ignore()
		}
		if m.cfg.Role == Caller {
			return m.callerReceive(ev.HS)
		}
		return m.listenerReceive(now, ev.HS)
	}
	return nil
}

func (m *Machine) fail(reason RejectReason, remote bool) []Action {
	m.state = Closed
	return []Action{Failed{Err: &HandshakeError{Reason: reason, Remote: remote}}}
}

func (m *Machine) ignore() []Action {
	m.ignored++
	if m.ignored > m.cfg.Retries {
		return m.fail(RejRogue, false)
	}
	return nil
}

func (m *Machine) send(hs *packet.Handshake, to uint32) []Action {
	m.last, m.lastTo = hs, to
	m.tries = 1
	return []Action{Send{HS: hs, DestSocketID: to}, Arm{After: m.cfg.Interval}}
}

func (m *Machine) retransmit() []Action {
	if m.last == nil || (m.state != InductionSent && m.state != ConclusionSent) {
		return nil
	}
	if m.tries > m.cfg.Retries {
		return m.fail(RejTimeout, false)
	}
	m.tries++
	return []Action{Send{HS: m.last, DestSocketID: m.lastTo}, Arm{After: m.cfg.Interval}}
}

func (m *Machine) base(t packet.HandshakeType) *packet.Handshake {
	hs := &packet.Handshake{
		Version:    5,
		InitialSeq: m.cfg.ISN,
		MSS:        m.cfg.MSS,
		FlowWindow: m.cfg.FlowWindow,
		Type:       t,
		SocketID:   m.cfg.SocketID,
	}
	hs.SetPeerIP(m.cfg.Peer.Addr())
	return hs
}

func latencyMS(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms > 0xFFFF {
		ms = 0xFFFF
	}
	return uint16(ms)
}

func (m *Machine) flags() uint32 {
	f := packet.FlagTSBPDSnd | packet.FlagTSBPDRcv | packet.FlagHaiCrypt |
		packet.FlagNAKReport | packet.FlagRexmitFlag
	if m.cfg.StreamMode {
		f |= packet.FlagStream
	}
	return f
}

// caller side

func (m *Machine) sendInduction() []Action {
	hs := m.base(packet.HSInduction)
	hs.Version = 4
	hs.Extension = packet.SocketTypeDgram
	m.state = InductionSent
	return m.send(hs, 0)
}

func (m *Machine) callerReceive(hs *packet.Handshake) []Action {
	if hs.Type.IsRejection() {
		return m.fail(ReasonOf(hs.Type), true)
	}
	switch m.state {
	case InductionSent:
		if hs.Type != packet.HSInduction || hs.Version < 5 || hs.Extension != packet.MagicCode {
			if hs.Type == packet.HSInduction && hs.Version < 5 {
				return m.fail(RejVersion, false)
			}
			return m.ignore()
		}
		m.cookie = hs.Cookie
		m.advertisedKL = packet.KeyLenFromEncryption(hs.Encryption)
		return m.sendConclusion()
	case ConclusionSent:
		if hs.Type != packet.HSConclusion {
			return m.ignore()
		}
		return m.callerConclude(hs)
	}
	return m.ignore()
}

func (m *Machine) sendConclusion() []Action {
	hs := m.base(packet.HSConclusion)
	hs.Cookie = m.cookie
	hs.Extension = packet.ExtFlagHSReq

	srt := packet.SRTHandshake{
		Version:     SRTVersion,
		Flags:       m.flags(),
		RecvLatency: latencyMS(m.cfg.Latency),
		SendLatency: latencyMS(m.cfg.Latency),
	}
	hs.Extensions = append(hs.Extensions, packet.Extension{Type: packet.ExtHSReq, Data: srt.Encode()})

	if m.cfg.Passphrase != "" {
		keyLen := max(m.cfg.KeyLen, m.advertisedKL)
		if keyLen == 0 {
			keyLen = 16
		}
		enc, err := crypto.NewEncryptor(crypto.EncryptorConfig{
			Passphrase:     m.cfg.Passphrase,
			KeyLen:         keyLen,
			RefreshPackets: m.cfg.KeyRefreshPackets,
			PreAnnounce:    m.cfg.KeyPreAnnounce,
			Entropy:        m.cfg.Entropy,
		})
		if err != nil {
			return m.fail(RejIPE, false)
		}
		km, err := enc.Message()
		if err != nil {
			return m.fail(RejIPE, false)
		}
		m.enc, m.km = enc, km
		hs.Encryption = packet.EncryptionFromKeyLen(keyLen)
		hs.Extension |= packet.ExtFlagKMReq
		hs.Extensions = append(hs.Extensions, packet.Extension{Type: packet.ExtKMReq, Data: km})
	}
	if m.cfg.StreamID != "" {
		hs.Extension |= packet.ExtFlagConfig
		hs.Extensions = append(hs.Extensions, packet.Extension{Type: packet.ExtSID, Data: packet.EncodeStreamID(m.cfg.StreamID)})
	}

	m.state = ConclusionSent
	return m.send(hs, 0)
}

func (m *Machine) callerConclude(hs *packet.Handshake) []Action {
	if hs.Version < 5 {
		return m.fail(RejVersion, false)
	}
	ext, ok := hs.Ext(packet.ExtHSRsp)
	if !ok {
		return m.ignore()
	}
	rsp, err := packet.DecodeSRTHandshake(ext.Data)
	if err != nil {
		return m.ignore()
	}

	p := m.negotiate(hs, rsp)

	if m.enc != nil {
		kmrsp, ok := hs.Ext(packet.ExtKMRsp)
		switch {
		case !ok || len(kmrsp.Data) <= 4:
			status := crypto.KMStateNoSecret
			if ok && len(kmrsp.Data) == 4 {
				status = binary.BigEndian.Uint32(kmrsp.Data)
			}
			if status == crypto.KMStateBadSecret {
				return m.fail(RejBadSecret, false)
			}
			if m.cfg.EnforcedEncryption {
				return m.fail(RejUnsecure, false)
			}
		default:
			dec, err := crypto.NewDecryptor(m.cfg.Passphrase, m.enc.KeyLen(), crypto.FromListener)
			if err != nil {
				return m.fail(RejIPE, false)
			}
			if !bytes.Equal(kmrsp.Data, m.km) {
				return m.fail(RejBadSecret, false)
			}
			if err := dec.Install(kmrsp.Data); err != nil {
				return m.fail(RejBadSecret, false)
			}
			p.Encryptor, p.Decryptor = m.enc, dec
		}
	}

	m.state = Connected
	return []Action{Done{Params: p}}
}

// negotiate combines the local configuration with the peer's handshake.
func (m *Machine) negotiate(hs *packet.Handshake, ext *packet.SRTHandshake) Params {
	peerLatency := time.Duration(max(ext.RecvLatency, ext.SendLatency)) * time.Millisecond
	return Params{
		Role:          m.cfg.Role,
		LocalSocketID: m.cfg.SocketID,
		PeerSocketID:  hs.SocketID,
		SendISN:       m.cfg.ISN,
		RecvISN:       hs.InitialSeq,
		MSS:           int(min(m.cfg.MSS, hs.MSS)),
		FlowWindow:    int(m.cfg.FlowWindow),
		PeerWindow:    int(min(m.cfg.FlowWindow, hs.FlowWindow)),
		Latency:       max(m.cfg.Latency, peerLatency),
		StreamID:      m.cfg.StreamID,
		StreamMode:    m.cfg.StreamMode,
		PeerVersion:   ext.Version,
	}
}

// listener side

// Cookie returns the SYN cookie for peer at now. Cookies are valid for the
// current and the previous minute.
func Cookie(secret []byte, peer netip.AddrPort, now time.Time) uint32 {
	return cookieAt(secret, peer, now.Unix()/60)
}

func cookieAt(secret []byte, peer netip.AddrPort, bucket int64) uint32 {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(peer.String()))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(bucket))
	mac.Write(b[:])
	return binary.BigEndian.Uint32(mac.Sum(nil))
}

func (m *Machine) validCookie(c uint32, now time.Time) bool {
	bucket := now.Unix() / 60
	return c == cookieAt(m.cfg.CookieSecret, m.cfg.Peer, bucket) ||
		c == cookieAt(m.cfg.CookieSecret, m.cfg.Peer, bucket-1)
}

func (m *Machine) listenerReceive(now time.Time, hs *packet.Handshake) []Action {
	switch hs.Type {
	case packet.HSInduction:
		if m.state != Idle && m.state != InductionReceived {
			return m.ignore()
		}
		rsp := m.base(packet.HSInduction)
		rsp.InitialSeq = hs.InitialSeq
		rsp.Extension = packet.MagicCode
		rsp.Cookie = Cookie(m.cfg.CookieSecret, m.cfg.Peer, now)
		if m.cfg.Passphrase != "" {
			rsp.Encryption = packet.EncryptionFromKeyLen(m.cfg.KeyLen)
		}
		m.state = InductionReceived
		return []Action{Send{HS: rsp, DestSocketID: hs.SocketID}}
	case packet.HSConclusion:
		if !m.validCookie(hs.Cookie, now) {
			return m.ignore()
		}
		m.state = ConclusionReceived
		return m.listenerConclude(hs)
	}
	return m.ignore()
}

func (m *Machine) reject(reason RejectReason, to uint32) []Action {
	hs := m.base(reason.Type())
	m.state = Closed
	return []Action{
		Send{HS: hs, DestSocketID: to},
		Failed{Err: &HandshakeError{Reason: reason}},
	}
}

func (m *Machine) listenerConclude(hs *packet.Handshake) []Action {
	if hs.Version < 5 {
		return m.reject(RejVersion, hs.SocketID)
	}
	ext, ok := hs.Ext(packet.ExtHSReq)
	if !ok {
		return m.reject(RejRogue, hs.SocketID)
	}
	req, err := packet.DecodeSRTHandshake(ext.Data)
	if err != nil {
		return m.reject(RejRogue, hs.SocketID)
	}
	if (req.Flags&packet.FlagStream != 0) != m.cfg.StreamMode {
		return m.reject(RejMessageAPI, hs.SocketID)
	}

	var streamID string
	if sid, ok := hs.Ext(packet.ExtSID); ok {
		streamID = packet.DecodeStreamID(sid.Data)
	}
	kmreq, hasKM := hs.Ext(packet.ExtKMReq)

	if m.cfg.Accept != nil {
		reason := m.cfg.Accept(Request{
			Peer:      m.cfg.Peer,
			StreamID:  streamID,
			Encrypted: hasKM,
			Version:   req.Version,
		})
		if reason != RejNone {
			return m.reject(reason, hs.SocketID)
		}
	}

	p := m.negotiate(hs, req)
	p.StreamID = streamID

	rsp := m.base(packet.HSConclusion)
	rsp.MSS = uint32(p.MSS)
	rsp.Extension = packet.ExtFlagHSReq
	agreed := latencyMS(p.Latency)
	srt := packet.SRTHandshake{Version: SRTVersion, Flags: m.flags(), RecvLatency: agreed, SendLatency: agreed}
	rsp.Extensions = append(rsp.Extensions, packet.Extension{Type: packet.ExtHSRsp, Data: srt.Encode()})

	switch {
	case hasKM && m.cfg.Passphrase != "":
		dec, err := crypto.NewDecryptor(m.cfg.Passphrase, 0, crypto.FromCaller)
		if err != nil {
			return m.reject(RejIPE, hs.SocketID)
		}
		if err := dec.Install(kmreq.Data); err != nil {
			if errors.Is(err, crypto.ErrKeyExchangeFailed) {
				return m.reject(RejBadSecret, hs.SocketID)
			}
			return m.reject(RejIPE, hs.SocketID)
		}
		enc, err := crypto.NewEncryptorFrom(dec, crypto.EncryptorConfig{
			RefreshPackets: m.cfg.KeyRefreshPackets,
			PreAnnounce:    m.cfg.KeyPreAnnounce,
			Entropy:        m.cfg.Entropy,
		})
		if err != nil {
			return m.reject(RejIPE, hs.SocketID)
		}
		p.Encryptor, p.Decryptor = enc, dec
		rsp.Encryption = packet.EncryptionFromKeyLen(dec.KeyLen())
		rsp.Extension |= packet.ExtFlagKMReq
		rsp.Extensions = append(rsp.Extensions, packet.Extension{Type: packet.ExtKMRsp, Data: kmreq.Data})
	case hasKM || m.cfg.Passphrase != "":
		if m.cfg.EnforcedEncryption {
			return m.reject(RejUnsecure, hs.SocketID)
		}
		if hasKM {
			rsp.Extension |= packet.ExtFlagKMReq
			rsp.Extensions = append(rsp.Extensions, packet.Extension{Type: packet.ExtKMRsp, Data: crypto.KMStatus(crypto.KMStateNoSecret)})
		}
	}

	p.Response = rsp
	m.state = Connected
	return []Action{
		Send{HS: rsp, DestSocketID: hs.SocketID},
		Done{Params: p},
	}
}

// String describes the machine for logs.
func (m *Machine) String() string {
	return fmt.Sprintf("%s %s peer=%s", m.cfg.Role, m.state, m.cfg.Peer)
}
