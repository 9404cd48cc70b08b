package handshake

import (
	"errors"
	"fmt"

	"github.com/zsiec/srtkit/packet"
)

// ErrHandshakeFailed is the sentinel every handshake failure unwraps to.
var ErrHandshakeFailed = errors.New("srt: handshake failed")

// RejectReason is the reason carried by a rejection handshake. Values
// follow libsrt; applications may use codes from
// RejUserBase upward in an accept callback.
type RejectReason uint32

// Rejection reasons.
const (
	RejNone       RejectReason = 0 // accepted
	RejSystem     RejectReason = 1
	RejPeer       RejectReason = 2
	RejResource   RejectReason = 3
	RejRogue      RejectReason = 4
	RejBacklog    RejectReason = 5
	RejIPE        RejectReason = 6
	RejClose      RejectReason = 7
	RejVersion    RejectReason = 8
	RejRdvCookie  RejectReason = 9
	RejBadSecret  RejectReason = 10
	RejUnsecure   RejectReason = 11
	RejMessageAPI RejectReason = 12
	RejCongestion RejectReason = 13
	RejFilter     RejectReason = 14
	RejGroup      RejectReason = 15
	RejTimeout    RejectReason = 16

	RejUserBase RejectReason = 1000
)

var rejectNames = map[RejectReason]string{
	RejNone:       "none",
	RejSystem:     "system error",
	RejPeer:       "rejected by peer",
	RejResource:   "resource allocation failure",
	RejRogue:      "malformed handshake",
	RejBacklog:    "listener backlog exceeded",
	RejIPE:        "internal program error",
	RejClose:      "socket closing",
	RejVersion:    "peer version too old",
	RejRdvCookie:  "rendezvous cookie collision",
	RejBadSecret:  "wrong passphrase",
	RejUnsecure:   "encryption required",
	RejMessageAPI: "stream/message mode mismatch",
	RejCongestion: "congestion control mismatch",
	RejFilter:     "packet filter mismatch",
	RejGroup:      "group settings mismatch",
	RejTimeout:    "connection timeout",
}

func (r RejectReason) String() string {
	if s, ok := rejectNames[r]; ok {
		return s
	}
	if r >= RejUserBase {
		return fmt.Sprintf("application reason %d", uint32(r))
	}
	return fmt.Sprintf("reason %d", uint32(r))
}

// Type returns the handshake type that carries r on the wire.
func (r RejectReason) Type() packet.HandshakeType {
	return packet.HandshakeType(packet.RejectBase + uint32(r))
}

// ReasonOf extracts the reason from a rejection handshake type.
func ReasonOf(t packet.HandshakeType) RejectReason {
	if !t.IsRejection() {
		return RejNone
	}
	return RejectReason(uint32(t) - packet.RejectBase)
}

// HandshakeError reports a handshake that ended without a connection.
type HandshakeError struct {
	Reason RejectReason
	// Remote is true when the peer sent the rejection.
	Remote bool
}

func (e *HandshakeError) Error() string {
	if e.Remote {
		return fmt.Sprintf("srt: handshake failed: peer rejected: %s", e.Reason)
	}
	return fmt.Sprintf("srt: handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return ErrHandshakeFailed
}
