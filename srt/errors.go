package srt

import (
	"github.com/zsiec/srtkit/internal/arq"
	"github.com/zsiec/srtkit/internal/conn"
	"github.com/zsiec/srtkit/internal/crypto"
	"github.com/zsiec/srtkit/internal/handshake"
	"github.com/zsiec/srtkit/packet"
)

// Errors returned by sessions and listeners. All are comparable with
// errors.Is.
var (
	ErrMalformedHeader       = packet.ErrMalformedHeader
	ErrUnknownControlSubtype = packet.ErrUnknownControlSubtype
	ErrHandshakeFailed       = handshake.ErrHandshakeFailed
	ErrLinkFailure           = arq.ErrLinkFailure
	ErrKeyExchangeFailed     = crypto.ErrKeyExchangeFailed
	ErrPeerIdle              = conn.ErrPeerIdle
	ErrWouldBlock            = conn.ErrWouldBlock
	ErrClosed                = conn.ErrClosed
	ErrMessageTooLarge       = arq.ErrMessageTooLarge
)

// HandshakeError carries the rejection reason of a failed handshake.
type HandshakeError = handshake.HandshakeError

// RejectReason is a handshake rejection code.
type RejectReason = handshake.RejectReason

// ConnRequest describes an incoming connection to an accept callback.
type ConnRequest = handshake.Request

// Rejection reasons an accept callback may return. Codes from RejUserBase
// upward are passed to the caller unchanged.
const (
	RejNone      = handshake.RejNone
	RejPeer      = handshake.RejPeer
	RejResource  = handshake.RejResource
	RejBacklog   = handshake.RejBacklog
	RejClose     = handshake.RejClose
	RejBadSecret = handshake.RejBadSecret
	RejUnsecure  = handshake.RejUnsecure
	RejTimeout   = handshake.RejTimeout
	RejUserBase  = handshake.RejUserBase
)
