package conn

import (
	"log/slog"
	"time"

	"github.com/zsiec/srtkit/internal/handshake"
)

// Defaults applied to zero Config fields.
const (
	DefaultPayloadSize     = 1316
	DefaultSendBuffer      = 8192
	DefaultMaxRetransmits  = 16
	DefaultMinRTO          = 20 * time.Millisecond
	DefaultMaxRTO          = 3 * time.Second
	DefaultMaxBackoff      = 16
	DefaultNAKDelay        = 20 * time.Millisecond
	DefaultACKInterval     = 10 * time.Millisecond
	DefaultKeepAlive       = time.Second
	DefaultPeerIdleTimeout = 5 * time.Second
	DefaultConnectTimeout  = 3 * time.Second
	DefaultCloseTimeout    = 3 * time.Second
)

// udpOverhead is the IPv4 and UDP header size subtracted from the MSS
// together with the SRT header to get the largest payload.
const udpOverhead = 28

// Config configures a Conn. Handshake carries the negotiation inputs; the
// rest tunes the data plane.
type Config struct {
	Handshake handshake.Config

	PayloadSize     int
	SendBuffer      int // packets
	MaxRetransmits  int
	MinRTO          time.Duration
	MaxRTO          time.Duration
	MaxBackoff      int
	NAKDelay        time.Duration
	ACKInterval     time.Duration
	KeepAlive       time.Duration
	PeerIdleTimeout time.Duration
	ConnectTimeout  time.Duration
	CloseTimeout    time.Duration

	MaxWindow    int   // congestion window ceiling in packets, 0 for none
	MaxBandwidth int64 // bytes per second, 0 for unlimited

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PayloadSize <= 0 {
		c.PayloadSize = DefaultPayloadSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = DefaultMaxRetransmits
	}
	if c.MinRTO <= 0 {
		c.MinRTO = DefaultMinRTO
	}
	if c.MaxRTO <= 0 {
		c.MaxRTO = DefaultMaxRTO
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.NAKDelay <= 0 {
		c.NAKDelay = DefaultNAKDelay
	}
	if c.ACKInterval <= 0 {
		c.ACKInterval = DefaultACKInterval
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.PeerIdleTimeout <= 0 {
		c.PeerIdleTimeout = DefaultPeerIdleTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.Handshake.Interval <= 0 {
		c.Handshake.Interval = handshake.DefaultInterval
	}
	if c.Handshake.Retries <= 0 {
		c.Handshake.Retries = handshake.DefaultRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
