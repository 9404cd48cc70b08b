package conn

import (
	"time"

	"github.com/zsiec/srtkit/packet"
)

// Stats is a point-in-time snapshot of a connection, serialized as JSON
// by the stats endpoint.
type Stats struct {
	State    string `json:"state"`
	UptimeMs int64  `json:"uptimeMs"`

	RTTMs            float64 `json:"rttMs"`
	RTTVarMs         float64 `json:"rttVarMs"`
	LossRate         float64 `json:"lossRate"`
	CongestionWindow int     `json:"congestionWindow"`
	PacingRate       float64 `json:"pacingRateBps"`
	InFlight         int     `json:"inFlight"`
	SendBuffered     int     `json:"sendBuffered"`
	RecvBuffered     int     `json:"recvBuffered"`
	RecvLossPending  int     `json:"recvLossPending"`

	PacketsSent        uint64 `json:"packetsSent"`
	BytesSent          uint64 `json:"bytesSent"`
	Retransmits        uint64 `json:"retransmits"`
	NAKRetransmits     uint64 `json:"nakRetransmits"`
	TimeoutRetransmits uint64 `json:"timeoutRetransmits"`
	PacketsAcked       uint64 `json:"packetsAcked"`
	MessagesSent       uint64 `json:"messagesSent"`

	PacketsReceived   uint64 `json:"packetsReceived"`
	BytesReceived     uint64 `json:"bytesReceived"`
	PacketsLost       uint64 `json:"packetsLost"`
	PacketsRecovered  uint64 `json:"packetsRecovered"`
	PacketsDropped    uint64 `json:"packetsDropped"`
	DecryptFailures   uint64 `json:"decryptFailures"`
	MessagesDelivered uint64 `json:"messagesDelivered"`
	BytesDelivered    uint64 `json:"bytesDelivered"`

	ControlSent     uint64 `json:"controlSent"`
	ControlReceived uint64 `json:"controlReceived"`
	PeerErrors      uint64 `json:"peerErrors"`

	Encrypted    bool   `json:"encrypted"`
	KeyLength    int    `json:"keyLength,omitempty"`
	ActiveKey    string `json:"activeKey,omitempty"`
	KeyAnnounces uint64 `json:"keyAnnounces,omitempty"`
}

func keyName(k packet.KeySpec) string {
	switch k {
	case packet.KeyEven:
		return "even"
	case packet.KeyOdd:
		return "odd"
	case packet.KeyBoth:
		return "both"
	default:
		return "none"
	}
}

// Stats returns a snapshot at now. After close it returns the counters as
// they stood when the connection closed.
func (c *Conn) Stats(now time.Time) Stats {
	if c.final != nil {
		s := *c.final
		s.UptimeMs = now.Sub(c.start).Milliseconds()
		return s
	}

	s := Stats{
		State:           c.state.String(),
		UptimeMs:        now.Sub(c.start).Milliseconds(),
		PacketsDropped:  c.count.dataDropped,
		DecryptFailures: c.count.decryptFailures,
		MessagesSent:    c.count.messagesSent,
		ControlSent:     c.count.controlSent,
		ControlReceived: c.count.controlReceived,
		PeerErrors:      c.count.peerErrors,
		KeyAnnounces:    c.count.keyAnnounces,
	}
	if c.snd == nil {
		return s
	}

	s.RTTMs = float64(c.rtt.SRTT()) / float64(time.Millisecond)
	s.RTTVarMs = float64(c.rtt.Var()) / float64(time.Millisecond)
	s.LossRate = c.cc.LossRate()
	s.CongestionWindow = c.cc.Window()
	s.PacingRate = c.pacer.Rate()
	s.InFlight = c.snd.InFlight()
	s.SendBuffered = c.snd.Buffered()
	s.RecvBuffered = c.rcv.Buffered()
	s.RecvLossPending = c.rcv.Lost()

	ss := c.snd.Stats()
	s.PacketsSent = ss.PacketsSent
	s.BytesSent = ss.BytesSent
	s.Retransmits = ss.Retransmits
	s.NAKRetransmits = ss.NAKRetransmits
	s.TimeoutRetransmits = ss.TimeoutRetransmits
	s.PacketsAcked = ss.PacketsAcked

	rs := c.rcv.Stats()
	s.PacketsReceived = rs.PacketsReceived
	s.BytesReceived = rs.BytesReceived
	s.PacketsLost = rs.LossDetected
	s.PacketsRecovered = rs.Recovered
	s.MessagesDelivered = rs.MessagesDelivered
	s.BytesDelivered = rs.BytesDelivered

	if c.enc != nil {
		s.Encrypted = true
		s.KeyLength = c.enc.KeyLen()
		s.ActiveKey = keyName(c.enc.Active())
	}
	return s
}
