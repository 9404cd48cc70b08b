// Package arq implements SRT's automatic repeat request engine: the send
// window with per-packet retransmission deadlines and the receive window
// with loss detection, acknowledgement and message reassembly.
//
// Neither side touches the network or the wall clock. Callers pass the
// current time into every method and transmit whatever packets and control
// messages the engine hands back, which keeps the engine testable without
// sockets.
package arq

import (
	"time"

	"github.com/zsiec/srtkit/internal/seq"
	"github.com/zsiec/srtkit/packet"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	ISN            seq.Number
	PayloadSize    int // maximum payload bytes per packet
	BufferPackets  int // send buffer capacity
	MaxRetransmits int // retransmissions allowed per packet
	MinRTO         time.Duration
	MaxRTO         time.Duration
	MaxBackoff     int           // cap on the per-packet backoff multiplier
	ACKDelay       time.Duration // peer's full ACK period, added to every RTO
	StreamMode     bool
	Start          time.Time // origin of packet timestamps
}

type sendEntry struct {
	pkt      packet.DataPacket
	origin   time.Time
	sent     bool
	deadline time.Time
	retries  int
	backoff  int
	queued   bool // waiting in the retransmission queue
}

// SenderStats counts sender activity.
type SenderStats struct {
	PacketsSent        uint64
	BytesSent          uint64
	Retransmits        uint64
	NAKRetransmits     uint64
	TimeoutRetransmits uint64
	PacketsAcked       uint64
}

// Sender owns the send window. It is not safe for concurrent use.
type Sender struct {
	cfg SenderConfig
	rtt *RTT

	base    seq.Number   // sequence number of entries[0]
	next    seq.Number   // sequence number for the next new packet
	entries []*sendEntry // base .. next-1
	unsent  int          // index of the first never-sent entry
	msgNo   seq.Msg

	rexmit []seq.Number

	stats SenderStats
}

// NewSender returns a Sender starting at cfg.ISN. rtt is shared with the
// rest of the connection.
func NewSender(cfg SenderConfig, rtt *RTT) *Sender {
	if cfg.MaxBackoff < 1 {
		cfg.MaxBackoff = 1
	}
	return &Sender{
		cfg:   cfg,
		rtt:   rtt,
		base:  cfg.ISN,
		next:  cfg.ISN,
		msgNo: 0,
	}
}

// Push splits msg into packets and appends them to the send buffer. In
// message mode the packets carry first/middle/last position flags and a
// shared message number; in stream mode every packet is solo.
func (s *Sender) Push(msg []byte, now time.Time) error {
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	n := (len(msg) + s.cfg.PayloadSize - 1) / s.cfg.PayloadSize
	if n > s.cfg.BufferPackets {
		return ErrMessageTooLarge
	}
	if len(s.entries)+n > s.cfg.BufferPackets {
		return ErrBufferFull
	}

	s.msgNo = s.msgNo.Next()
	for i := 0; i < n; i++ {
		end := min((i+1)*s.cfg.PayloadSize, len(msg))
		chunk := append([]byte(nil), msg[i*s.cfg.PayloadSize:end]...)

		pos := packet.PositionMiddle
		switch {
		case s.cfg.StreamMode || n == 1:
			pos = packet.PositionSolo
		case i == 0:
			pos = packet.PositionFirst
		case i == n-1:
			pos = packet.PositionLast
		}
		msgNo := s.msgNo
		if s.cfg.StreamMode && i > 0 {
			s.msgNo = s.msgNo.Next()
			msgNo = s.msgNo
		}

		s.entries = append(s.entries, &sendEntry{
			pkt: packet.DataPacket{
				Seq:      s.next,
				Position: pos,
				InOrder:  !s.cfg.StreamMode,
				MsgNo:    msgNo,
				Payload:  chunk,
			},
			origin:  now,
			backoff: 1,
		})
		s.next = s.next.Inc()
	}
	return nil
}

// Available returns the free send buffer space in packets.
func (s *Sender) Available() int {
	return s.cfg.BufferPackets - len(s.entries)
}

// Buffered returns the number of packets in the send buffer, sent or not.
func (s *Sender) Buffered() int { return len(s.entries) }

// InFlight returns the number of sent, unacknowledged packets.
func (s *Sender) InFlight() int { return s.unsent }

// Pending reports whether any packet awaits its first transmission.
func (s *Sender) Pending() bool { return s.unsent < len(s.entries) }

// Idle reports whether every buffered packet has been acknowledged.
func (s *Sender) Idle() bool { return len(s.entries) == 0 }

// HasRetransmit reports whether retransmissions are queued.
func (s *Sender) HasRetransmit() bool { return len(s.rexmit) > 0 }

// Stats returns a copy of the counters.
func (s *Sender) Stats() SenderStats { return s.stats }

// NextSeq returns the sequence number the next new packet will carry.
func (s *Sender) NextSeq() seq.Number { return s.next }

func (s *Sender) timestamp(t time.Time) uint32 {
	return uint32(t.Sub(s.cfg.Start).Microseconds())
}

func (s *Sender) rto(backoff int) time.Duration {
	return (s.rtt.RTO(s.cfg.MinRTO, s.cfg.MaxRTO) + s.cfg.ACKDelay) * time.Duration(backoff)
}

// PopNew returns the next never-sent packet, or nil. The returned packet
// is a copy the caller may encrypt.
func (s *Sender) PopNew(now time.Time) *packet.DataPacket {
	if s.unsent >= len(s.entries) {
		return nil
	}
	e := s.entries[s.unsent]
	s.unsent++
	e.sent = true
	e.deadline = now.Add(s.rto(e.backoff))

	p := e.pkt
	p.Timestamp = s.timestamp(e.origin)
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(p.Payload))
	return &p
}

// PopRetransmit returns the next queued retransmission with the R flag
// set, or nil. It fails with ErrLinkFailure once a packet exceeds its
// retransmission budget.
func (s *Sender) PopRetransmit(now time.Time) (*packet.DataPacket, error) {
	for len(s.rexmit) > 0 {
		n := s.rexmit[0]
		s.rexmit = s.rexmit[1:]
		e := s.entry(n)
		if e == nil || !e.queued {
			continue
		}
		e.queued = false
		if e.retries >= s.cfg.MaxRetransmits {
			return nil, ErrLinkFailure
		}
		e.retries++
		e.deadline = now.Add(s.rto(e.backoff))

		p := e.pkt
		p.Timestamp = s.timestamp(e.origin)
		p.Retransmitted = true
		s.stats.Retransmits++
		return &p, nil
	}
	return nil, nil
}

func (s *Sender) entry(n seq.Number) *sendEntry {
	if seq.Less(n, s.base) || !seq.Less(n, s.base.Add(uint32(s.unsent))) {
		return nil
	}
	return s.entries[seq.Distance(s.base, n)]
}

// OnACK releases every packet before ack. It returns the number of packets
// newly acknowledged. Acknowledgements for packets never sent are clamped.
func (s *Sender) OnACK(ack seq.Number) int {
	if !seq.Greater(ack, s.base) {
		return 0
	}
	sentEnd := s.base.Add(uint32(s.unsent))
	if seq.Greater(ack, sentEnd) {
		ack = sentEnd
	}
	n := int(seq.Distance(s.base, ack))
	for i := 0; i < n; i++ {
		s.entries[i] = nil
	}
	s.entries = s.entries[n:]
	s.unsent -= n
	s.base = ack
	s.stats.PacketsAcked += uint64(n)
	return n
}

// OnWindow reconciles the send window with the free space the receiver
// advertised at ack. Packets sent beyond that space were dropped by the
// receiver rather than lost on the path, so they go back to the unsent
// queue without spending their retransmission budget. It returns how many
// packets were rewound. Stale ACKs are ignored.
func (s *Sender) OnWindow(ack seq.Number, avail int) int {
	if ack != s.base || avail < 0 || avail >= s.unsent {
		return 0
	}
	n := s.unsent - avail
	for _, e := range s.entries[avail:s.unsent] {
		e.sent, e.queued = false, false
		e.retries, e.backoff = 0, 1
	}
	s.unsent = avail
	return n
}

// OnNAK queues the reported packets for immediate retransmission and
// returns how many were queued.
func (s *Sender) OnNAK(loss []packet.LossRange) int {
	queued := 0
	for _, r := range loss {
		if seq.Less(r.To, r.From) {
			continue
		}
		from := seq.MaxOf(r.From, s.base)
		for n := from; seq.LessEq(n, r.To); n = n.Inc() {
			e := s.entry(n)
			if e == nil {
				break
			}
			if e.queued {
				continue
			}
			e.queued = true
			s.rexmit = append(s.rexmit, n)
			s.stats.NAKRetransmits++
			queued++
		}
	}
	return queued
}

// OnTimeout queues every sent packet whose deadline has passed, doubling
// its backoff multiplier up to the configured cap. It returns the number
// of packets that expired.
func (s *Sender) OnTimeout(now time.Time) int {
	expired := 0
	for i := 0; i < s.unsent; i++ {
		e := s.entries[i]
		if e.queued || e.deadline.After(now) {
			continue
		}
		e.backoff = min(e.backoff*2, s.cfg.MaxBackoff)
		e.queued = true
		s.rexmit = append(s.rexmit, e.pkt.Seq)
		s.stats.TimeoutRetransmits++
		expired++
	}
	return expired
}

// NextDeadline returns the earliest retransmission deadline among sent,
// unqueued packets.
func (s *Sender) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for i := 0; i < s.unsent; i++ {
		e := s.entries[i]
		if e.queued {
			continue
		}
		if !found || e.deadline.Before(next) {
			next = e.deadline
			found = true
		}
	}
	return next, found
}
