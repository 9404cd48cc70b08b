package arq

import (
	"time"

	"github.com/zsiec/srtkit/internal/seq"
	"github.com/zsiec/srtkit/packet"
)

// LightACKPackets is the number of received packets between light ACKs.
const LightACKPackets = 64

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	ISN        seq.Number
	FlowWindow int           // receive window in packets
	NAKDelay   time.Duration // reorder tolerance before a gap is reported
	StreamMode bool
	Latency    time.Duration // TSBPD delay; zero delivers as soon as complete
}

// Verdict describes what the receiver did with a data packet.
type Verdict uint8

// Receive verdicts.
const (
	Accepted  Verdict = iota
	Duplicate         // already buffered
	Belated           // behind the window, already delivered
	Overflow          // beyond the end of the window
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Belated:
		return "belated"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// ReceiverStats counts receiver activity.
type ReceiverStats struct {
	PacketsReceived   uint64
	BytesReceived     uint64
	Duplicates        uint64
	Belated           uint64
	Overflows         uint64
	LossDetected      uint64
	Recovered         uint64
	MessagesDelivered uint64
	BytesDelivered    uint64
	FullACKs          uint64
	LightACKs         uint64
	NAKsSent          uint64
}

type ackRecord struct {
	no uint32
	at time.Time
}

// Receiver owns the receive window. It is not safe for concurrent use.
type Receiver struct {
	cfg ReceiverConfig
	rtt *RTT

	slots []*packet.DataPacket
	head  int        // slot index of base
	base  seq.Number // next sequence number to deliver
	ack   seq.Number // first sequence number not received contiguously
	top   seq.Number // one past the highest sequence number received
	loss  lossList

	ackNo      uint32
	lastACK    seq.Number
	lastACKAt  time.Time
	lastACKNo  uint32
	ackAcked   bool
	ackHistory [16]ackRecord
	sinceLight int
	advertised int  // free space carried by the last full ACK
	overflowed bool // a packet arrived beyond the window since then

	rateStart  time.Time
	ratePkts   int
	rateBytes  int
	recvRate   uint32 // packets per second
	recvBytesR uint32 // bytes per second

	anchored  bool
	peerStart time.Time

	stats ReceiverStats
}

// NewReceiver returns a Receiver expecting cfg.ISN first.
func NewReceiver(cfg ReceiverConfig, rtt *RTT) *Receiver {
	if cfg.FlowWindow < 1 {
		cfg.FlowWindow = 1
	}
	return &Receiver{
		cfg:        cfg,
		rtt:        rtt,
		slots:      make([]*packet.DataPacket, cfg.FlowWindow),
		base:       cfg.ISN,
		ack:        cfg.ISN,
		top:        cfg.ISN,
		lastACK:    cfg.ISN,
		ackAcked:   true,
		advertised: cfg.FlowWindow,
	}
}

func (r *Receiver) slot(n seq.Number) int {
	return (r.head + int(seq.Distance(r.base, n))) % len(r.slots)
}

// OnData stores p in the receive window and updates loss tracking.
func (r *Receiver) OnData(p *packet.DataPacket, now time.Time) Verdict {
	if !r.anchored {
		r.anchored = true
		r.peerStart = now.Add(-time.Duration(p.Timestamp) * time.Microsecond)
		r.rateStart = now
	}

	if seq.Less(p.Seq, r.base) {
		r.stats.Belated++
		return Belated
	}
	if int(seq.Distance(r.base, p.Seq)) >= len(r.slots) {
		r.stats.Overflows++
		r.overflowed = true
		return Overflow
	}
	i := r.slot(p.Seq)
	if r.slots[i] != nil {
		r.stats.Duplicates++
		return Duplicate
	}
	r.slots[i] = p

	switch {
	case seq.Less(p.Seq, r.top):
		if r.loss.remove(p.Seq) {
			r.stats.Recovered++
		}
	case p.Seq == r.top:
		r.top = p.Seq.Inc()
	default:
		r.loss.add(r.top, p.Seq.Dec(), now)
		r.stats.LossDetected += uint64(seq.Distance(r.top, p.Seq))
		r.top = p.Seq.Inc()
	}

	for seq.Less(r.ack, r.top) && r.slots[r.slot(r.ack)] != nil {
		r.ack = r.ack.Inc()
	}

	r.sinceLight++
	r.ratePkts++
	r.rateBytes += len(p.Payload)
	r.stats.PacketsReceived++
	r.stats.BytesReceived += uint64(len(p.Payload))
	return Accepted
}

// ACKPoint returns the first sequence number not yet received
// contiguously.
func (r *Receiver) ACKPoint() seq.Number { return r.ack }

// Available returns the receive window space the sender may use.
func (r *Receiver) Available() int {
	return len(r.slots) - int(seq.Distance(r.base, r.ack))
}

// Buffered returns the number of packets held between the delivery point
// and the highest received packet.
func (r *Receiver) Buffered() int {
	return int(seq.Distance(r.base, r.top))
}

// Lost returns the number of sequence numbers currently missing.
func (r *Receiver) Lost() int { return r.loss.count() }

// Stats returns a copy of the counters.
func (r *Receiver) Stats() ReceiverStats { return r.stats }

// LightACK returns a light ACK once every LightACKPackets packets.
func (r *Receiver) LightACK() (*packet.ACK, bool) {
	if r.sinceLight < LightACKPackets {
		return nil, false
	}
	r.sinceLight = 0
	r.stats.LightACKs++
	return &packet.ACK{LastACK: r.ack, Light: true}, true
}

// FullACK returns a full ACK and its ACK number when the watermark moved
// since the previous one, when a closed window has reopened, when a packet
// arrived beyond the window, or when the previous ACK was not confirmed by
// an ACKACK within one RTO. The ACK advertises the true free space, which
// may be zero.
func (r *Receiver) FullACK(now time.Time) (*packet.ACK, uint32, bool) {
	switch {
	case r.ack != r.lastACK:
	case r.overflowed:
	case r.advertised == 0 && r.Available() > 0:
	case !r.ackAcked && now.Sub(r.lastACKAt) >= r.rtt.SRTT()+4*r.rtt.Var():
	default:
		return nil, 0, false
	}

	if el := now.Sub(r.rateStart); el >= 10*time.Millisecond {
		r.recvRate = uint32(float64(r.ratePkts) / el.Seconds())
		r.recvBytesR = uint32(float64(r.rateBytes) / el.Seconds())
		r.rateStart, r.ratePkts, r.rateBytes = now, 0, 0
	}

	r.ackNo++
	if r.ackNo == 0 {
		r.ackNo = 1
	}
	r.ackHistory[r.ackNo%uint32(len(r.ackHistory))] = ackRecord{no: r.ackNo, at: now}
	r.lastACK = r.ack
	r.lastACKAt = now
	r.lastACKNo = r.ackNo
	r.ackAcked = false
	r.sinceLight = 0
	r.advertised = r.Available()
	r.overflowed = false
	r.stats.FullACKs++

	return &packet.ACK{
		LastACK:         r.ack,
		RTT:             uint32(r.rtt.SRTT().Microseconds()),
		RTTVar:          uint32(r.rtt.Var().Microseconds()),
		AvailableBuffer: uint32(r.advertised),
		PacketRecvRate:  r.recvRate,
		LinkCapacity:    r.recvRate,
		RecvRate:        r.recvBytesR,
	}, r.ackNo, true
}

// OnACKACK takes an RTT sample from the ACK numbered no.
func (r *Receiver) OnACKACK(no uint32, now time.Time) (time.Duration, bool) {
	rec := r.ackHistory[no%uint32(len(r.ackHistory))]
	if rec.no != no || rec.at.IsZero() {
		return 0, false
	}
	if no == r.lastACKNo {
		r.ackAcked = true
	}
	d := now.Sub(rec.at)
	r.rtt.Sample(d)
	return d, true
}

// PendingNAK returns the gaps due for a loss report: gaps older than the
// NAK delay that were not reported within max(NAK delay, RTO).
func (r *Receiver) PendingNAK(now time.Time) []packet.LossRange {
	interval := max(r.cfg.NAKDelay, r.rtt.SRTT()+4*r.rtt.Var())
	loss := r.loss.due(now, r.cfg.NAKDelay, interval)
	if len(loss) > 0 {
		r.stats.NAKsSent++
	}
	return loss
}

// OnDropRequest gives up on the packets in [first, last] that are still
// missing: they are removed from the loss list and the watermark skips
// over them. Messages left incomplete are discarded on delivery.
func (r *Receiver) OnDropRequest(first, last seq.Number) {
	if seq.Less(last, r.ack) || seq.Less(last, first) {
		return
	}
	for n := seq.MaxOf(first, r.ack); seq.LessEq(n, last); n = n.Inc() {
		if int(seq.Distance(r.base, n)) >= len(r.slots) {
			break
		}
		r.loss.remove(n)
		i := r.slot(n)
		if r.slots[i] == nil {
			r.slots[i] = &packet.DataPacket{Seq: n}
		}
		if !seq.Less(n, r.top) {
			r.top = n.Inc()
		}
	}
	for seq.Less(r.ack, r.top) && r.slots[r.slot(r.ack)] != nil {
		r.ack = r.ack.Inc()
	}
}

// deliverAt returns when a message whose first packet carries ts may be
// handed to the application.
func (r *Receiver) deliverAt(ts uint32) time.Time {
	return r.peerStart.Add(time.Duration(ts)*time.Microsecond + r.cfg.Latency)
}

// complete returns the number of packets forming the message at base, or
// 0 if it is not yet contiguous.
func (r *Receiver) complete() int {
	if r.cfg.StreamMode {
		if r.base != r.ack {
			return 1
		}
		return 0
	}
	k := 0
	for n := r.base; seq.Less(n, r.ack); n = n.Inc() {
		p := r.slots[r.slot(n)]
		if k > 0 && p.Position.IsFirst() {
			return k // the run before n never closed
		}
		k++
		if p.Position.IsLast() {
			return k
		}
	}
	return 0
}

func (r *Receiver) release(k int) []*packet.DataPacket {
	out := make([]*packet.DataPacket, k)
	for i := 0; i < k; i++ {
		out[i] = r.slots[r.head]
		r.slots[r.head] = nil
		r.head = (r.head + 1) % len(r.slots)
		r.base = r.base.Inc()
	}
	r.loss.trimBefore(r.base)
	return out
}

// NextDelivery returns when the next complete message becomes
// deliverable. It reports false when nothing is complete.
func (r *Receiver) NextDelivery() (time.Time, bool) {
	k := r.complete()
	if k == 0 {
		return time.Time{}, false
	}
	if r.cfg.Latency <= 0 {
		return time.Time{}, true
	}
	return r.deliverAt(r.slots[r.head].Timestamp), true
}

// Deliver returns the next complete message in sequence order. A message
// never overtakes an earlier one, and with a latency configured it is held
// until its delivery time. Fragments that cannot form a message (dropped
// by a drop request, or missing their first packet) are discarded.
func (r *Receiver) Deliver(now time.Time) ([]byte, bool) {
	for {
		k := r.complete()
		if k == 0 {
			return nil, false
		}
		first := r.slots[r.head]
		if r.cfg.Latency > 0 && now.Before(r.deliverAt(first.Timestamp)) {
			return nil, false
		}
		pkts := r.release(k)
		if !r.wellFormed(pkts) {
			continue
		}

		size := 0
		for _, p := range pkts {
			size += len(p.Payload)
		}
		msg := make([]byte, 0, size)
		for _, p := range pkts {
			msg = append(msg, p.Payload...)
		}
		r.stats.MessagesDelivered++
		r.stats.BytesDelivered += uint64(size)
		return msg, true
	}
}

func (r *Receiver) wellFormed(pkts []*packet.DataPacket) bool {
	for _, p := range pkts {
		if p.MsgNo == 0 {
			return false // placeholder from a drop request
		}
	}
	if r.cfg.StreamMode {
		return true
	}
	return pkts[0].Position.IsFirst() && pkts[len(pkts)-1].Position.IsLast()
}
