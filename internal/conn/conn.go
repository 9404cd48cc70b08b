// Package conn is the per-connection SRT engine. A Conn joins the
// handshake machine, the ARQ sender and receiver, the congestion
// controller and pacer, and the payload ciphers behind one tagged state.
//
// A Conn performs no I/O and starts no goroutines. Its owner feeds it
// decoded packets with HandlePacket, calls Tick when NextDeadline passes,
// and writes the datagrams returned by Outbox to the peer. Every method
// takes the current time, so simulations run on a manual clock.
package conn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/srtkit/internal/arq"
	"github.com/zsiec/srtkit/internal/clock"
	"github.com/zsiec/srtkit/internal/congestion"
	"github.com/zsiec/srtkit/internal/crypto"
	"github.com/zsiec/srtkit/internal/handshake"
	"github.com/zsiec/srtkit/packet"
)

// State is the connection lifecycle stage.
type State uint8

// Connection states.
const (
	Handshaking State = iota
	Connected
	Closing // local close requested, flushing the send buffer
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type counters struct {
	controlSent     uint64
	controlReceived uint64
	dataDropped     uint64
	decryptFailures uint64
	peerErrors      uint64
	messagesSent    uint64
	keyAnnounces    uint64
}

// Conn is one SRT connection. It is not safe for concurrent use; the
// owner serializes every call.
type Conn struct {
	cfg   Config
	log   *slog.Logger
	state State
	now   time.Time
	start time.Time

	hs     *handshake.Machine
	params handshake.Params
	timers clock.Timers

	rtt     *arq.RTT
	snd     *arq.Sender
	rcv     *arq.Receiver
	cc      *congestion.Controller
	pacer   *congestion.Pacer
	enc     *crypto.Encryptor
	dec     *crypto.Decryptor
	payload int

	pendingKM []byte
	kmTries   int
	stallAt   time.Time

	lastSend    time.Time
	lastRecv    time.Time
	localClosed bool
	peerClosed  bool
	err         error
	errTaken    bool
	tail        [][]byte // messages still deliverable after the peer closed
	final       *Stats

	out   [][]byte
	count counters
}

func newConn(cfg Config, now time.Time) *Conn {
	cfg.setDefaults()
	return &Conn{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "srt-conn", "socket_id", cfg.Handshake.SocketID),
		now:      now,
		start:    now,
		lastSend: now,
		lastRecv: now,
	}
}

// Dial starts a caller connection and queues its induction request.
func Dial(cfg Config, now time.Time) *Conn {
	cfg.Handshake.Role = handshake.Caller
	c := newConn(cfg, now)
	c.hs = handshake.New(c.cfg.Handshake)
	c.timers.After(clock.TimerConnect, now, c.cfg.ConnectTimeout)
	c.apply(c.hs.Handle(now, handshake.Start{}))
	return c
}

// Accept returns a listener-side connection for a completed handshake.
// The owner is responsible for sending the handshake response itself;
// the Conn re-sends p.Response when the caller repeats its conclusion.
func Accept(cfg Config, p handshake.Params, now time.Time) *Conn {
	cfg.Handshake.Role = handshake.Listener
	cfg.Handshake.SocketID = p.LocalSocketID
	c := newConn(cfg, now)
	c.establish(p)
	return c
}

// State returns the lifecycle stage.
func (c *Conn) State() State { return c.state }

// Err returns the terminal error without consuming it.
func (c *Conn) Err() error { return c.err }

// Params returns the negotiated parameters. They are zero while the
// handshake is in progress.
func (c *Conn) Params() handshake.Params { return c.params }

// SocketID returns the local socket id.
func (c *Conn) SocketID() uint32 { return c.cfg.Handshake.SocketID }

// Outbox returns and clears the datagrams waiting to be written.
func (c *Conn) Outbox() [][]byte {
	out := c.out
	c.out = nil
	return out
}

// NextDeadline returns when Tick must next be called.
func (c *Conn) NextDeadline() (time.Time, bool) {
	return c.timers.Next()
}

// HandlePacket processes one packet addressed to this connection.
func (c *Conn) HandlePacket(p packet.Packet, now time.Time) {
	c.now = now
	switch c.state {
	case Closed:
		return
	case Handshaking:
		cp, ok := p.(*packet.ControlPacket)
		if !ok || cp.Type != packet.CtrlHandshake {
			c.count.dataDropped++
			return
		}
		hs, _ := cp.CIF.(*packet.Handshake)
		c.apply(c.hs.Handle(now, handshake.Received{HS: hs}))
		c.flush()
		c.schedule()
		return
	}

	c.lastRecv = now
	c.timers.After(clock.TimerIdle, now, c.cfg.PeerIdleTimeout)
	switch p := p.(type) {
	case *packet.DataPacket:
		c.onData(p)
	case *packet.ControlPacket:
		c.count.controlReceived++
		c.onControl(p)
	}
	c.flush()
	c.schedule()
}

// Tick fires every expired timer and sends whatever the windows allow.
func (c *Conn) Tick(now time.Time) {
	c.now = now
	for _, id := range c.timers.Expired(now) {
		if c.state == Closed {
			return
		}
		c.fire(id)
	}
	c.flush()
	c.schedule()
}

func (c *Conn) fire(id clock.TimerID) {
	switch id {
	case clock.TimerConnect:
		if c.state == Handshaking {
			c.fail(&handshake.HandshakeError{Reason: handshake.RejTimeout})
		}
	case clock.TimerHandshake:
		if c.state == Handshaking {
			c.apply(c.hs.Handle(c.now, handshake.Timeout{}))
			return
		}
		c.resendKM()
	case clock.TimerACK:
		if ack, no, ok := c.rcv.FullACK(c.now); ok {
			c.sendControl(&packet.ControlPacket{Type: packet.CtrlACK, Info: no, CIF: ack})
		}
	case clock.TimerNAK:
		c.sendNAK()
	case clock.TimerKeepAlive:
		if c.now.Sub(c.lastSend) >= c.cfg.KeepAlive {
			c.sendControl(&packet.ControlPacket{Type: packet.CtrlKeepAlive})
		}
	case clock.TimerIdle:
		c.fail(ErrPeerIdle)
	case clock.TimerRetransmit:
		if n := c.snd.OnTimeout(c.now); n > 0 {
			c.cc.OnTimeout(c.now, c.rtt.SRTT())
			c.pacer.Update(c.now, c.cc.Window(), c.rtt.SRTT())
		}
	case clock.TimerClose:
		c.log.Debug("close timeout, abandoning unsent data", "buffered", c.snd.Buffered())
		c.shutdown()
	case clock.TimerPacing, clock.TimerTSBPD, clock.TimerStall:
		// wake-ups only
	}
}

// Send queues msg for transmission. It returns ErrWouldBlock when the
// send buffer cannot take the whole message.
func (c *Conn) Send(msg []byte, now time.Time) error {
	c.now = now
	if c.localClosed {
		return ErrClosed
	}
	switch c.state {
	case Handshaking:
		return ErrWouldBlock
	case Closed:
		return c.takeErr()
	}
	if err := c.snd.Push(msg, now); err != nil {
		if errors.Is(err, arq.ErrBufferFull) {
			return ErrWouldBlock
		}
		return err
	}
	c.count.messagesSent++
	c.flush()
	c.schedule()
	return nil
}

// Receive returns the next complete message, or ErrWouldBlock when none
// is deliverable at now.
func (c *Conn) Receive(now time.Time) ([]byte, error) {
	c.now = now
	if c.localClosed {
		return nil, ErrClosed
	}
	switch c.state {
	case Handshaking:
		return nil, ErrWouldBlock
	case Closed:
		if len(c.tail) > 0 {
			msg := c.tail[0]
			c.tail = c.tail[1:]
			return msg, nil
		}
		return nil, c.takeErr()
	}
	msg, ok := c.rcv.Deliver(now)
	if !ok {
		return nil, ErrWouldBlock
	}
	c.schedule()
	return msg, nil
}

// Close begins a graceful shutdown: queued data is flushed for up to the
// close timeout, then a shutdown is sent. Close is idempotent.
func (c *Conn) Close(now time.Time) {
	c.now = now
	if c.localClosed {
		return
	}
	c.localClosed = true
	switch c.state {
	case Handshaking:
		c.finish()
	case Connected:
		c.state = Closing
		c.timers.After(clock.TimerClose, now, c.cfg.CloseTimeout)
		c.flush()
		c.schedule()
	}
}

// Abort closes the connection at once without notifying the peer, as when
// the underlying socket is gone. err, if non-nil, is reported once.
func (c *Conn) Abort(now time.Time, err error) {
	c.now = now
	if c.state == Closed {
		return
	}
	if err != nil {
		c.err = err
	}
	c.finish()
}

func (c *Conn) takeErr() error {
	if c.err != nil && !c.errTaken {
		c.errTaken = true
		return c.err
	}
	return ErrClosed
}

func (c *Conn) apply(actions []handshake.Action) {
	for _, a := range actions {
		switch a := a.(type) {
		case handshake.Send:
			c.sendControlTo(&packet.ControlPacket{Type: packet.CtrlHandshake, CIF: a.HS}, a.DestSocketID)
		case handshake.Arm:
			c.timers.After(clock.TimerHandshake, c.now, a.After)
		case handshake.Done:
			c.establish(a.Params)
		case handshake.Failed:
			c.fail(a.Err)
		}
	}
}

func (c *Conn) establish(p handshake.Params) {
	c.params = p
	c.state = Connected
	c.hs = nil
	c.timers.Stop(clock.TimerHandshake)
	c.timers.Stop(clock.TimerConnect)

	c.payload = c.cfg.PayloadSize
	if p.MSS > 0 {
		c.payload = min(c.payload, p.MSS-udpOverhead-packet.HeaderSize)
	}
	if p.Encrypted() {
		c.payload -= crypto.Overhead
	}

	c.rtt = arq.NewRTT()
	c.snd = arq.NewSender(arq.SenderConfig{
		ISN:            p.SendISN,
		PayloadSize:    c.payload,
		BufferPackets:  c.cfg.SendBuffer,
		MaxRetransmits: c.cfg.MaxRetransmits,
		MinRTO:         c.cfg.MinRTO,
		MaxRTO:         c.cfg.MaxRTO,
		MaxBackoff:     c.cfg.MaxBackoff,
		ACKDelay:       c.cfg.ACKInterval,
		StreamMode:     p.StreamMode,
		Start:          c.start,
	}, c.rtt)
	c.rcv = arq.NewReceiver(arq.ReceiverConfig{
		ISN:        p.RecvISN,
		FlowWindow: p.FlowWindow,
		NAKDelay:   c.cfg.NAKDelay,
		StreamMode: p.StreamMode,
		Latency:    p.Latency,
	}, c.rtt)
	c.cc = congestion.New(congestion.Config{MaxWindow: c.cfg.MaxWindow})
	c.cc.SetPeerWindow(p.PeerWindow)
	c.pacer = congestion.NewPacer(c.payload+packet.HeaderSize, c.cfg.MaxBandwidth, c.now)
	c.pacer.Update(c.now, c.cc.Window(), c.rtt.SRTT())
	c.enc, c.dec = p.Encryptor, p.Decryptor

	c.lastRecv = c.now
	c.timers.Every(clock.TimerACK, c.now, c.cfg.ACKInterval)
	c.timers.Every(clock.TimerNAK, c.now, c.cfg.ACKInterval)
	c.timers.Every(clock.TimerKeepAlive, c.now, c.cfg.KeepAlive)
	c.timers.After(clock.TimerIdle, c.now, c.cfg.PeerIdleTimeout)

	c.log = c.log.With("peer_socket_id", p.PeerSocketID)
	c.log.Info("connected",
		"role", p.Role,
		"stream_id", p.StreamID,
		"latency", p.Latency,
		"mss", p.MSS,
		"encrypted", p.Encrypted(),
	)
}

func (c *Conn) onData(p *packet.DataPacket) {
	switch {
	case c.dec != nil:
		if err := c.dec.Open(p); err != nil {
			c.count.decryptFailures++
			c.log.Debug("dropping undecryptable packet", "seq", p.Seq, "key", p.Key, "error", err)
			return
		}
	case p.Key != packet.KeyNone:
		c.count.dataDropped++
		return
	}

	if v := c.rcv.OnData(p, c.now); v != arq.Accepted {
		c.count.dataDropped++
	}
	if ack, ok := c.rcv.LightACK(); ok {
		c.sendControl(&packet.ControlPacket{Type: packet.CtrlACK, CIF: ack})
	}
	c.sendNAK()
}

func (c *Conn) sendNAK() {
	if loss := c.rcv.PendingNAK(c.now); len(loss) > 0 {
		c.sendControl(&packet.ControlPacket{Type: packet.CtrlNAK, CIF: &packet.NAK{Loss: loss}})
	}
}

func (c *Conn) onControl(p *packet.ControlPacket) {
	switch p.Type {
	case packet.CtrlACK:
		ack, ok := p.CIF.(*packet.ACK)
		if !ok {
			return
		}
		if !ack.Light {
			c.sendControl(&packet.ControlPacket{Type: packet.CtrlACKACK, Info: p.Info})
			if c.rtt.Samples() == 0 {
				c.rtt.Adopt(usec(ack.RTT), usec(ack.RTTVar))
			}
			c.cc.SetPeerWindow(int(ack.AvailableBuffer))
		}
		c.cc.OnACK(c.snd.OnACK(ack.LastACK))
		if !ack.Light {
			if n := c.snd.OnWindow(ack.LastACK, int(ack.AvailableBuffer)); n > 0 {
				c.log.Debug("receiver window full, rewinding", "packets", n)
			}
		}
		c.pacer.Update(c.now, c.cc.Window(), c.rtt.SRTT())
	case packet.CtrlACKACK:
		c.rcv.OnACKACK(p.Info, c.now)
	case packet.CtrlNAK:
		nak, ok := p.CIF.(*packet.NAK)
		if !ok {
			return
		}
		if n := c.snd.OnNAK(nak.Loss); n > 0 {
			c.cc.OnLoss(n, c.now, c.rtt.SRTT())
			c.pacer.Update(c.now, c.cc.Window(), c.rtt.SRTT())
		}
	case packet.CtrlCongestionWarning:
		c.cc.OnLoss(1, c.now, c.rtt.SRTT())
		c.pacer.Update(c.now, c.cc.Window(), c.rtt.SRTT())
	case packet.CtrlKeepAlive:
	case packet.CtrlShutdown:
		c.log.Info("peer closed connection")
		c.peerClosed = true
		c.finish()
	case packet.CtrlDropRequest:
		if dr, ok := p.CIF.(*packet.DropRequest); ok {
			c.rcv.OnDropRequest(dr.First, dr.Last)
		}
	case packet.CtrlPeerError:
		c.count.peerErrors++
		c.log.Warn("peer reported error", "code", p.Info)
	case packet.CtrlHandshake:
		hs, ok := p.CIF.(*packet.Handshake)
		if ok && hs.Type == packet.HSConclusion && c.params.Response != nil {
			c.sendControlTo(&packet.ControlPacket{Type: packet.CtrlHandshake, CIF: c.params.Response}, c.params.PeerSocketID)
		}
	case packet.CtrlUserDefined:
		if km, ok := p.CIF.(*packet.KeyMaterial); ok {
			c.onKeyMaterial(p.Subtype, km.Data)
		}
	}
}

func (c *Conn) onKeyMaterial(subtype uint16, km []byte) {
	switch subtype {
	case packet.SubtypeKMReq:
		if c.dec == nil {
			c.sendKMResponse(crypto.KMStatus(crypto.KMStateNoSecret))
			return
		}
		if err := c.dec.Install(km); err != nil {
			c.sendKMResponse(crypto.KMStatus(crypto.KMStateBadSecret))
			c.fail(err)
			return
		}
		c.sendKMResponse(km)
	case packet.SubtypeKMRsp:
		if len(km) == 4 {
			c.fail(fmt.Errorf("%w: peer key state %d", crypto.ErrKeyExchangeFailed, binary.BigEndian.Uint32(km)))
			return
		}
		if c.pendingKM != nil && bytes.Equal(km, c.pendingKM) {
			c.pendingKM = nil
			c.timers.Stop(clock.TimerHandshake)
		}
	}
}

func (c *Conn) sendKMResponse(data []byte) {
	c.sendControl(&packet.ControlPacket{
		Type:    packet.CtrlUserDefined,
		Subtype: packet.SubtypeKMRsp,
		CIF:     &packet.KeyMaterial{Data: data},
	})
}

func (c *Conn) announceKM(km []byte) {
	c.pendingKM = km
	c.kmTries = 0
	c.count.keyAnnounces++
	c.sendKMRequest()
	c.timers.Every(clock.TimerHandshake, c.now, c.cfg.Handshake.Interval)
}

func (c *Conn) sendKMRequest() {
	c.sendControl(&packet.ControlPacket{
		Type:    packet.CtrlUserDefined,
		Subtype: packet.SubtypeKMReq,
		CIF:     &packet.KeyMaterial{Data: c.pendingKM},
	})
}

func (c *Conn) resendKM() {
	if c.pendingKM == nil {
		c.timers.Stop(clock.TimerHandshake)
		return
	}
	c.kmTries++
	if c.kmTries > c.cfg.Handshake.Retries {
		c.fail(fmt.Errorf("%w: no response to key material", crypto.ErrKeyExchangeFailed))
		return
	}
	c.sendKMRequest()
}

// flush sends queued retransmissions first, then as many new packets as
// the congestion window and the pacer allow.
func (c *Conn) flush() {
	if c.state != Connected && c.state != Closing {
		return
	}
	for {
		p, err := c.snd.PopRetransmit(c.now)
		if err != nil {
			c.fail(err)
			return
		}
		if p == nil {
			break
		}
		c.pacer.Force(c.now, len(p.Payload)+packet.HeaderSize)
		c.sendData(p)
	}

	size := c.payload + packet.HeaderSize
	for c.snd.Pending() && c.cc.Allowance(c.snd.InFlight()) > 0 {
		if !c.pacer.Allow(c.now, size) {
			c.timers.At(clock.TimerPacing, c.pacer.Next(c.now, size))
			break
		}
		if !c.sendNew() {
			return
		}
	}
	if c.cc.PeerWindow() == 0 && c.snd.Pending() && c.snd.InFlight() == 0 {
		c.sendIntoStall()
	}

	if c.state == Closing && c.snd.Idle() {
		c.shutdown()
	}
}

// sendNew transmits the next never-sent packet. It reports false if the
// connection failed.
func (c *Conn) sendNew() bool {
	p := c.snd.PopNew(c.now)
	c.cc.OnSent(1)
	if c.enc != nil {
		km, err := c.enc.Advance()
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", crypto.ErrKeyExchangeFailed, err))
			return false
		}
		if km != nil {
			c.announceKM(km)
		}
	}
	c.sendData(p)
	return true
}

// sendIntoStall sends one new packet per RTO while the receiver advertises no
// free space. The receiver answers with a full ACK either way, so the
// sender learns when the window reopens even if the update was lost.
func (c *Conn) sendIntoStall() {
	if c.now.Before(c.stallAt) {
		c.timers.At(clock.TimerStall, c.stallAt)
		return
	}
	c.stallAt = c.now.Add(c.rtt.RTO(c.cfg.MinRTO, c.cfg.MaxRTO) + c.cfg.ACKInterval)
	c.timers.At(clock.TimerStall, c.stallAt)
	c.sendNew()
}

func (c *Conn) schedule() {
	if c.state != Connected && c.state != Closing {
		return
	}
	if d, ok := c.snd.NextDeadline(); ok {
		c.timers.At(clock.TimerRetransmit, d)
	} else {
		c.timers.Stop(clock.TimerRetransmit)
	}
	if at, ok := c.rcv.NextDelivery(); ok && at.After(c.now) {
		c.timers.At(clock.TimerTSBPD, at)
	} else {
		c.timers.Stop(clock.TimerTSBPD)
	}
}

func (c *Conn) sendData(p *packet.DataPacket) {
	p.DestSocketID = c.params.PeerSocketID
	if c.enc != nil {
		c.enc.Seal(p)
	}
	c.emit(p)
}

func (c *Conn) sendControl(p *packet.ControlPacket) {
	c.sendControlTo(p, c.params.PeerSocketID)
}

func (c *Conn) sendControlTo(p *packet.ControlPacket, dest uint32) {
	p.DestSocketID = dest
	p.Timestamp = uint32(c.now.Sub(c.start).Microseconds())
	c.count.controlSent++
	c.emit(p)
}

func (c *Conn) emit(p packet.Packet) {
	c.out = append(c.out, packet.Encode(p))
	c.lastSend = c.now
}

// fail records a fatal error and closes the connection.
func (c *Conn) fail(err error) {
	if c.state == Closed {
		return
	}
	c.err = err
	c.log.Warn("connection failed", "state", c.state, "error", err)
	if c.state == Handshaking {
		c.finish()
		return
	}
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.sendControl(&packet.ControlPacket{Type: packet.CtrlShutdown})
	c.finish()
}

// finish moves to Closed, cancels every timer and releases the buffers.
// Messages already complete when the peer closed stay readable.
func (c *Conn) finish() {
	if c.rcv != nil && c.peerClosed && !c.localClosed {
		horizon := c.now.Add(c.params.Latency + time.Hour)
		for {
			msg, ok := c.rcv.Deliver(horizon)
			if !ok {
				break
			}
			c.tail = append(c.tail, msg)
		}
	}
	s := c.Stats(c.now)
	s.State = Closed.String()
	c.final = &s
	c.state = Closed
	c.timers.StopAll()
	c.snd, c.rcv, c.pendingKM = nil, nil, nil
	c.log.Debug("connection closed", "error", c.err)
}

func usec(v uint32) time.Duration {
	return time.Duration(v) * time.Microsecond
}
