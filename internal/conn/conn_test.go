package conn

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/zsiec/srtkit/internal/arq"
	"github.com/zsiec/srtkit/internal/clock"
	"github.com/zsiec/srtkit/internal/congestion"
	"github.com/zsiec/srtkit/internal/crypto"
	"github.com/zsiec/srtkit/internal/entropy"
	"github.com/zsiec/srtkit/internal/handshake"
	"github.com/zsiec/srtkit/internal/netsim"
	"github.com/zsiec/srtkit/internal/seq"
	"github.com/zsiec/srtkit/packet"
)

const (
	callerISN = seq.Max - 20 // wraps during most tests
	pass      = "correct horse battery"
)

var (
	epoch      = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	callerAddr = netip.MustParseAddrPort("192.0.2.10:40000")
	listenAddr = netip.MustParseAddrPort("192.0.2.20:9000")
	quiet      = slog.New(slog.NewTextHandler(io.Discard, nil))
	delay5ms   = netsim.Config{Delay: 5 * time.Millisecond}
)

func callerConfig() Config {
	return Config{
		Handshake: handshake.Config{
			Peer:       listenAddr,
			SocketID:   0x1111,
			ISN:        callerISN,
			MSS:        1500,
			FlowWindow: 8192,
			Entropy:    entropy.NewSeeded(1),
		},
		Logger: quiet,
	}
}

func listenerConfig() Config {
	return Config{
		Handshake: handshake.Config{
			Peer:         callerAddr,
			SocketID:     0x2222,
			ISN:          5000,
			MSS:          1500,
			FlowWindow:   8192,
			CookieSecret: []byte("cookie secret"),
			Entropy:      entropy.NewSeeded(2),
		},
		Logger: quiet,
	}
}

// sim connects a caller Conn to a listener over two simulated links and
// drives both on a manual clock.
type sim struct {
	t    *testing.T
	clk  *clock.Manual
	a, b *Conn

	ab, ba *netsim.Link
	lcfg   Config

	listenErr error
	got       [][]byte
	gotAt     []time.Time
	recvErr   error
	paused    bool // listener application not reading
}

func newSim(t *testing.T, ccfg, lcfg Config, ab, ba netsim.Config) *sim {
	t.Helper()
	s := &sim{
		t:    t,
		clk:  clock.NewManual(epoch),
		ab:   netsim.NewLink(ab),
		ba:   netsim.NewLink(ba),
		lcfg: lcfg,
	}
	s.a = Dial(ccfg, s.clk.Now())
	return s
}

// toListener plays the listener socket: handshakes go to a fresh machine
// until the connection exists, everything else to the accepted Conn.
func (s *sim) toListener(d []byte, now time.Time) {
	p, err := packet.Decode(d)
	if err != nil {
		return
	}
	if s.b != nil {
		s.b.HandlePacket(p, now)
		return
	}
	cp, ok := p.(*packet.ControlPacket)
	if !ok || cp.Type != packet.CtrlHandshake {
		return
	}
	m := handshake.New(func() handshake.Config {
		hc := s.lcfg.Handshake
		hc.Role = handshake.Listener
		return hc
	}())
	for _, a := range m.Handle(now, handshake.Received{HS: cp.CIF.(*packet.Handshake)}) {
		switch a := a.(type) {
		case handshake.Send:
			rsp := &packet.ControlPacket{Type: packet.CtrlHandshake, CIF: a.HS}
			rsp.DestSocketID = a.DestSocketID
			s.ba.Send(packet.Encode(rsp), now)
		case handshake.Done:
			s.b = Accept(s.lcfg, a.Params, now)
		case handshake.Failed:
			s.listenErr = a.Err
		}
	}
}

func (s *sim) collect(now time.Time) {
	if s.b == nil || s.recvErr != nil || s.paused {
		return
	}
	for {
		msg, err := s.b.Receive(now)
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			s.recvErr = err
			return
		}
		s.got = append(s.got, msg)
		s.gotAt = append(s.gotAt, now)
	}
}

func (s *sim) pump() {
	for {
		now := s.clk.Now()
		moved := false
		for _, d := range s.a.Outbox() {
			s.ab.Send(d, now)
			moved = true
		}
		if s.b != nil {
			for _, d := range s.b.Outbox() {
				s.ba.Send(d, now)
				moved = true
			}
		}
		for _, d := range s.ab.Receive(now) {
			s.toListener(d, now)
			moved = true
		}
		for _, d := range s.ba.Receive(now) {
			if p, err := packet.Decode(d); err == nil {
				s.a.HandlePacket(p, now)
			}
			moved = true
		}
		if at, ok := s.a.NextDeadline(); ok && !at.After(now) {
			s.a.Tick(now)
			moved = true
		}
		if s.b != nil {
			if at, ok := s.b.NextDeadline(); ok && !at.After(now) {
				s.b.Tick(now)
				moved = true
			}
		}
		s.collect(now)
		if !moved {
			return
		}
	}
}

func (s *sim) next() time.Time {
	now := s.clk.Now()
	best := now.Add(100 * time.Millisecond)
	consider := func(at time.Time, ok bool) {
		if ok && at.Before(best) {
			best = at
		}
	}
	consider(s.a.NextDeadline())
	if s.b != nil {
		consider(s.b.NextDeadline())
	}
	consider(s.ab.Next())
	consider(s.ba.Next())
	if !best.After(now) {
		best = now.Add(time.Microsecond)
	}
	return best
}

// runUntil advances simulated time until done reports true or limit
// elapses.
func (s *sim) runUntil(limit time.Duration, done func() bool) bool {
	end := s.clk.Now().Add(limit)
	for {
		s.pump()
		if done() {
			return true
		}
		if s.clk.Now().After(end) {
			return false
		}
		s.clk.Set(s.next())
	}
}

func (s *sim) connect() {
	s.t.Helper()
	ok := s.runUntil(30*time.Second, func() bool {
		return s.a.State() != Handshaking && s.b != nil
	})
	if !ok || s.a.State() != Connected {
		s.t.Fatalf("connect: caller state %s, err %v, listener err %v", s.a.State(), s.a.Err(), s.listenErr)
	}
}

func (s *sim) sendAll(msgs [][]byte) {
	s.t.Helper()
	for i, m := range msgs {
		if err := s.a.Send(m, s.clk.Now()); err != nil {
			s.t.Fatalf("send %d: %v", i, err)
		}
	}
}

func (s *sim) expect(msgs [][]byte, limit time.Duration) {
	s.t.Helper()
	if !s.runUntil(limit, func() bool { return len(s.got) >= len(msgs) || s.recvErr != nil }) {
		s.t.Fatalf("delivered %d of %d messages", len(s.got), len(msgs))
	}
	if s.recvErr != nil {
		s.t.Fatalf("receive: %v after %d messages", s.recvErr, len(s.got))
	}
	if len(s.got) != len(msgs) {
		s.t.Fatalf("delivered %d messages, want %d", len(s.got), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(s.got[i], msgs[i]) {
			s.t.Fatalf("message %d: got %d bytes, want %d bytes (content differs)", i, len(s.got[i]), len(msgs[i]))
		}
	}
}

func messages(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		sz := size
		if sz <= 0 {
			sz = 1 + (i*997)%4000
		}
		m := make([]byte, sz)
		for j := range m {
			m[j] = byte(i*31 + j)
		}
		out[i] = m
	}
	return out
}

func TestLosslessOrderedDelivery(t *testing.T) {
	t.Parallel()
	s := newSim(t, callerConfig(), listenerConfig(), delay5ms, delay5ms)
	s.connect()

	p := s.a.Params()
	if p.MSS != 1500 || p.SendISN != callerISN || p.RecvISN != 5000 {
		t.Errorf("caller params MSS=%d SendISN=%d RecvISN=%d", p.MSS, p.SendISN, p.RecvISN)
	}

	msgs := messages(200, 0)
	s.sendAll(msgs)
	s.expect(msgs, 10*time.Second)

	st := s.a.Stats(s.clk.Now())
	if st.Retransmits != 0 {
		t.Errorf("retransmits = %d on a lossless link, want 0", st.Retransmits)
	}
	if st.RTTMs <= 0 {
		t.Errorf("rtt = %v, want > 0", st.RTTMs)
	}
	if rs := s.b.Stats(s.clk.Now()); rs.MessagesDelivered != 200 || rs.PacketsDropped != 0 {
		t.Errorf("receiver delivered=%d dropped=%d, want 200/0", rs.MessagesDelivered, rs.PacketsDropped)
	}
}

func TestSingleLossRecoveredByNAK(t *testing.T) {
	t.Parallel()
	target := seq.Number(callerISN).Add(3)
	dropped := false
	ab := netsim.Config{
		Delay: 5 * time.Millisecond,
		Drop: func(b []byte) bool {
			p, err := packet.Decode(b)
			if err != nil {
				return false
			}
			dp, ok := p.(*packet.DataPacket)
			if ok && dp.Seq == target && !dropped {
				dropped = true
				return true
			}
			return false
		},
	}
	s := newSim(t, callerConfig(), listenerConfig(), ab, delay5ms)
	s.connect()

	sent := s.clk.Now()
	msgs := messages(10, 200)
	s.sendAll(msgs)
	s.expect(msgs, 5*time.Second)

	if !dropped {
		t.Fatal("target packet never sent")
	}
	if took := s.gotAt[3].Sub(sent); took >= arq.InitialRTT+4*arq.InitialRTTVar+DefaultACKInterval {
		t.Errorf("lost packet delivered after %v, want within one RTO", took)
	}
	st := s.a.Stats(s.clk.Now())
	if st.NAKRetransmits != 1 || st.Retransmits != 1 {
		t.Errorf("nak retransmits=%d retransmits=%d, want 1/1", st.NAKRetransmits, st.Retransmits)
	}
}

func TestSeededLossDeliversIntact(t *testing.T) {
	t.Parallel()
	ab := netsim.Config{Delay: 5 * time.Millisecond, Loss: 0.2, Seed: 42}
	ba := netsim.Config{Delay: 5 * time.Millisecond, Loss: 0.2, Seed: 43}
	s := newSim(t, callerConfig(), listenerConfig(), ab, ba)
	s.connect()

	msgs := messages(300, 1000)
	s.sendAll(msgs)
	s.expect(msgs, 2*time.Minute)

	st := s.a.Stats(s.clk.Now())
	if st.Retransmits == 0 {
		t.Error("no retransmissions at 20% loss")
	}
	if st.LossRate <= 0 {
		t.Errorf("loss rate = %v, want > 0", st.LossRate)
	}
	if s.a.Err() != nil {
		t.Errorf("caller error: %v", s.a.Err())
	}
}

func TestRetransmissionLimitFailsLink(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.MaxRetransmits = 3
	cc.PeerIdleTimeout = time.Minute
	lc := listenerConfig()
	lc.PeerIdleTimeout = time.Minute
	s := newSim(t, cc, lc, delay5ms, delay5ms)
	s.connect()

	s.ab.SetLoss(1)
	if err := s.a.Send([]byte("lost forever"), s.clk.Now()); err != nil {
		t.Fatal(err)
	}
	if !s.runUntil(time.Minute, func() bool { return s.a.State() == Closed }) {
		t.Fatal("caller never gave up")
	}

	err := s.a.Send([]byte("x"), s.clk.Now())
	if !errors.Is(err, arq.ErrLinkFailure) || errors.Is(err, ErrPeerIdle) {
		t.Fatalf("first send after failure: got %v, want ErrLinkFailure", err)
	}
	if err := s.a.Send([]byte("x"), s.clk.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("second send: got %v, want ErrClosed", err)
	}
	if _, err := s.a.Receive(s.clk.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("receive: got %v, want ErrClosed", err)
	}
}

func TestPeerIdleTimeout(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.PeerIdleTimeout = 2 * time.Second
	s := newSim(t, cc, listenerConfig(), delay5ms, delay5ms)
	s.connect()

	s.ab.SetLoss(1)
	s.ba.SetLoss(1)
	start := s.clk.Now()
	if !s.runUntil(10*time.Second, func() bool { return s.a.State() == Closed }) {
		t.Fatal("idle timeout never fired")
	}
	if took := s.clk.Now().Sub(start); took < time.Second || took > 2100*time.Millisecond {
		t.Errorf("closed after %v, want about 2s", took)
	}
	_, err := s.a.Receive(s.clk.Now())
	if !errors.Is(err, ErrPeerIdle) || !errors.Is(err, arq.ErrLinkFailure) {
		t.Errorf("got %v, want ErrPeerIdle wrapping ErrLinkFailure", err)
	}
}

func TestKeepAliveHoldsIdleConnection(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.PeerIdleTimeout = 2 * time.Second
	lc := listenerConfig()
	lc.PeerIdleTimeout = 2 * time.Second
	s := newSim(t, cc, lc, delay5ms, delay5ms)
	s.connect()

	s.runUntil(10*time.Second, func() bool { return s.a.State() != Connected || s.b.State() != Connected })
	if s.a.State() != Connected || s.b.State() != Connected {
		t.Fatalf("idle connection dropped: caller %s (%v), listener %s (%v)",
			s.a.State(), s.a.Err(), s.b.State(), s.b.Err())
	}
}

func TestGracefulClose(t *testing.T) {
	t.Parallel()
	s := newSim(t, callerConfig(), listenerConfig(), delay5ms, delay5ms)
	s.connect()

	msgs := messages(20, 3000)
	s.sendAll(msgs)
	s.a.Close(s.clk.Now())
	s.a.Close(s.clk.Now())

	if err := s.a.Send([]byte("late"), s.clk.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: got %v, want ErrClosed", err)
	}
	if !s.runUntil(5*time.Second, func() bool { return s.b.State() == Closed && s.recvErr != nil }) {
		t.Fatalf("listener state %s after close", s.b.State())
	}
	if !errors.Is(s.recvErr, ErrClosed) {
		t.Errorf("receive after peer close: got %v, want ErrClosed", s.recvErr)
	}
	if s.a.State() != Closed || s.a.Err() != nil {
		t.Errorf("caller state %s err %v, want closed without error", s.a.State(), s.a.Err())
	}
	if len(s.got) != len(msgs) {
		t.Fatalf("delivered %d messages before close, want %d", len(s.got), len(msgs))
	}
}

func TestCloseTimeoutAbandonsData(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.CloseTimeout = 500 * time.Millisecond
	cc.PeerIdleTimeout = time.Minute
	s := newSim(t, cc, listenerConfig(), delay5ms, delay5ms)
	s.connect()

	s.ab.SetLoss(1)
	if err := s.a.Send([]byte("stuck"), s.clk.Now()); err != nil {
		t.Fatal(err)
	}
	s.a.Close(s.clk.Now())
	if s.a.State() != Closing {
		t.Fatalf("state %s, want closing", s.a.State())
	}
	start := s.clk.Now()
	s.runUntil(5*time.Second, func() bool { return s.a.State() == Closed })
	if took := s.clk.Now().Sub(start); took < 500*time.Millisecond || took > time.Second {
		t.Errorf("closed after %v, want about 500ms", took)
	}
}

func TestLatencyNegotiationAndTSBPD(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.Handshake.Latency = 100 * time.Millisecond
	lc := listenerConfig()
	lc.Handshake.Latency = 200 * time.Millisecond
	s := newSim(t, cc, lc, delay5ms, delay5ms)
	s.connect()

	if got := s.a.Params().Latency; got != 200*time.Millisecond {
		t.Errorf("caller latency = %v, want 200ms", got)
	}
	if got := s.b.Params().Latency; got != 200*time.Millisecond {
		t.Errorf("listener latency = %v, want 200ms", got)
	}

	sent := s.clk.Now()
	msgs := messages(3, 100)
	s.sendAll(msgs)
	s.expect(msgs, 5*time.Second)
	if took := s.gotAt[0].Sub(sent); took < 200*time.Millisecond || took > 300*time.Millisecond {
		t.Errorf("first message delivered after %v, want 200ms plus one-way delay", took)
	}
}

func TestStreamModeDeliversChunks(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.Handshake.StreamMode = true
	lc := listenerConfig()
	lc.Handshake.StreamMode = true
	s := newSim(t, cc, lc, delay5ms, delay5ms)
	s.connect()

	payload := messages(1, 5000)[0]
	s.sendAll([][]byte{payload})
	s.runUntil(5*time.Second, func() bool { return len(bytes.Join(s.got, nil)) >= len(payload) })
	if got := bytes.Join(s.got, nil); !bytes.Equal(got, payload) {
		t.Fatalf("stream reassembled %d bytes, want %d", len(got), len(payload))
	}
	if len(s.got) < 2 {
		t.Errorf("got %d chunks, want one per packet", len(s.got))
	}
}

func TestEncryptedRotationAndStaleKey(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.Handshake.Passphrase = pass
	cc.Handshake.KeyLen = 16
	cc.Handshake.KeyRefreshPackets = 40
	cc.Handshake.KeyPreAnnounce = 10
	lc := listenerConfig()
	lc.Handshake.Passphrase = pass
	lc.Handshake.KeyLen = 16

	var first []byte
	ab := netsim.Config{
		Delay: 5 * time.Millisecond,
		Drop: func(b []byte) bool {
			if first == nil && len(b) > 0 && b[0]&0x80 == 0 {
				first = append([]byte(nil), b...)
			}
			return false
		},
	}
	s := newSim(t, cc, lc, ab, delay5ms)
	s.connect()
	if !s.a.Params().Encrypted() || !s.b.Params().Encrypted() {
		t.Fatal("connection is not encrypted")
	}

	msgs := messages(200, 500)
	s.sendAll(msgs)
	s.expect(msgs, 20*time.Second)

	st := s.a.Stats(s.clk.Now())
	if st.KeyAnnounces < 4 {
		t.Errorf("key announcements = %d, want at least 4 over 5 rotations", st.KeyAnnounces)
	}
	if !st.Encrypted || st.KeyLength != 16 {
		t.Errorf("stats encrypted=%v keyLength=%d", st.Encrypted, st.KeyLength)
	}

	// Replay the first packet, sealed with a key the receiver has since
	// retired.
	p, err := packet.Decode(first)
	if err != nil {
		t.Fatal(err)
	}
	if k := p.(*packet.DataPacket).Key; k != packet.KeyEven {
		t.Fatalf("first packet key = %v, want even", k)
	}
	before := s.b.Stats(s.clk.Now()).DecryptFailures
	s.b.HandlePacket(p, s.clk.Now())
	if got := s.b.Stats(s.clk.Now()).DecryptFailures; got != before+1 {
		t.Errorf("decrypt failures = %d, want %d", got, before+1)
	}
	if _, err := s.b.Receive(s.clk.Now()); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("stale packet delivered: %v", err)
	}
}

func TestHandshakeRejectionSurfacesOnce(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.Handshake.Passphrase = pass
	cc.Handshake.KeyLen = 16
	lc := listenerConfig()
	lc.Handshake.Passphrase = "a different passphrase"
	lc.Handshake.KeyLen = 16
	s := newSim(t, cc, lc, delay5ms, delay5ms)

	s.runUntil(10*time.Second, func() bool { return s.a.State() == Closed })
	err := s.a.Send([]byte("x"), s.clk.Now())
	var herr *handshake.HandshakeError
	if !errors.As(err, &herr) || herr.Reason != handshake.RejBadSecret {
		t.Fatalf("got %v, want bad secret rejection", err)
	}
	if !errors.Is(err, handshake.ErrHandshakeFailed) {
		t.Errorf("%v does not wrap ErrHandshakeFailed", err)
	}
	if _, err := s.a.Receive(s.clk.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("second call: got %v, want ErrClosed", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.ConnectTimeout = time.Second
	s := newSim(t, cc, listenerConfig(), netsim.Config{Loss: 1}, delay5ms)

	start := s.clk.Now()
	s.runUntil(10*time.Second, func() bool { return s.a.State() == Closed })
	if took := s.clk.Now().Sub(start); took < time.Second || took > 1100*time.Millisecond {
		t.Errorf("gave up after %v, want 1s", took)
	}
	var herr *handshake.HandshakeError
	if err := s.a.Err(); !errors.As(err, &herr) || herr.Reason != handshake.RejTimeout {
		t.Errorf("got %v, want timeout", err)
	}
}

func TestKeyMaterialBadSecretIsFatal(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.Handshake.Passphrase = pass
	cc.Handshake.KeyLen = 16
	lc := listenerConfig()
	lc.Handshake.Passphrase = pass
	lc.Handshake.KeyLen = 16
	s := newSim(t, cc, lc, delay5ms, delay5ms)
	s.connect()

	enc, err := crypto.NewEncryptor(crypto.EncryptorConfig{
		Passphrase: "someone else's secret",
		KeyLen:     16,
		Entropy:    entropy.NewSeeded(9),
	})
	if err != nil {
		t.Fatal(err)
	}
	km, err := enc.Message()
	if err != nil {
		t.Fatal(err)
	}
	req := &packet.ControlPacket{
		Type:    packet.CtrlUserDefined,
		Subtype: packet.SubtypeKMReq,
		CIF:     &packet.KeyMaterial{Data: km},
	}
	s.b.HandlePacket(req, s.clk.Now())

	if s.b.State() != Closed || !errors.Is(s.b.Err(), crypto.ErrKeyExchangeFailed) {
		t.Fatalf("listener state %s err %v, want closed with key exchange failure", s.b.State(), s.b.Err())
	}
	s.runUntil(time.Second, func() bool { return s.a.State() == Closed })
	if !errors.Is(s.a.Err(), crypto.ErrKeyExchangeFailed) {
		t.Errorf("caller err = %v, want key exchange failure from KMRSP", s.a.Err())
	}
}

func TestAbortSendsNothing(t *testing.T) {
	t.Parallel()
	s := newSim(t, callerConfig(), listenerConfig(), delay5ms, delay5ms)
	s.connect()

	gone := errors.New("socket gone")
	s.a.Abort(s.clk.Now(), gone)
	if out := s.a.Outbox(); len(out) != 0 {
		t.Errorf("abort queued %d datagrams, want 0", len(out))
	}
	if _, ok := s.a.NextDeadline(); ok {
		t.Error("timers still armed after abort")
	}
	if _, err := s.a.Receive(s.clk.Now()); !errors.Is(err, gone) {
		t.Errorf("first receive: got %v, want %v", err, gone)
	}
	if _, err := s.a.Receive(s.clk.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("second receive: got %v, want ErrClosed", err)
	}
}

func TestSlowReaderHoldsLink(t *testing.T) {
	t.Parallel()
	cc := callerConfig()
	cc.Handshake.FlowWindow = 32
	lc := listenerConfig()
	lc.Handshake.FlowWindow = 32
	s := newSim(t, cc, lc, delay5ms, delay5ms)
	s.connect()

	s.paused = true
	msgs := messages(100, 1000)
	s.sendAll(msgs)
	s.runUntil(5*time.Second, func() bool { return false })

	if s.a.State() != Connected || s.a.Err() != nil {
		t.Fatalf("caller state %s err %v while the reader stalled", s.a.State(), s.a.Err())
	}
	if len(s.got) != 0 {
		t.Fatalf("delivered %d messages while paused", len(s.got))
	}
	if got := s.b.Stats(s.clk.Now()).RecvBuffered; got > 32 {
		t.Errorf("receiver holds %d packets, window is 32", got)
	}
	if st := s.a.Stats(s.clk.Now()); st.Retransmits > 50 {
		t.Errorf("retransmits = %d during a 5s stall, want about one per RTO", st.Retransmits)
	}

	s.paused = false
	s.expect(msgs, 10*time.Second)
	if s.a.State() != Connected {
		t.Errorf("caller state %s after drain", s.a.State())
	}
}

func TestCongestionWindowGrows(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		maxWindow int
		wantMax   int
	}{
		{"unbounded", 0, 1 << 30},
		{"ceiling", 48, 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cc := callerConfig()
			cc.MaxWindow = tt.maxWindow
			s := newSim(t, cc, listenerConfig(), delay5ms, delay5ms)
			s.connect()

			msgs := messages(400, 1000)
			s.sendAll(msgs)
			s.expect(msgs, 10*time.Second)

			got := s.a.Stats(s.clk.Now()).CongestionWindow
			if got <= congestion.InitialWindow || got > tt.wantMax {
				t.Errorf("congestion window = %d, want in (%d, %d]", got, congestion.InitialWindow, tt.wantMax)
			}
		})
	}
}
