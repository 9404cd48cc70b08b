package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/zsiec/srtkit/internal/netsim"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const secret = "correct horse battery"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = quiet
	cfg.Latency = 40 * time.Millisecond
	return cfg
}

func listen(t *testing.T, cfg Config) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// pair dials l and returns both ends of the new connection.
func pair(t *testing.T, l *Listener, cfg Config) (caller, accepted *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := l.Accept(ctx)
		ch <- result{s, err}
	}()

	caller, err := Dial(ctx, l.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { caller.Close() })
	r := <-ch
	if r.err != nil {
		t.Fatalf("Accept: %v", r.err)
	}
	t.Cleanup(func() { r.s.Close() })
	return caller, r.s
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}
	return b
}

func receive(t *testing.T, s *Session) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := s.ReceiveContext(ctx)
	if err != nil {
		t.Fatalf("ReceiveContext: %v", err)
	}
	return msg
}

func TestLoopbackLargeMessage(t *testing.T) {
	t.Parallel()
	l := listen(t, testConfig())
	cfg := testConfig()
	cfg.StreamID = "live/cam1"
	caller, peer := pair(t, l, cfg)

	if got := peer.StreamID(); got != "live/cam1" {
		t.Errorf("StreamID() = %q, want live/cam1", got)
	}
	if got, want := caller.Settings().Latency, 40*time.Millisecond; got != want {
		t.Errorf("negotiated latency = %s, want %s", got, want)
	}

	msg := payload(10_000, 3)
	if err := caller.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := receive(t, peer); !bytes.Equal(got, msg) {
		t.Fatalf("received %d bytes, want the 10000-byte message intact", len(got))
	}
	if st := caller.Stats(); st.PacketsSent < 8 || st.MessagesSent != 1 {
		t.Errorf("caller stats sent=%d messages=%d", st.PacketsSent, st.MessagesSent)
	}
}

func TestLoopbackBothDirections(t *testing.T) {
	t.Parallel()
	l := listen(t, testConfig())
	caller, peer := pair(t, l, testConfig())

	for i := range 50 {
		if err := caller.SendContext(context.Background(), payload(500+i, byte(i))); err != nil {
			t.Fatalf("caller send %d: %v", i, err)
		}
		if err := peer.SendContext(context.Background(), payload(900, byte(i))); err != nil {
			t.Fatalf("listener send %d: %v", i, err)
		}
	}
	for i := range 50 {
		if got := receive(t, peer); !bytes.Equal(got, payload(500+i, byte(i))) {
			t.Fatalf("listener message %d corrupt (%d bytes)", i, len(got))
		}
		if got := receive(t, caller); !bytes.Equal(got, payload(900, byte(i))) {
			t.Fatalf("caller message %d corrupt (%d bytes)", i, len(got))
		}
	}
}

func TestLoopbackEncrypted(t *testing.T) {
	t.Parallel()
	lcfg := testConfig()
	lcfg.Passphrase = secret
	lcfg.KeyLength = 32
	l := listen(t, lcfg)

	ccfg := testConfig()
	ccfg.Passphrase = secret
	caller, peer := pair(t, l, ccfg)

	st := peer.Settings()
	if !st.Encrypted || st.KeyLength != 32 {
		t.Fatalf("listener settings encrypted=%v keylen=%d, want true/32", st.Encrypted, st.KeyLength)
	}
	msg := payload(4000, 9)
	if err := caller.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := receive(t, peer); !bytes.Equal(got, msg) {
		t.Fatal("decrypted message differs")
	}
	if rs := peer.Stats(); !rs.Encrypted || rs.DecryptFailures != 0 {
		t.Errorf("listener stats encrypted=%v decryptFailures=%d", rs.Encrypted, rs.DecryptFailures)
	}
}

func TestWrongPassphraseRejected(t *testing.T) {
	t.Parallel()
	lcfg := testConfig()
	lcfg.Passphrase = secret
	l := listen(t, lcfg)

	ccfg := testConfig()
	ccfg.Passphrase = "not the right one"
	_, err := Dial(context.Background(), l.Addr().String(), ccfg)
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("Dial error = %v, want *HandshakeError", err)
	}
	if he.Reason != RejBadSecret || !he.Remote {
		t.Errorf("reason %s remote %v, want %s from peer", he.Reason, he.Remote, RejBadSecret)
	}
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("error %v does not wrap ErrHandshakeFailed", err)
	}
}

func TestAcceptFuncRejects(t *testing.T) {
	t.Parallel()
	l := listen(t, testConfig())
	deny := RejUserBase + 3
	l.SetAcceptFunc(func(req ConnRequest) RejectReason {
		if req.StreamID == "blocked" {
			return deny
		}
		return RejNone
	})

	cfg := testConfig()
	cfg.StreamID = "blocked"
	_, err := Dial(context.Background(), l.Addr().String(), cfg)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Reason != deny {
		t.Fatalf("Dial error = %v, want rejection %d", err, deny)
	}
	// The listener counts the rejection after sending it.
	deadline := time.Now().Add(time.Second)
	for l.Rejected() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := l.Rejected(); got != 1 {
		t.Errorf("Rejected() = %d, want 1", got)
	}

	cfg.StreamID = "allowed"
	caller, peer := pair(t, l, cfg)
	if err := caller.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, peer); string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestDialTimeout(t *testing.T) {
	t.Parallel()
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	cfg := testConfig()
	cfg.ConnectTimeout = 300 * time.Millisecond
	start := time.Now()
	_, err = Dial(context.Background(), silent.LocalAddr().String(), cfg)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Reason != RejTimeout {
		t.Fatalf("Dial error = %v, want connection timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestDialContextCancel(t *testing.T) {
	t.Parallel()
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, silent.LocalAddr().String(), testConfig()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dial error = %v, want context.DeadlineExceeded", err)
	}
}

func TestLossyLinkDeliversInOrder(t *testing.T) {
	t.Parallel()
	l := listen(t, testConfig())

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lossy := netsim.Wrap(pc, 0.1, 7)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan *Session, 1)
	go func() {
		s, err := l.Accept(ctx)
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()
	caller, err := DialConn(ctx, lossy, l.Addr(), testConfig())
	if err != nil {
		t.Fatalf("DialConn: %v", err)
	}
	defer caller.Close()
	peer := <-accepted
	if peer == nil {
		t.Fatal("no connection accepted")
	}
	defer peer.Close()

	const n = 200
	for i := range n {
		if err := caller.SendContext(ctx, payload(1200, byte(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := range n {
		msg, err := peer.ReceiveContext(ctx)
		if err != nil {
			t.Fatalf("receive %d: %v (dropped %d)", i, err, lossy.Dropped())
		}
		if !bytes.Equal(msg, payload(1200, byte(i))) {
			t.Fatalf("message %d out of order or corrupt", i)
		}
	}
	if lossy.Dropped() == 0 {
		t.Error("netsim dropped nothing; loss path not exercised")
	}
	if st := caller.Stats(); st.Retransmits == 0 {
		t.Error("no retransmissions despite loss")
	}
}

func TestReadWriteAndEOF(t *testing.T) {
	t.Parallel()
	l := listen(t, testConfig())
	caller, peer := pair(t, l, testConfig())

	msg := payload(3000, 1)
	if n, err := caller.Write(msg); err != nil || n != len(msg) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 1000)
	for len(got) < len(msg) {
		n, err := peer.Read(buf)
		if err != nil {
			t.Fatalf("Read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("Read reassembled a different message")
	}

	if err := caller.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := caller.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if _, err := peer.Read(buf); err != io.EOF {
		t.Errorf("Read after peer close = %v, want io.EOF", err)
	}
	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Error("listener session still running after peer shutdown")
	}
}

func TestListenerCloseEndsSessions(t *testing.T) {
	t.Parallel()
	l, err := Listen("127.0.0.1:0", testConfig())
	if err != nil {
		t.Fatal(err)
	}
	_, peer := pair(t, l, testConfig())

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-peer.Done():
	default:
		t.Error("accepted session outlived its listener")
	}
	if _, err := l.Accept(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept after Close = %v, want ErrClosed", err)
	}
}
