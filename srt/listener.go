package srt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/srtkit/internal/conn"
	"github.com/zsiec/srtkit/internal/entropy"
	"github.com/zsiec/srtkit/internal/handshake"
	"github.com/zsiec/srtkit/internal/seq"
	"github.com/zsiec/srtkit/packet"
)

// peerKey identifies a caller by address and its own socket id, so a
// repeated conclusion reaches the connection it already created.
type peerKey struct {
	addr netip.AddrPort
	id   uint32
}

// Listener accepts SRT callers on one UDP socket.
type Listener struct {
	cfg    Config
	log    *slog.Logger
	src    *entropy.Source
	secret []byte
	start  time.Time
	mux    *mux

	mu      sync.Mutex
	conns   map[peerKey]*Session
	accept  func(ConnRequest) RejectReason
	backlog chan *Session
	closed  bool

	rejected atomic.Int64
	done     chan struct{}
}

// Listen opens a UDP socket on addr and accepts callers on it.
func Listen(addr string, cfg Config) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("srt: resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("srt: listen on %s: %w", addr, err)
	}
	return ListenConn(pc, cfg)
}

// ListenConn accepts callers on an existing packet socket, which the
// listener owns from then on.
func ListenConn(pc net.PacketConn, cfg Config) (*Listener, error) {
	cfg.Mode = ModeListener
	if err := cfg.Validate(); err != nil {
		pc.Close()
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.KeyLength == 0 && cfg.Passphrase != "" {
		cfg.KeyLength = 16
	}
	src := entropyFor(cfg)
	secret, err := src.Bytes(32)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("srt: cookie secret: %w", err)
	}

	l := &Listener{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "srt-listener", "addr", pc.LocalAddr().String()),
		src:     src,
		secret:  secret,
		start:   time.Now(),
		conns:   make(map[peerKey]*Session),
		backlog: make(chan *Session, cfg.Backlog),
		done:    make(chan struct{}),
	}
	l.mux = newMux(pc, l.log, l.handshake)
	l.log.Info("listening")
	return l, nil
}

// SetAcceptFunc installs a callback that may reject callers before a
// connection is created. Returning RejNone accepts.
func (l *Listener) SetAcceptFunc(fn func(ConnRequest) RejectReason) {
	l.mu.Lock()
	l.accept = fn
	l.mu.Unlock()
}

// Accept waits for the next established connection.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	select {
	case s := <-l.backlog:
		return s, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.mux.pc.LocalAddr() }

// Rejected returns the number of handshakes refused so far.
func (l *Listener) Rejected() int64 { return l.rejected.Load() }

// admit runs inside the handshake machine once a conclusion is valid.
func (l *Listener) admit(req ConnRequest) RejectReason {
	l.mu.Lock()
	closed, fn := l.closed, l.accept
	l.mu.Unlock()
	switch {
	case closed:
		return RejClose
	case len(l.backlog) >= cap(l.backlog):
		return RejBacklog
	case fn != nil:
		return fn(req)
	}
	return RejNone
}

// handshake serves packets addressed to socket id 0.
func (l *Listener) handshake(cp *packet.ControlPacket, from net.Addr) {
	hs, ok := cp.CIF.(*packet.Handshake)
	if !ok {
		return
	}
	peer := addrPort(from)
	key := peerKey{addr: peer, id: hs.SocketID}

	l.mu.Lock()
	existing := l.conns[key]
	l.mu.Unlock()
	if existing != nil {
		existing.deliver(cp)
		return
	}

	id, err := l.src.SocketID()
	if err != nil {
		l.log.Error("socket id", "error", err)
		return
	}
	isn, err := l.src.InitialSeq()
	if err != nil {
		l.log.Error("initial sequence", "error", err)
		return
	}
	ccfg := l.cfg.connConfig(l.src, l.cfg.Logger)
	hc := ccfg.Handshake
	hc.Role = handshake.Listener
	hc.Peer = peer
	hc.SocketID = id
	hc.ISN = seq.New(isn)
	hc.CookieSecret = l.secret
	hc.Accept = l.admit

	now := time.Now()
	for _, a := range handshake.New(hc).Handle(now, handshake.Received{HS: hs}) {
		switch a := a.(type) {
		case handshake.Send:
			rsp := &packet.ControlPacket{Type: packet.CtrlHandshake, CIF: a.HS}
			rsp.Timestamp = uint32(now.Sub(l.start).Microseconds())
			rsp.DestSocketID = a.DestSocketID
			l.mux.write(packet.Encode(rsp), from)
		case handshake.Done:
			ccfg.Handshake = hc
			l.establish(key, conn.Accept(ccfg, a.Params, now), from)
		case handshake.Failed:
			l.rejected.Add(1)
			l.log.Info("handshake rejected", "remote", from.String(), "error", a.Err)
		}
	}
}

func (l *Listener) establish(key peerKey, c *conn.Conn, from net.Addr) {
	log := l.cfg.Logger.With("component", "srt-session", "remote", from.String(), "socket_id", c.SocketID())
	s := newSession(c, l.mux, from, log)
	s.onClose = func(s *Session) {
		l.mu.Lock()
		if l.conns[key] == s {
			delete(l.conns, key)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		c.Abort(time.Now(), ErrClosed)
		return
	}
	l.conns[key] = s
	l.mu.Unlock()

	p := c.Params()
	l.mux.register(c.SocketID(), s)
	l.mux.start(s)

	select {
	case l.backlog <- s:
		log.Info("accepted", "stream_id", p.StreamID, "latency", p.Latency, "encrypted", p.Encrypted())
	default:
		// admit reserved room; never block the socket reader.
		log.Warn("backlog full, dropping connection")
		go s.Close()
	}
}

// Close stops accepting, closes every connection gracefully and releases
// the socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	var g errgroup.Group
	for _, s := range l.mux.sessions() {
		g.Go(s.Close)
	}
	g.Wait()
	l.log.Info("listener closed", "rejected", l.rejected.Load())
	return l.mux.close()
}
