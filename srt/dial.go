package srt

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/zsiec/srtkit/internal/conn"
	"github.com/zsiec/srtkit/internal/seq"
)

// Dial opens a caller connection to addr over a new UDP socket. It
// returns once the handshake completes, fails, or ctx is done.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("srt: resolve %s: %w", addr, err)
	}
	var laddr *net.UDPAddr
	if cfg.LocalAddr != "" {
		if laddr, err = net.ResolveUDPAddr("udp", cfg.LocalAddr); err != nil {
			return nil, fmt.Errorf("srt: resolve local %s: %w", cfg.LocalAddr, err)
		}
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("srt: open socket: %w", err)
	}
	return DialConn(ctx, pc, raddr, cfg)
}

// DialConn is Dial over an existing packet socket. The session takes
// ownership of pc and closes it when the session ends or the dial fails.
func DialConn(ctx context.Context, pc net.PacketConn, raddr net.Addr, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		pc.Close()
		return nil, err
	}
	cfg = cfg.withDefaults()
	src := entropyFor(cfg)

	id, err := src.SocketID()
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("srt: socket id: %w", err)
	}
	isn, err := src.InitialSeq()
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("srt: initial sequence: %w", err)
	}

	log := cfg.Logger.With("component", "srt-caller", "remote", raddr.String())
	ccfg := cfg.connConfig(src, cfg.Logger)
	ccfg.Handshake.SocketID = id
	ccfg.Handshake.ISN = seq.New(isn)
	ccfg.Handshake.Peer = addrPort(raddr)

	m := newMux(pc, log, nil)
	s := newSession(conn.Dial(ccfg, time.Now()), m, raddr, log)
	s.ownMux = true
	m.register(id, s)
	m.start(s)

	if err := s.awaitHandshake(ctx); err != nil {
		s.abort()
		return nil, err
	}
	log.Info("connected", "socket_id", id, "stream_id", cfg.StreamID, "latency", s.Settings().Latency)
	return s, nil
}

// awaitHandshake blocks until the connection leaves the handshake.
func (s *Session) awaitHandshake(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, err := s.conn.State(), s.conn.Err()
		wake := s.wake
		s.mu.Unlock()

		switch state {
		case conn.Handshaking:
		case conn.Closed:
			if err == nil {
				err = ErrClosed
			}
			return err
		default:
			return nil
		}

		select {
		case <-wake:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abort ends the session without a shutdown exchange and releases its
// socket.
func (s *Session) abort() {
	s.mu.Lock()
	s.conn.Abort(time.Now(), nil)
	s.mu.Unlock()
	s.poke()
	<-s.done
	if s.ownMux {
		s.mux.close()
	}
}
