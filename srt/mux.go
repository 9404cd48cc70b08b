package srt

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/srtkit/packet"
)

// maxDatagram bounds a single read. SRT never exceeds a 1500-byte MSS but
// a larger buffer keeps oversized junk from being truncated into
// something that decodes.
const maxDatagram = 64 << 10

// mux reads one UDP socket and routes packets to sessions by destination
// socket id. Id 0 goes to the listener's handshake handler, if any.
type mux struct {
	pc  net.PacketConn
	log *slog.Logger

	mu        sync.Mutex
	routes    map[uint32]*Session
	handshake func(cp *packet.ControlPacket, from net.Addr)

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	closing      atomic.Bool
	decodeErrors atomic.Int64
	unrouted     atomic.Int64
}

// newMux starts reading pc. hs, if non-nil, receives handshakes
// addressed to socket id 0.
func newMux(pc net.PacketConn, log *slog.Logger, hs func(*packet.ControlPacket, net.Addr)) *mux {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m := &mux{
		pc:        pc,
		log:       log,
		routes:    make(map[uint32]*Session),
		handshake: hs,
		g:         g,
		ctx:       ctx,
		cancel:    cancel,
	}
	g.Go(m.readLoop)
	return m
}

// start runs s's event loop under the mux's group. The loop is cancelled
// when the socket fails or the mux closes.
func (m *mux) start(s *Session) {
	m.g.Go(func() error {
		s.run(m.ctx)
		return nil
	})
}

func (m *mux) register(id uint32, s *Session) {
	m.mu.Lock()
	m.routes[id] = s
	m.mu.Unlock()
}

func (m *mux) unregister(id uint32) {
	m.mu.Lock()
	delete(m.routes, id)
	m.mu.Unlock()
}

func (m *mux) sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.routes))
	for _, s := range m.routes {
		out = append(out, s)
	}
	return out
}

func (m *mux) readLoop() error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := m.pc.ReadFrom(buf)
		if err != nil {
			if m.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			m.log.Warn("socket read failed", "error", err)
			return err
		}
		p, err := packet.Decode(buf[:n])
		if err != nil {
			m.decodeErrors.Add(1)
			m.log.Debug("dropping datagram", "remote", from, "error", err)
			continue
		}
		m.route(p, from)
	}
}

func (m *mux) route(p packet.Packet, from net.Addr) {
	id := p.Head().DestSocketID
	if id == 0 {
		cp, ok := p.(*packet.ControlPacket)
		if ok && cp.Type == packet.CtrlHandshake && m.handshake != nil {
			m.handshake(cp, from)
			return
		}
		m.unrouted.Add(1)
		return
	}

	m.mu.Lock()
	s := m.routes[id]
	m.mu.Unlock()
	if s == nil || addrPort(from) != s.remote {
		m.unrouted.Add(1)
		return
	}
	s.deliver(p)
}

func (m *mux) write(b []byte, to net.Addr) {
	if _, err := m.pc.WriteTo(b, to); err != nil && !m.closing.Load() {
		m.log.Debug("socket write failed", "remote", to, "error", err)
	}
}

// close stops the read loop and waits for every session loop to end.
func (m *mux) close() error {
	if m.closing.Swap(true) {
		return m.g.Wait()
	}
	err := m.pc.Close()
	m.cancel()
	werr := m.g.Wait()
	m.log.Debug("socket closed", "decode_errors", m.decodeErrors.Load(), "unrouted", m.unrouted.Load())
	if werr != nil {
		return werr
	}
	return err
}

func addrPort(a net.Addr) netip.AddrPort {
	if u, ok := a.(*net.UDPAddr); ok {
		ap := u.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
