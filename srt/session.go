package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/srtkit/internal/conn"
	"github.com/zsiec/srtkit/packet"
)

// inboundQueue bounds packets waiting for a session's loop. Overflow is
// dropped and recovered by ARQ like any other loss.
const inboundQueue = 1024

// Stats is a snapshot of a session's counters.
type Stats = conn.Stats

// Settings are the parameters negotiated by the handshake.
type Settings struct {
	LocalSocketID uint32
	PeerSocketID  uint32
	Latency       time.Duration
	MSS           int
	FlowWindow    int
	PeerWindow    int
	StreamMode    bool
	Encrypted     bool
	KeyLength     int
	PeerVersion   uint32
}

// Session is an established SRT connection. Its methods are safe for
// concurrent use. Send and Receive never block; the Context variants and
// Read/Write wait for buffer space or data.
type Session struct {
	log    *slog.Logger
	mux    *mux
	ownMux bool
	remote netip.AddrPort
	raddr  net.Addr

	mu   sync.Mutex
	conn *conn.Conn
	wake chan struct{} // closed whenever the loop has made progress
	rest []byte        // unread part of the last message returned by Read

	in      chan packet.Packet
	kick    chan struct{}
	done    chan struct{}
	dropped atomic.Int64

	onClose func(*Session)
}

func newSession(c *conn.Conn, m *mux, raddr net.Addr, log *slog.Logger) *Session {
	return &Session{
		log:    log,
		mux:    m,
		remote: addrPort(raddr),
		raddr:  raddr,
		conn:   c,
		wake:   make(chan struct{}),
		in:     make(chan packet.Packet, inboundQueue),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// deliver hands p to the loop without blocking the socket reader.
func (s *Session) deliver(p packet.Packet) {
	select {
	case s.in <- p:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// run is the session's event loop. It owns timer firing and inbound
// packet processing so both are strictly ordered.
func (s *Session) run(ctx context.Context) {
	defer s.exit()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		s.flushLocked()
		state := s.conn.State()
		next, armed := s.conn.NextDeadline()
		close(s.wake)
		s.wake = make(chan struct{})
		s.mu.Unlock()

		if state == conn.Closed {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if armed {
			timer.Reset(max(time.Until(next), 0))
		}

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.conn.Abort(time.Now(), nil)
			s.mu.Unlock()
		case p := <-s.in:
			s.mu.Lock()
			s.conn.HandlePacket(p, time.Now())
			for drained := false; !drained; {
				select {
				case p := <-s.in:
					s.conn.HandlePacket(p, time.Now())
				default:
					drained = true
				}
			}
			s.mu.Unlock()
		case <-timer.C:
			s.mu.Lock()
			s.conn.Tick(time.Now())
			s.mu.Unlock()
		case <-s.kick:
		}
	}
}

func (s *Session) exit() {
	s.mu.Lock()
	s.flushLocked()
	close(s.wake)
	s.wake = make(chan struct{})
	st := s.conn.Stats(time.Now())
	s.mu.Unlock()

	s.mux.unregister(s.conn.SocketID())
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
	s.log.Info("session closed",
		"bytes_sent", st.BytesSent, "bytes_received", st.BytesReceived,
		"retransmits", st.Retransmits, "uptime_ms", st.UptimeMs)
	if s.ownMux {
		go s.mux.close()
	}
}

func (s *Session) flushLocked() {
	for _, b := range s.conn.Outbox() {
		s.mux.write(b, s.raddr)
	}
}

// Send queues msg as one message. It returns ErrWouldBlock when the send
// buffer is full, ErrClosed after Close, and a fatal error exactly once.
func (s *Session) Send(msg []byte) error {
	s.mu.Lock()
	err := s.conn.Send(msg, time.Now())
	s.flushLocked()
	s.mu.Unlock()
	s.poke()
	return err
}

// Receive returns the next complete message or ErrWouldBlock.
func (s *Session) Receive() ([]byte, error) {
	s.mu.Lock()
	msg, err := s.conn.Receive(time.Now())
	s.flushLocked()
	s.mu.Unlock()
	if err == nil {
		s.poke()
	}
	return msg, err
}

// SendContext is Send that waits for buffer space.
func (s *Session) SendContext(ctx context.Context, msg []byte) error {
	for {
		s.mu.Lock()
		err := s.conn.Send(msg, time.Now())
		s.flushLocked()
		wake := s.wake
		s.mu.Unlock()
		if !errors.Is(err, ErrWouldBlock) {
			s.poke()
			return err
		}
		if err := s.wait(ctx, wake); err != nil {
			return err
		}
	}
}

// ReceiveContext is Receive that waits for a message.
func (s *Session) ReceiveContext(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		msg, err := s.conn.Receive(time.Now())
		wake := s.wake
		s.mu.Unlock()
		if !errors.Is(err, ErrWouldBlock) {
			s.poke()
			return msg, err
		}
		if err := s.wait(ctx, wake); err != nil {
			return nil, err
		}
	}
}

func (s *Session) wait(ctx context.Context, wake <-chan struct{}) error {
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// The loop is gone; one more pass reports the terminal state.
		select {
		case <-wake:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Read implements io.Reader over received messages. A message longer
// than p is returned over several calls. Read returns io.EOF once the
// connection has closed cleanly.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.rest) > 0 {
		n := copy(p, s.rest)
		s.rest = s.rest[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	msg, err := s.ReceiveContext(context.Background())
	if errors.Is(err, ErrClosed) {
		return 0, io.EOF
	}
	if err != nil {
		return 0, err
	}
	n := copy(p, msg)
	if n < len(msg) {
		s.mu.Lock()
		s.rest = msg[n:]
		s.mu.Unlock()
	}
	return n, nil
}

// Write implements io.Writer, sending p as one message.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.SendContext(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes queued data for up to the close timeout, sends a shutdown
// and releases the session. It is idempotent and blocks until the
// session's loop has ended.
func (s *Session) Close() error {
	s.mu.Lock()
	s.conn.Close(time.Now())
	s.flushLocked()
	s.mu.Unlock()
	s.poke()
	<-s.done
	if s.ownMux {
		return s.mux.close()
	}
	return nil
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Err()
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := s.conn.Stats(time.Now())
	s.mu.Unlock()
	st.PacketsDropped += uint64(s.dropped.Load())
	return st
}

// Settings returns the negotiated parameters.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	p := s.conn.Params()
	s.mu.Unlock()
	st := Settings{
		LocalSocketID: p.LocalSocketID,
		PeerSocketID:  p.PeerSocketID,
		Latency:       p.Latency,
		MSS:           p.MSS,
		FlowWindow:    p.FlowWindow,
		PeerWindow:    p.PeerWindow,
		StreamMode:    p.StreamMode,
		Encrypted:     p.Encrypted(),
		PeerVersion:   p.PeerVersion,
	}
	if p.Encryptor != nil {
		st.KeyLength = p.Encryptor.KeyLen()
	}
	return st
}

// StreamID returns the stream id the caller sent.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Params().StreamID
}

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr { return s.raddr }

// LocalAddr returns the local socket address.
func (s *Session) LocalAddr() net.Addr { return s.mux.pc.LocalAddr() }
