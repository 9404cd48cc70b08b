// Package netsim simulates an unreliable datagram path. [Link] is a
// clock-driven in-memory link used by engine simulations; [PacketConn]
// wraps a real socket and drops outbound datagrams at a configured rate.
// Both draw their drop decisions from a seeded generator so a run can be
// reproduced exactly.
package netsim

import (
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config describes a link's impairments.
type Config struct {
	Loss   float64       // probability in [0, 1] that a datagram is dropped
	Delay  time.Duration // one-way propagation delay
	Jitter time.Duration // uniform extra delay in [0, Jitter)
	Seed   uint64

	// Drop, if set, is consulted before the random loss and drops the
	// datagram when it returns true.
	Drop func(b []byte) bool
}

type datagram struct {
	at   time.Time
	data []byte
	n    uint64 // send order, breaks ties
}

// Link carries datagrams in one direction. It is not safe for concurrent
// use; simulations drive it from a single loop.
type Link struct {
	cfg   Config
	rng   *rand.Rand
	queue []datagram
	sent  uint64

	Delivered int
	Dropped   int
}

// NewLink returns a Link with the given impairments.
func NewLink(cfg Config) *Link {
	return &Link{
		cfg: cfg,
		rng: newRand(cfg.Seed),
	}
}

func newRand(seed uint64) *rand.Rand {
	var s [32]byte
	for i := 0; i < 8; i++ {
		s[i] = byte(seed >> (8 * i))
	}
	return rand.New(rand.NewChaCha8(s))
}

// Send puts b on the link at now. It reports false when the datagram was
// dropped.
func (l *Link) Send(b []byte, now time.Time) bool {
	if (l.cfg.Drop != nil && l.cfg.Drop(b)) || (l.cfg.Loss > 0 && l.rng.Float64() < l.cfg.Loss) {
		l.Dropped++
		return false
	}
	at := now.Add(l.cfg.Delay)
	if l.cfg.Jitter > 0 {
		at = at.Add(time.Duration(l.rng.Int64N(int64(l.cfg.Jitter))))
	}
	l.sent++
	l.queue = append(l.queue, datagram{at: at, data: append([]byte(nil), b...), n: l.sent})
	sort.Slice(l.queue, func(i, j int) bool {
		if l.queue[i].at.Equal(l.queue[j].at) {
			return l.queue[i].n < l.queue[j].n
		}
		return l.queue[i].at.Before(l.queue[j].at)
	})
	return true
}

// Receive removes and returns every datagram due at or before now, in
// arrival order.
func (l *Link) Receive(now time.Time) [][]byte {
	i := 0
	for i < len(l.queue) && !l.queue[i].at.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}
	out := make([][]byte, i)
	for k := range out {
		out[k] = l.queue[k].data
	}
	l.queue = append(l.queue[:0], l.queue[i:]...)
	l.Delivered += i
	return out
}

// Next returns the arrival time of the earliest queued datagram.
func (l *Link) Next() (time.Time, bool) {
	if len(l.queue) == 0 {
		return time.Time{}, false
	}
	return l.queue[0].at, true
}

// SetLoss changes the drop probability for datagrams sent from now on.
func (l *Link) SetLoss(p float64) { l.cfg.Loss = p }

// Pending returns the number of datagrams in flight.
func (l *Link) Pending() int { return len(l.queue) }

// PacketConn drops a fraction of the datagrams written through it.
type PacketConn struct {
	net.PacketConn

	mu   sync.Mutex
	rng  *rand.Rand
	loss float64

	dropped atomic.Int64
}

// Wrap returns pc with outbound loss applied. A loss of 0 passes every
// datagram through.
func Wrap(pc net.PacketConn, loss float64, seed uint64) *PacketConn {
	return &PacketConn{PacketConn: pc, rng: newRand(seed), loss: loss}
}

// WriteTo drops b with the configured probability, reporting success
// either way as a lossy network would.
func (c *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	drop := c.loss > 0 && c.rng.Float64() < c.loss
	c.mu.Unlock()
	if drop {
		c.dropped.Add(1)
		return len(b), nil
	}
	return c.PacketConn.WriteTo(b, addr)
}

// Dropped returns the number of datagrams discarded so far.
func (c *PacketConn) Dropped() int64 { return c.dropped.Load() }
