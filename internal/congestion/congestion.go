// Package congestion implements the sender's flow and congestion control:
// a packet-counted AIMD window with slow start, bounded by a configured
// ceiling and the receiver's advertised window, plus a pacer that spreads
// transmissions over the round trip.
package congestion

import (
	"math"
	"time"
)

// Phase is the window growth phase.
type Phase int

const (
	// SlowStart grows the window by one packet per acknowledged packet.
	SlowStart Phase = iota
	// Avoidance grows the window by roughly one packet per round trip.
	Avoidance
)

func (p Phase) String() string {
	switch p {
	case SlowStart:
		return "slow-start"
	case Avoidance:
		return "avoidance"
	default:
		return "unknown"
	}
}

// Defaults.
const (
	InitialWindow = 16
	MinWindow     = 2

	lossDecrease = 0.875
	lossEWMA     = 0.125
)

// Config configures a Controller.
type Config struct {
	InitialWindow int // packets; zero means InitialWindow
	MaxWindow     int // ceiling in packets; zero for none
}

// Controller is the AIMD congestion window. It is not safe for concurrent
// use.
type Controller struct {
	cwnd       float64
	ssthresh   float64
	max        float64
	phase      Phase
	peerWindow int
	epochEnd   time.Time

	sentSince int
	lostSince int
	lossRate  float64

	decreases int
}

// New returns a Controller in slow start.
func New(cfg Config) *Controller {
	initial := cfg.InitialWindow
	if initial <= 0 {
		initial = InitialWindow
	}
	maxw := math.Inf(1)
	if cfg.MaxWindow > 0 {
		maxw = float64(max(cfg.MaxWindow, MinWindow))
	}
	return &Controller{
		cwnd:       min(float64(initial), maxw),
		ssthresh:   maxw,
		max:        maxw,
		phase:      SlowStart,
		peerWindow: math.MaxInt32,
	}
}

// Window returns the congestion window in packets.
func (c *Controller) Window() int { return int(c.cwnd) }

// Phase returns the current growth phase.
func (c *Controller) Phase() Phase { return c.phase }

// LossRate returns the smoothed fraction of sent packets reported lost.
func (c *Controller) LossRate() float64 { return c.lossRate }

// Decreases returns how many times the window was reduced.
func (c *Controller) Decreases() int { return c.decreases }

// SetPeerWindow records the receiver's advertised free buffer. Zero
// stops new transmissions until the receiver frees space.
func (c *Controller) SetPeerWindow(n int) {
	c.peerWindow = max(n, 0)
}

// PeerWindow returns the receiver's last advertised free buffer.
func (c *Controller) PeerWindow() int { return c.peerWindow }

// Allowance returns how many new packets may be put in flight given the
// number already unacknowledged.
func (c *Controller) Allowance(inFlight int) int {
	limit := min(int(c.cwnd), c.peerWindow)
	return max(limit-inFlight, 0)
}

// OnSent counts n newly sent packets for the loss estimate.
func (c *Controller) OnSent(n int) { c.sentSince += n }

// OnACK grows the window for acked newly acknowledged packets.
func (c *Controller) OnACK(acked int) {
	if acked <= 0 {
		return
	}
	c.sampleLoss()
	for i := 0; i < acked; i++ {
		if c.phase == SlowStart {
			c.cwnd++
			if c.cwnd >= c.ssthresh {
				c.phase = Avoidance
			}
		} else {
			c.cwnd += 1 / c.cwnd
		}
	}
	c.cwnd = min(c.cwnd, c.max)
}

// OnLoss reacts to a loss report for lost packets. The window is reduced
// at most once per round trip so one burst of loss counts as one event.
func (c *Controller) OnLoss(lost int, now time.Time, rtt time.Duration) {
	c.lostSince += lost
	if now.Before(c.epochEnd) {
		return
	}
	c.cwnd = max(c.cwnd*lossDecrease, MinWindow)
	c.ssthresh = c.cwnd
	c.phase = Avoidance
	c.epochEnd = now.Add(rtt)
	c.decreases++
}

// OnTimeout halves the window after a retransmission timeout.
func (c *Controller) OnTimeout(now time.Time, rtt time.Duration) {
	if now.Before(c.epochEnd) {
		return
	}
	c.ssthresh = max(c.cwnd/2, MinWindow)
	c.cwnd = c.ssthresh
	c.phase = Avoidance
	c.epochEnd = now.Add(rtt)
	c.decreases++
}

func (c *Controller) sampleLoss() {
	if c.sentSince == 0 {
		return
	}
	sample := min(float64(c.lostSince)/float64(c.sentSince), 1)
	c.lossRate += lossEWMA * (sample - c.lossRate)
	c.sentSince, c.lostSince = 0, 0
}
