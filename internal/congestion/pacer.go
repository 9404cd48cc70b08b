package congestion

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// pacingGain is the ratio of the pacing rate to window/SRTT.
const pacingGain = 1.25

// Pacer spreads packet transmissions over time with a token bucket whose
// tokens are bytes. All methods take the current time explicitly so a
// manual clock can drive it.
type Pacer struct {
	lim          *rate.Limiter
	maxBandwidth float64
	packetSize   int
}

// NewPacer returns a pacer for packets of up to packetSize bytes.
// maxBandwidth caps the rate in bytes per second; zero means no cap.
func NewPacer(packetSize int, maxBandwidth int64, now time.Time) *Pacer {
	p := &Pacer{
		lim:          rate.NewLimiter(rate.Inf, InitialWindow*packetSize),
		maxBandwidth: float64(maxBandwidth),
		packetSize:   packetSize,
	}
	if maxBandwidth > 0 {
		p.lim.SetLimitAt(now, rate.Limit(maxBandwidth))
	}
	return p
}

// Update sets the rate from the congestion window and smoothed RTT.
func (p *Pacer) Update(now time.Time, window int, srtt time.Duration) {
	if srtt <= 0 {
		return
	}
	bps := pacingGain * float64(window*p.packetSize) / srtt.Seconds()
	if p.maxBandwidth > 0 && bps > p.maxBandwidth {
		bps = p.maxBandwidth
	}
	p.lim.SetLimitAt(now, rate.Limit(bps))
	p.lim.SetBurstAt(now, max(window, InitialWindow)*p.packetSize)
}

// Allow consumes tokens for a packet of n bytes if they are available.
func (p *Pacer) Allow(now time.Time, n int) bool {
	return p.lim.AllowN(now, n)
}

// Force consumes tokens for a packet that must go out regardless, such as
// a retransmission. The bucket may go into debt.
func (p *Pacer) Force(now time.Time, n int) {
	if !p.lim.AllowN(now, n) {
		p.lim.ReserveN(now, min(n, p.lim.Burst()))
	}
}

// Next returns when a packet of n bytes will be allowed.
func (p *Pacer) Next(now time.Time, n int) time.Time {
	lim := p.lim.Limit()
	if lim == rate.Inf {
		return now
	}
	tokens := p.lim.TokensAt(now)
	if tokens >= float64(n) {
		return now
	}
	wait := (float64(n) - tokens) / float64(lim)
	return now.Add(time.Duration(math.Ceil(wait * float64(time.Second))))
}

// Rate returns the pacing rate in bytes per second, or 0 when unlimited.
func (p *Pacer) Rate() float64 {
	if l := p.lim.Limit(); l != rate.Inf {
		return float64(l)
	}
	return 0
}
