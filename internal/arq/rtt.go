package arq

import "time"

// Initial RTT estimate used before the first sample, as in libsrt.
const (
	InitialRTT    = 100 * time.Millisecond
	InitialRTTVar = 50 * time.Millisecond
)

// RTT is a smoothed round-trip time estimator (RFC 6298 weights).
type RTT struct {
	srtt    time.Duration
	rttvar  time.Duration
	samples int
}

// NewRTT returns an estimator seeded with the initial defaults.
func NewRTT() *RTT {
	return &RTT{srtt: InitialRTT, rttvar: InitialRTTVar}
}

// Sample feeds a measured round trip into the estimator.
func (r *RTT) Sample(d time.Duration) {
	if d <= 0 {
		d = time.Microsecond
	}
	if r.samples == 0 {
		r.srtt = d
		r.rttvar = d / 2
	} else {
		diff := r.srtt - d
		if diff < 0 {
			diff = -diff
		}
		r.rttvar = (3*r.rttvar + diff) / 4
		r.srtt = (7*r.srtt + d) / 8
	}
	r.samples++
}

// Adopt replaces the estimate with one reported by the peer. It is used by
// a side that has no samples of its own.
func (r *RTT) Adopt(srtt, rttvar time.Duration) {
	if srtt <= 0 {
		return
	}
	r.srtt = srtt
	r.rttvar = rttvar
}

// Samples returns the number of local samples taken.
func (r *RTT) Samples() int { return r.samples }

// SRTT returns the smoothed round-trip time.
func (r *RTT) SRTT() time.Duration { return r.srtt }

// Var returns the round-trip time variance.
func (r *RTT) Var() time.Duration { return r.rttvar }

// RTO returns SRTT + 4*RTTVar clamped to [lo, hi]. A zero hi means no
// upper bound.
func (r *RTT) RTO(lo, hi time.Duration) time.Duration {
	rto := r.srtt + 4*r.rttvar
	if rto < lo {
		rto = lo
	}
	if hi > 0 && rto > hi {
		rto = hi
	}
	return rto
}
