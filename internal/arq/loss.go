package arq

import (
	"time"

	"github.com/zsiec/srtkit/internal/seq"
	"github.com/zsiec/srtkit/packet"
)

// lossRange is a gap in the receive window with its report bookkeeping.
type lossRange struct {
	from, to   seq.Number
	detected   time.Time
	reportedAt time.Time
	reported   bool
}

// lossList is the receiver's ordered list of missing ranges.
type lossList struct {
	ranges []lossRange
}

func (l *lossList) add(from, to seq.Number, now time.Time) {
	l.ranges = append(l.ranges, lossRange{from: from, to: to, detected: now})
}

// remove deletes n from the list, splitting a range when n is interior.
func (l *lossList) remove(n seq.Number) bool {
	for i := range l.ranges {
		r := &l.ranges[i]
		if seq.Less(n, r.from) || seq.Greater(n, r.to) {
			continue
		}
		switch {
		case r.from == r.to:
			l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
		case n == r.from:
			r.from = r.from.Inc()
		case n == r.to:
			r.to = r.to.Dec()
		default:
			tail := *r
			tail.from = n.Inc()
			r.to = n.Dec()
			l.ranges = append(l.ranges, lossRange{})
			copy(l.ranges[i+2:], l.ranges[i+1:])
			l.ranges[i+1] = tail
		}
		return true
	}
	return false
}

// trimBefore drops every sequence number before n.
func (l *lossList) trimBefore(n seq.Number) {
	out := l.ranges[:0]
	for _, r := range l.ranges {
		if seq.Less(r.to, n) {
			continue
		}
		if seq.Less(r.from, n) {
			r.from = n
		}
		out = append(out, r)
	}
	l.ranges = out
}

// due returns the ranges that have waited at least delay since detection
// and were not reported within interval, marking them reported.
func (l *lossList) due(now time.Time, delay, interval time.Duration) []packet.LossRange {
	var out []packet.LossRange
	for i := range l.ranges {
		r := &l.ranges[i]
		if now.Sub(r.detected) < delay {
			continue
		}
		if r.reported && now.Sub(r.reportedAt) < interval {
			continue
		}
		r.reported = true
		r.reportedAt = now
		out = append(out, packet.LossRange{From: r.from, To: r.to})
	}
	return out
}

func (l *lossList) count() int {
	total := 0
	for _, r := range l.ranges {
		total += int(seq.Distance(r.from, r.to)) + 1
	}
	return total
}
