package clock

import (
	"time"
)

// TimerID names a timer within a Timers set.
type TimerID uint8

// Timers used by a connection.
const (
	TimerHandshake  TimerID = iota // handshake retransmission
	TimerACK                       // periodic full ACK
	TimerNAK                       // periodic NAK report
	TimerKeepAlive                 // send-side keep-alive
	TimerIdle                      // peer idle timeout
	TimerRetransmit                // earliest sender retransmission deadline
	TimerPacing                    // next paced send opportunity
	TimerTSBPD                     // next time-gated delivery
	TimerClose                     // graceful close deadline
	TimerConnect                   // overall connection timeout
	TimerStall                     // next send into a closed peer window
	numTimers
)

var timerNames = [numTimers]string{
	"handshake", "ack", "nak", "keepalive", "idle",
	"retransmit", "pacing", "tsbpd", "close", "connect", "stall",
}

func (id TimerID) String() string {
	if id < numTimers {
		return timerNames[id]
	}
	return "unknown"
}

type timer struct {
	armed    bool
	deadline time.Time
	period   time.Duration
}

// Timers is a fixed set of one-shot and periodic deadlines owned by a
// single event loop. It is not safe for concurrent use.
type Timers struct {
	t [numTimers]timer
}

// After arms id to fire once at now+d, replacing any previous deadline.
func (s *Timers) After(id TimerID, now time.Time, d time.Duration) {
	s.t[id] = timer{armed: true, deadline: now.Add(d)}
}

// At arms id to fire once at deadline.
func (s *Timers) At(id TimerID, deadline time.Time) {
	s.t[id] = timer{armed: true, deadline: deadline}
}

// Every arms id to fire at now+period and every period after that.
func (s *Timers) Every(id TimerID, now time.Time, period time.Duration) {
	s.t[id] = timer{armed: true, deadline: now.Add(period), period: period}
}

// Stop disarms id.
func (s *Timers) Stop(id TimerID) {
	s.t[id] = timer{}
}

// StopAll disarms every timer.
func (s *Timers) StopAll() {
	s.t = [numTimers]timer{}
}

// Armed reports whether id is armed.
func (s *Timers) Armed(id TimerID) bool {
	return s.t[id].armed
}

// Deadline returns the deadline of id and whether it is armed.
func (s *Timers) Deadline(id TimerID) (time.Time, bool) {
	return s.t[id].deadline, s.t[id].armed
}

// Next returns the earliest armed deadline.
func (s *Timers) Next() (time.Time, bool) {
	var next time.Time
	found := false
	for i := range s.t {
		if !s.t[i].armed {
			continue
		}
		if !found || s.t[i].deadline.Before(next) {
			next = s.t[i].deadline
			found = true
		}
	}
	return next, found
}

// Expired returns the timers whose deadline is at or before now, in id
// order. One-shot timers are disarmed; periodic timers are rescheduled to
// their next deadline after now, skipping missed periods.
func (s *Timers) Expired(now time.Time) []TimerID {
	var fired []TimerID
	for i := range s.t {
		t := &s.t[i]
		if !t.armed || t.deadline.After(now) {
			continue
		}
		fired = append(fired, TimerID(i))
		if t.period <= 0 {
			*t = timer{}
			continue
		}
		for !t.deadline.After(now) {
			t.deadline = t.deadline.Add(t.period)
		}
	}
	return fired
}
