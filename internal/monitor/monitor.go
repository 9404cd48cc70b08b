// Package monitor exposes live session statistics over HTTP. A Registry
// holds the sessions a process cares about; each snapshot adds send and
// receive throughput computed over a short sliding window.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/zsiec/srtkit/srt"
)

// rateWindow is the span throughput is averaged over.
const rateWindow = 2 * time.Second

// Source is anything that reports session statistics.
type Source interface {
	Stats() srt.Stats
}

// Snapshot is one session's statistics as served by the API.
type Snapshot struct {
	Name     string    `json:"name"`
	SendKbps float64   `json:"sendKbps"`
	RecvKbps float64   `json:"recvKbps"`
	Stats    srt.Stats `json:"stats"`
}

type sample struct {
	ts        time.Time
	sent, got uint64
}

type entry struct {
	src    Source
	window []sample
}

// Registry tracks named sessions. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry), now: time.Now}
}

// Add starts tracking src under name, replacing any previous source.
func (r *Registry) Add(name string, src Source) {
	r.mu.Lock()
	r.entries[name] = &entry{src: src}
	r.mu.Unlock()
}

// Remove stops tracking name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// Snapshot returns the current statistics for name.
func (r *Registry) Snapshot(name string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(name, r.now()), true
}

// All returns a snapshot of every session, sorted by name.
func (r *Registry) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	now := r.now()
	for name, e := range r.entries {
		out = append(out, e.snapshot(name, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *entry) snapshot(name string, now time.Time) Snapshot {
	st := e.src.Stats()
	e.window = append(e.window, sample{ts: now, sent: st.BytesSent, got: st.BytesReceived})
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(e.window)-1 && e.window[i].ts.Before(cutoff) {
		i++
	}
	e.window = e.window[i:]

	s := Snapshot{Name: name, Stats: st}
	first, last := e.window[0], e.window[len(e.window)-1]
	if dur := last.ts.Sub(first.ts).Seconds(); dur > 0 {
		s.SendKbps = float64(last.sent-first.sent) * 8 / dur / 1000
		s.RecvKbps = float64(last.got-first.got) * 8 / dur / 1000
	}
	return s
}
