// Package logbuf keeps a bounded in-memory ring of structured log records
// and fans them out to control-plane subscribers. It sits between slog and
// the dashboard: every record the process logs lands here as well as on
// stdout.
package logbuf

import (
	"sync"
	"time"
)

// DefaultSize survives normal bursts without unbounded growth.
const DefaultSize = 1000

// Record is the control-plane view of one log line.
type Record struct {
	TS        time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Ring is a fixed-size append-only buffer with subscriber fan-out.
// Appends from many goroutines are guarded by a short critical section;
// readers get copies.
type Ring struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
	subs map[chan Record]struct{}
}

// NewRing creates a ring holding up to size records.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring{
		buf:  make([]Record, size),
		subs: make(map[chan Record]struct{}),
	}
}

// Append stores a record and pushes it to all subscribers. Slow subscribers
// lose records rather than block the logger.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	for ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	r.mu.Unlock()
}

// Last returns up to n most recent records, oldest first.
func (r *Ring) Last(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Record, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Subscribe registers a listener for future records. The returned cancel
// function must be called to release the channel.
func (r *Ring) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
	return ch, cancel
}
