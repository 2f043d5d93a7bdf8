package canvas

import (
	"sync"
	"time"
)

// ActivityLog is a bounded in-memory log of accepted-placement timestamps,
// kept only for rate statistics. Entries older than the window are pruned
// lazily on each append; the log is not canvas state and is never
// persisted.
type ActivityLog struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

func NewActivityLog(window time.Duration) *ActivityLog {
	return &ActivityLog{window: window}
}

// Record appends a placement timestamp, dropping entries that have aged
// out of the window.
func (l *ActivityLog) Record(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := t.Add(-l.window)
	kept := l.times[:0]
	for _, ts := range l.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.times = append(kept, t)
}

// CountSince returns how many recorded placements fall inside the window
// ending at now.
func (l *ActivityLog) CountSince(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	n := 0
	for _, ts := range l.times {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
