// Package limiter tracks per-session placement cooldowns.
package limiter

import (
	"sync"
	"time"
)

// Limiter answers whether a session may place a pixel right now. It only
// answers the predicate; callers record acceptance separately after the
// commit succeeds. Lookups are keyed directly by session id.
type Limiter struct {
	mu           sync.Mutex
	lastAccepted map[string]time.Time
}

func New() *Limiter {
	return &Limiter{lastAccepted: make(map[string]time.Time)}
}

// TryAcquire reports whether the session is clear of its cooldown at now.
// A session with no recorded acceptance is always allowed. On denial,
// remaining is how long until the next placement would be allowed, always
// positive.
func (l *Limiter) TryAcquire(sessionID string, now time.Time, cooldown time.Duration) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.lastAccepted[sessionID]
	if !ok {
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed >= cooldown {
		return true, 0
	}
	return false, cooldown - elapsed
}

// Record stores the time of an accepted placement for the session.
func (l *Limiter) Record(sessionID string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastAccepted[sessionID] = t
}

// Forget drops the session's cooldown state on disconnect.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastAccepted, sessionID)
}
