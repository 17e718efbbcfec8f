// Package flood implements the per-identity sliding-window rate limit:
// at most 30 user-originated messages per 60 seconds. Admin bypass is the
// caller's concern; the limiter itself is identity-blind.
package flood

import (
	"errors"
	"sync"
	"time"
)

const (
	// Window is the sliding-window span.
	Window = time.Minute

	// MaxMessages is the number of messages allowed inside one window.
	MaxMessages = 30
)

// ErrFlood is returned when an identity exceeds the window budget.
// The text is user-facing and sent verbatim in error frames.
var ErrFlood = errors.New("Flood protection: You are sending messages too quickly. Please wait before sending more.")

// Limiter tracks send timestamps per identity.
type Limiter struct {
	mu    sync.Mutex
	times map[string][]time.Time
	now   func() time.Time
}

// NewLimiter returns an empty limiter using the wall clock.
func NewLimiter() *Limiter {
	return &Limiter{
		times: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// Allow records one message for identity if it fits in the window.
// On rejection it returns ErrFlood and records nothing.
func (l *Limiter) Allow(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-Window)

	q := l.times[identity]
	for len(q) > 0 && q[0].Before(cutoff) {
		q = q[1:]
	}
	if len(q) >= MaxMessages {
		l.times[identity] = q
		return ErrFlood
	}
	l.times[identity] = append(q, now)
	return nil
}

// Forget drops all state for identity.
func (l *Limiter) Forget(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.times, identity)
}

// Rename moves the window from old to new so a rename cannot reset the
// flood budget.
func (l *Limiter) Rename(old, new string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.times[old]; ok {
		l.times[new] = q
		delete(l.times, old)
	}
}
