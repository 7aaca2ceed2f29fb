package client

import "time"

// rateLimiter admits at most one event per interval. Samples arriving faster
// are dropped outright (not queued, not coalesced), so bursty input is
// down-sampled rather than smoothed. It is plain session state instead of a
// timestamp hidden in a closure so it can be tested in isolation.
type rateLimiter struct {
	every time.Duration
	last  time.Time
	now   func() time.Time
}

func newRateLimiter(every time.Duration) *rateLimiter {
	return &rateLimiter{every: every, now: time.Now}
}

// allow reports whether an event may fire now, consuming the slot if so.
func (l *rateLimiter) allow() bool {
	t := l.now()
	if !l.last.IsZero() && t.Sub(l.last) < l.every {
		return false
	}
	l.last = t
	return true
}
