package substrate

import (
	"sync"
	"time"
)

// SenderLimiter enforces the per-sender inbound message budget with a
// sliding window of receive timestamps per sender fingerprint. Expired
// windows are pruned on the next Allow call for that sender.
type SenderLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string][]time.Time
}

// NewSenderLimiter creates a limiter allowing max messages per window.
// A non-positive max disables limiting.
func NewSenderLimiter(max int, window time.Duration) *SenderLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &SenderLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// Allow reports whether a message from sender fits the budget, recording it
// when it does.
func (l *SenderLimiter) Allow(sender string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	w := pruneBefore(l.windows[sender], cutoff)

	if len(w) >= l.max {
		l.windows[sender] = w
		return false
	}
	l.windows[sender] = append(w, now)
	return true
}

// pruneBefore removes entries older than cutoff from a sorted time slice.
func pruneBefore(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}
