package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds outbound messages per minute and per hour, process-wide.
// Both windows must admit a message for it to be sent.
type Limiter struct {
	mu     sync.Mutex
	minute *rate.Limiter
	hour   *rate.Limiter
}

// NewLimiter creates a limiter. A non-positive limit disables that window.
func NewLimiter(perMinute, perHour int) *Limiter {
	return &Limiter{
		minute: bucket(perMinute, time.Minute),
		hour:   bucket(perHour, time.Hour),
	}
}

func bucket(n int, per time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(n)), n)
}

// Allow takes one token from each window at now. When either window is
// exhausted nothing is consumed and the wait until a token frees is returned.
func (l *Limiter) Allow(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.minute.ReserveN(now, 1)
	if !m.OK() {
		return false, time.Minute
	}
	if d := m.DelayFrom(now); d > 0 {
		m.CancelAt(now)
		return false, d
	}

	h := l.hour.ReserveN(now, 1)
	if !h.OK() {
		m.CancelAt(now)
		return false, time.Hour
	}
	if d := h.DelayFrom(now); d > 0 {
		h.CancelAt(now)
		m.CancelAt(now)
		return false, d
	}
	return true, 0
}
