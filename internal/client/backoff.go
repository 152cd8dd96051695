package client

import "time"

// Backoff is the bounded exponential reconnection schedule.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff retries five times: 1s, 2s, 4s, 8s, 10s.
var DefaultBackoff = Backoff{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 5}

// Delay returns min(Base*2^attempt, Max).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
