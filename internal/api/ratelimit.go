package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle       = 10 * time.Minute
	maxLimiterEntries = 10000
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// ipLimiter keeps one token bucket per client IP. The bucket map is bounded:
// once full, idle entries are swept and then the least recently seen one is
// evicted.
type ipLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	max     int
	trusted []netip.Prefix
	entries map[string]*limiterEntry
	swept   time.Time
	now     func() time.Time
}

func newIPLimiter(rps float64, burst int, trusted []netip.Prefix) *ipLimiter {
	return &ipLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		max:     maxLimiterEntries,
		trusted: trusted,
		entries: map[string]*limiterEntry{},
		now:     time.Now,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.swept) > limiterIdle {
		l.sweep(now)
	}
	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= l.max {
			l.sweep(now)
			if len(l.entries) >= l.max {
				l.evictOldest()
			}
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (l *ipLimiter) sweep(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.seen) > limiterIdle {
			delete(l.entries, k)
		}
	}
	l.swept = now
}

func (l *ipLimiter) evictOldest() {
	var oldest string
	var seen time.Time
	for k, e := range l.entries {
		if oldest == "" || e.seen.Before(seen) {
			oldest, seen = k, e.seen
		}
	}
	delete(l.entries, oldest)
}

// clientIP returns the RemoteAddr host. X-Forwarded-For is only consulted
// when the peer is a trusted proxy; hops are walked right to left and the
// first untrusted one is the client.
func (l *ipLimiter) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !l.isTrusted(host) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := host
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		client = hop
		if !l.isTrusted(hop) {
			break
		}
	}
	return client
}

func (l *ipLimiter) isTrusted(ip string) bool {
	if len(l.trusted) == 0 {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range l.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
