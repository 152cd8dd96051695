package api

import (
	"fmt"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newIPLimiter(1, 2, nil)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "buckets are per IP")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))

	now = now.Add(limiterIdle + time.Second)
	l.Allow("c")
	_, ok := l.entries["b"]
	assert.False(t, ok, "idle entries are swept")
}

func TestIPLimiterBounded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newIPLimiter(1, 1, nil)
	l.max = 3
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		now = now.Add(time.Millisecond)
		l.Allow(fmt.Sprintf("192.0.2.%d", i))
		assert.LessOrEqual(t, len(l.entries), 3)
	}
	_, ok := l.entries["192.0.2.9"]
	assert.True(t, ok, "newest entry kept")
	_, ok = l.entries["192.0.2.0"]
	assert.False(t, ok, "least recently seen entry evicted")
}

func TestClientIP(t *testing.T) {
	t.Run("no trusted proxies", func(t *testing.T) {
		l := newIPLimiter(1, 1, nil)
		r := httptest.NewRequest("GET", "/ws", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		assert.Equal(t, "192.0.2.1", l.clientIP(r))
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		assert.Equal(t, "192.0.2.1", l.clientIP(r))
	})

	t.Run("trusted proxy", func(t *testing.T) {
		l := newIPLimiter(1, 1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
		r := httptest.NewRequest("GET", "/ws", nil)
		r.RemoteAddr = "10.0.0.2:1234"
		assert.Equal(t, "10.0.0.2", l.clientIP(r), "no header")

		r.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.9, 10.0.0.1")
		assert.Equal(t, "203.0.113.9", l.clientIP(r), "first untrusted hop from the right")

		r.Header.Set("X-Forwarded-For", "10.0.0.5")
		assert.Equal(t, "10.0.0.5", l.clientIP(r))

		r.Header.Set("X-Forwarded-For", "garbage, 203.0.113.9")
		assert.Equal(t, "203.0.113.9", l.clientIP(r))

		r.RemoteAddr = "192.0.2.1:1234"
		assert.Equal(t, "192.0.2.1", l.clientIP(r), "untrusted peer")
	})
}
