package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBackoffLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl := newBackoffLimiter(signinLimits, newTestClock().now)

	for i := 0; i < signinLimits.threshold-1; i++ {
		rl.record("alice@example.com")
		blocked, _ := rl.check("alice@example.com")
		assert.False(t, blocked, "should not block before the threshold")
	}
}

func TestBackoffLimiter_BlocksAtThreshold(t *testing.T) {
	clock := newTestClock()
	rl := newBackoffLimiter(signinLimits, clock.now)

	for i := 0; i < signinLimits.threshold; i++ {
		rl.record("alice@example.com")
	}
	blocked, retryAfter := rl.check("alice@example.com")
	require.True(t, blocked)
	assert.Equal(t, signinLimits.base, retryAfter)

	clock.advance(signinLimits.base)
	blocked, _ = rl.check("alice@example.com")
	assert.False(t, blocked, "lockout ends after base")
}

func TestBackoffLimiter_ExponentialBackoffCapped(t *testing.T) {
	rl := newBackoffLimiter(signinLimits, newTestClock().now)

	for i := 0; i < signinLimits.threshold; i++ {
		rl.record("k")
	}
	_, first := rl.check("k")
	rl.record("k")
	_, second := rl.check("k")
	assert.Equal(t, 2*first, second)

	for i := 0; i < 20; i++ {
		rl.record("k")
	}
	_, capped := rl.check("k")
	assert.Equal(t, signinLimits.max, capped)
}

func TestBackoffLimiter_ResetAndIsolation(t *testing.T) {
	rl := newBackoffLimiter(signinIPLimits, newTestClock().now)

	for i := 0; i < signinIPLimits.threshold; i++ {
		rl.record("192.0.2.1")
	}
	blocked, _ := rl.check("192.0.2.1")
	require.True(t, blocked)

	blocked, _ = rl.check("198.51.100.7")
	assert.False(t, blocked, "other keys are unaffected")

	rl.reset("192.0.2.1")
	blocked, _ = rl.check("192.0.2.1")
	assert.False(t, blocked)
}

func TestBackoffLimiter_ExpiryAndSweep(t *testing.T) {
	clock := newTestClock()
	rl := newBackoffLimiter(signinLimits, clock.now)

	rl.record("stale")
	rl.record("fresh")
	clock.advance(signinLimits.expiry / 2)
	rl.record("fresh")
	clock.advance(signinLimits.expiry/2 + time.Second)

	rl.sweep()
	rl.mu.Lock()
	_, staleKept := rl.attempts["stale"]
	_, freshKept := rl.attempts["fresh"]
	rl.mu.Unlock()
	assert.False(t, staleKept)
	assert.True(t, freshKept)
}

func TestWindowLimiter(t *testing.T) {
	clock := newTestClock()
	rl := newWindowLimiter(signupGlobalLimits, clock.now)

	for i := 0; i < signupGlobalLimits.max-1; i++ {
		rl.record()
	}
	blocked, _ := rl.check()
	require.False(t, blocked)

	// Hits that slid out of the window no longer count.
	clock.advance(signupGlobalLimits.window + time.Second)
	rl.record()
	blocked, _ = rl.check()
	require.False(t, blocked)

	for i := 0; i < signupGlobalLimits.max; i++ {
		rl.record()
	}
	blocked, retryAfter := rl.check()
	require.True(t, blocked)
	assert.Equal(t, signupGlobalLimits.lockout, retryAfter)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "60", retryAfterString(time.Minute))
	assert.Equal(t, "61", retryAfterString(time.Minute+time.Millisecond))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		proxies []netip.Prefix
		want    string
	}{
		{"remote only", "203.0.113.5:4000", nil, nil, "203.0.113.5"},
		{"untrusted proxy headers ignored", "203.0.113.5:4000",
			map[string]string{"X-Forwarded-For": "198.51.100.1"}, nil, "203.0.113.5"},
		{"peer outside trusted range", "203.0.113.5:4000",
			map[string]string{"X-Forwarded-For": "198.51.100.1"}, trusted, "203.0.113.5"},
		{"xff first valid", "10.1.2.3:4000",
			map[string]string{"X-Forwarded-For": "garbage, 198.51.100.1, 10.1.2.3"}, trusted, "198.51.100.1"},
		{"forwarded header", "10.1.2.3:4000",
			map[string]string{"Forwarded": `for="[2001:db8::1]:443";proto=https`}, trusted, "2001:db8::1"},
		{"x-real-ip", "10.1.2.3:4000",
			map[string]string{"X-Real-IP": "198.51.100.9"}, trusted, "198.51.100.9"},
		{"ipv6 remote with zone", "[fe80::1%eth0]:4000", nil, nil, "fe80::1"},
		{"mapped ipv4", "[::ffff:192.0.2.1]:4000", nil, nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "/", nil)
			require.NoError(t, err)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.7 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "10.0.0.0/8", got[0].String())
	assert.Equal(t, "192.168.1.7/32", got[1].String())
	assert.Equal(t, "2001:db8::/32", got[2].String())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
