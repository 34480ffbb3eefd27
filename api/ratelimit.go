package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backoffLimits configures a backoffLimiter. Once threshold hits have been
// recorded for a key, the key is locked for base, doubling with every
// further hit up to max. A key with no hits for expiry is forgotten.
type backoffLimits struct {
	threshold int
	base      time.Duration
	max       time.Duration
	expiry    time.Duration
}

var (
	// Failed sign-ins per normalised email.
	signinLimits = backoffLimits{threshold: 5, base: time.Minute, max: 15 * time.Minute, expiry: time.Hour}
	// Failed sign-ins per client IP.
	signinIPLimits = backoffLimits{threshold: 20, base: time.Minute, max: 30 * time.Minute, expiry: time.Hour}
	// Every sign-up attempt per client IP; each one costs a password hash.
	signupIPLimits = backoffLimits{threshold: 5, base: 5 * time.Minute, max: time.Hour, expiry: time.Hour}
)

type attemptRecord struct {
	hits        int
	lastHit     time.Time
	lockedUntil time.Time
}

// backoffLimiter tracks hits per key and enforces exponential backoff.
// Keys are emails or IPs, never credential material.
type backoffLimiter struct {
	mu       sync.Mutex
	limits   backoffLimits
	now      func() time.Time
	attempts map[string]*attemptRecord
}

func newBackoffLimiter(limits backoffLimits, now func() time.Time) *backoffLimiter {
	if now == nil {
		now = time.Now
	}
	return &backoffLimiter{
		limits:   limits,
		now:      now,
		attempts: make(map[string]*attemptRecord),
	}
}

// check returns true if key is currently locked out, along with how long
// the caller should wait.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastHit) > rl.limits.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *backoffLimiter) record(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	rec.hits++
	rec.lastHit = now

	if rec.hits >= rl.limits.threshold {
		lockout := rl.limits.base
		for i := rl.limits.threshold; i < rec.hits && lockout < rl.limits.max; i++ {
			lockout *= 2
		}
		if lockout > rl.limits.max {
			lockout = rl.limits.max
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// reset forgets key, e.g. after a successful sign-in.
func (rl *backoffLimiter) reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastHit) > rl.limits.expiry {
			delete(rl.attempts, key)
		}
	}
}

type windowLimits struct {
	window  time.Duration
	max     int
	lockout time.Duration
}

var (
	signinGlobalLimits = windowLimits{window: time.Minute, max: 100, lockout: 5 * time.Minute}
	signupGlobalLimits = windowLimits{window: time.Minute, max: 50, lockout: 5 * time.Minute}
)

// windowLimiter counts hits across all clients in a sliding window and
// locks everyone out once max is reached.
type windowLimiter struct {
	mu          sync.Mutex
	limits      windowLimits
	now         func() time.Time
	hits        []time.Time
	lockedUntil time.Time
}

func newWindowLimiter(limits windowLimits, now func() time.Time) *windowLimiter {
	if now == nil {
		now = time.Now
	}
	return &windowLimiter{limits: limits, now: now}
}

func (rl *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *windowLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.hits = trimWindow(append(rl.hits, now), now, rl.limits.window)
	if len(rl.hits) >= rl.limits.max {
		rl.lockedUntil = now.Add(rl.limits.lockout)
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP returns the client IP for rate limiting using the configured
// trusted proxies.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Forwarding headers are honoured only when the direct peer falls inside
// one of trustedProxies; with none configured RemoteAddr is always used.
// Header priority: X-Forwarded-For (first valid), Forwarded "for=",
// X-Real-IP.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !peerTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for _, elem := range strings.Split(fwd, ",") {
			for _, param := range strings.Split(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func peerTrusted(remoteIP string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	// RFC 7239 allows "[::1]:1234".
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// ParseTrustedProxies parses a list of CIDRs or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// SweepRateLimits drops rate-limit records that have expired. The server
// calls it periodically.
func (a *API) SweepRateLimits() {
	a.signinLimiter.sweep()
	a.signinIPLimiter.sweep()
	a.signupIPLimiter.sweep()
}
