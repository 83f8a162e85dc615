// Package ratelimit implements per-identity request rate limiting with
// lazy-refill token buckets. Buckets are keyed by a composition of API key,
// client IP, and endpoint class, so the same caller gets independent budgets
// per endpoint.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/config"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAfter time.Duration // time until the bucket is back at capacity
	Key        string
	KeyType    string // "api_key", "ip", or "anonymous" for metrics labels
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	limit    int     // RPM the bucket was built for
	lastFill time.Time
	lastUsed time.Time
}

func newBucket(rpm, burst int, now time.Time) *bucket {
	capacity := float64(burst)
	if capacity <= 0 {
		capacity = float64(rpm)
	}
	return &bucket{
		tokens:   capacity,
		max:      capacity,
		rate:     float64(rpm) / 60.0,
		limit:    rpm,
		lastFill: now,
		lastUsed: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// retryAfter returns the wait until one token is available.
func (b *bucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// resetAfter returns the wait until the bucket is back at capacity.
func (b *bucket) resetAfter() time.Duration {
	if b.tokens >= b.max {
		return 0
	}
	return time.Duration((b.max - b.tokens) / b.rate * float64(time.Second))
}

// Limiter admits requests against per-key token buckets.
type Limiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a Limiter.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Check consumes one token from the caller's bucket for the given endpoint
// class. Loopback callers and disabled limiters are always admitted.
func (l *Limiter) Check(id *gateway.Identity, ip, endpoint string) Decision {
	if !l.cfg.Enabled || (id != nil && id.Loopback) {
		return Decision{Allowed: true}
	}

	key, keyType := l.composeKey(id, ip, endpoint)
	rpm := l.resolveRPM(id, endpoint)
	if rpm <= 0 {
		return Decision{Allowed: true, Key: key, KeyType: keyType}
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.limit != rpm { // limit changed, start a fresh bucket
		b = newBucket(rpm, l.cfg.BurstSize, now)
		l.buckets[key] = b
	}
	b.refill(now)
	b.lastUsed = now

	d := Decision{Limit: rpm, Key: key, KeyType: keyType}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		d.ResetAfter = b.resetAfter()
		return d
	}
	d.RetryAfter = b.retryAfter()
	d.ResetAfter = b.resetAfter()
	return d
}

// composeKey builds the bucket key from the enabled dimensions plus the
// endpoint class.
func (l *Limiter) composeKey(id *gateway.Identity, ip, endpoint string) (string, string) {
	var parts []string
	keyType := "anonymous"
	if l.cfg.ByAPIKey && id != nil && id.KeyID != "" {
		parts = append(parts, "key:"+id.KeyID)
		keyType = "api_key"
	}
	if l.cfg.ByIP && ip != "" {
		parts = append(parts, "ip:"+ip)
		if keyType == "anonymous" {
			keyType = "ip"
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "anon")
	}
	if endpoint != "" {
		parts = append(parts, "ep:"+endpoint)
	}
	return strings.Join(parts, "|"), keyType
}

// resolveRPM picks the effective limit: the key's own override wins, then
// the endpoint override, then the global default.
func (l *Limiter) resolveRPM(id *gateway.Identity, endpoint string) int {
	if id != nil && id.RPMLimit > 0 {
		return id.RPMLimit
	}
	if rpm, ok := l.cfg.EndpointLimits[endpoint]; ok {
		return rpm
	}
	return l.cfg.RequestsPerMinute
}

// Sweep evicts buckets idle longer than maxIdle. Returns the eviction count.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for k, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, k)
			evicted++
		}
	}
	return evicted
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
