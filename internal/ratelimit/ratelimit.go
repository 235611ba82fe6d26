// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

/*
Fixed-window request counting keyed by an arbitrary string (e.g.
"webhook:<courseID>").

This is process-local, best-effort protection for hot ingestion endpoints.
It is not a durable quota ledger: counts reset on restart, and horizontally
scaled deployments get one window per instance.
*/

// Result reports the outcome of a single Check call.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter is safe for concurrent use and performs opportunistic purging of
// dead buckets on writes.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// every N checks we drop buckets whose window has long passed
	checkCount uint64
	purgeN     uint64

	now func() time.Time
}

// New creates a limiter. purgeEvery controls how often (every N calls to
// Check) expired buckets are purged; <=0 picks a default of 1024.
func New(purgeEvery int) *Limiter {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &Limiter{
		buckets: make(map[string]*bucket, 64),
		purgeN:  uint64(purgeEvery),
		now:     time.Now,
	}
}

// NewWithClock is New with an injected clock (tests).
func NewWithClock(purgeEvery int, now func() time.Time) *Limiter {
	l := New(purgeEvery)
	if now != nil {
		l.now = now
	}
	return l
}

// Check counts one request against key's current window. When the window has
// elapsed a fresh one is opened and the triggering call counts against it.
// A denied call does not increment the count.
func (l *Limiter) Check(key string, limit int, window time.Duration) Result {
	key = strings.TrimSpace(key)
	if limit <= 0 || window <= 0 || key == "" {
		// Misconfigured limits fail open; the caller opted out of limiting.
		return Result{Allowed: true, Remaining: 0, ResetAt: l.now()}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.checkCount++
	if l.checkCount%l.purgeN == 0 {
		l.purgeLocked(now, window)
	}

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now, count: 0}
		l.buckets[key] = b
	}
	resetAt := b.windowStart.Add(window)

	if b.count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	b.count++
	return Result{Allowed: true, Remaining: limit - b.count, ResetAt: resetAt}
}

func (l *Limiter) purgeLocked(now time.Time, window time.Duration) {
	for k, b := range l.buckets {
		if now.Sub(b.windowStart) >= 2*window {
			delete(l.buckets, k)
		}
	}
}
