package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket: tokens refill at a sustained rate and
// burst bounds how many can be spent at once.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing perSecond sustained events with the
// given burst. A zero rate disables limiting.
func New(perSecond float64, burst uint) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
	}
}

// Allow reports whether one event may happen now, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// KeyedLimiter keeps one RateLimiter per key (a client address), so that a
// single noisy peer cannot starve handshakes from everyone else.
//
// Buckets idle for longer than the idle TTL are discarded on the next Allow
// call that notices them, which bounds memory under address churn.
type KeyedLimiter struct {
	mu        sync.Mutex
	perSecond float64
	burst     uint
	idleTTL   time.Duration
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *RateLimiter
	lastSeen time.Time
}

// NewKeyed creates a KeyedLimiter. A zero perSecond disables limiting
// for every key.
func NewKeyed(perSecond float64, burst uint, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		perSecond: perSecond,
		burst:     burst,
		idleTTL:   idleTTL,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

// Allow consumes a token from key's bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	if k.perSecond <= 0 {
		return true
	}

	k.mu.Lock()
	now := k.now()
	k.sweepLocked(now)

	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: New(k.perSecond, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	k.mu.Unlock()

	return b.limiter.Allow()
}

func (k *KeyedLimiter) sweepLocked(now time.Time) {
	if now.Sub(k.lastSweep) < k.idleTTL {
		return
	}
	k.lastSweep = now

	for key, b := range k.buckets {
		if now.Sub(b.lastSeen) >= k.idleTTL {
			delete(k.buckets, key)
		}
	}
}
