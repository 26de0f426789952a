// Package policy implements the rate, timeout, and resource policies the
// protocol engine and session manager consult before doing work.
package policy

import (
	"sync"
	"time"
)

// BucketConfig configures one token bucket.
type BucketConfig struct {
	Capacity       float64
	Burst          float64
	RefillRate     float64       // tokens added per RefillInterval
	RefillInterval time.Duration
}

// BucketState is an observable snapshot of one bucket.
type BucketState struct {
	Tokens         float64
	Capacity       float64
	Burst          float64
	RefillRate     float64
	RefillInterval time.Duration
	LastAccess     time.Time
	Allowed        int64
	Denied         int64
	Forced         int64
}

type bucket struct {
	cfg        BucketConfig
	tokens     float64
	lastAccess time.Time
	allowed    int64
	denied     int64
	forced     int64
	mu         sync.Mutex
}

// refillLocked adds tokens for wall-clock time elapsed since last access,
// capped at capacity+burst.
func (b *bucket) refillLocked(now time.Time) {
	if b.cfg.RefillInterval <= 0 || b.cfg.RefillRate <= 0 {
		b.lastAccess = now
		return
	}
	elapsed := now.Sub(b.lastAccess)
	if elapsed > 0 {
		b.tokens += b.cfg.RefillRate * (float64(elapsed) / float64(b.cfg.RefillInterval))
		if max := b.cfg.Capacity + b.cfg.Burst; b.tokens > max {
			b.tokens = max
		}
	}
	b.lastAccess = now
}

// RateLimiterConfig configures the limiter table.
type RateLimiterConfig struct {
	AllowDynamicBuckets bool
	DefaultBucket       BucketConfig  // used when dynamic buckets are created
	MaxBuckets          int           // reaping kicks in beyond this count
	BucketTTL           time.Duration // idle buckets older than this are reapable
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		AllowDynamicBuckets: true,
		DefaultBucket: BucketConfig{
			Capacity:       100,
			RefillRate:     10,
			RefillInterval: time.Second,
		},
		MaxBuckets: 1024,
		BucketTTL:  10 * time.Minute,
	}
}

// RateLimiter is a token-bucket rate limiter with multiple named buckets.
type RateLimiter struct {
	cfg     RateLimiterConfig
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxBuckets < 1 {
		cfg.MaxBuckets = 1024
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }

// AddBucket creates or replaces a named bucket, starting full.
func (rl *RateLimiter) AddBucket(key string, cfg BucketConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.buckets[key] = &bucket{
		cfg:        cfg,
		tokens:     cfg.Capacity + cfg.Burst,
		lastAccess: rl.now(),
	}
}

// lookup returns the bucket for key, creating it when dynamic buckets are
// allowed. Returns nil when the bucket is missing and may not be created;
// missing buckets deny without mutating state.
func (rl *RateLimiter) lookup(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}
	if !rl.cfg.AllowDynamicBuckets {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	rl.reapLocked()
	b = &bucket{
		cfg:        rl.cfg.DefaultBucket,
		tokens:     rl.cfg.DefaultBucket.Capacity + rl.cfg.DefaultBucket.Burst,
		lastAccess: rl.now(),
	}
	rl.buckets[key] = b
	return b
}

// reapLocked lazily drops idle buckets once the table exceeds MaxBuckets.
func (rl *RateLimiter) reapLocked() {
	if len(rl.buckets) < rl.cfg.MaxBuckets || rl.cfg.BucketTTL <= 0 {
		return
	}
	cutoff := rl.now().Add(-rl.cfg.BucketTTL)
	for key, b := range rl.buckets {
		b.mu.Lock()
		idle := b.lastAccess.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, key)
		}
	}
}

// TryAcquire attempts to take n tokens. Returns whether the tokens were
// granted and the remaining balance.
func (rl *RateLimiter) TryAcquire(key string, n float64) (bool, float64) {
	b := rl.lookup(key)
	if b == nil {
		return false, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(rl.now())

	if b.tokens < n {
		b.denied++
		return false, b.tokens
	}
	b.tokens -= n
	b.allowed++
	return true, b.tokens
}

// ForceAcquire takes n tokens unconditionally; the balance may go negative.
// Used for accounting overruns that were authorised elsewhere.
func (rl *RateLimiter) ForceAcquire(key string, n float64) float64 {
	b := rl.lookup(key)
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(rl.now())
	b.tokens -= n
	b.forced++
	return b.tokens
}

// ResetBucket refills a bucket to capacity+burst.
func (rl *RateLimiter) ResetBucket(key string) {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.tokens = b.cfg.Capacity + b.cfg.Burst
	b.lastAccess = rl.now()
	b.mu.Unlock()
}

// ResetAll refills every bucket.
func (rl *RateLimiter) ResetAll() {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	for _, b := range rl.buckets {
		b.mu.Lock()
		b.tokens = b.cfg.Capacity + b.cfg.Burst
		b.lastAccess = rl.now()
		b.mu.Unlock()
	}
}

// GetBucketState returns a snapshot of one bucket.
func (rl *RateLimiter) GetBucketState(key string) (BucketState, bool) {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if !ok {
		return BucketState{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{
		Tokens:         b.tokens,
		Capacity:       b.cfg.Capacity,
		Burst:          b.cfg.Burst,
		RefillRate:     b.cfg.RefillRate,
		RefillInterval: b.cfg.RefillInterval,
		LastAccess:     b.lastAccess,
		Allowed:        b.allowed,
		Denied:         b.denied,
		Forced:         b.forced,
	}, true
}

// GetStatistics returns snapshots of every bucket keyed by name.
func (rl *RateLimiter) GetStatistics() map[string]BucketState {
	rl.mu.RLock()
	keys := make([]string, 0, len(rl.buckets))
	for key := range rl.buckets {
		keys = append(keys, key)
	}
	rl.mu.RUnlock()

	out := make(map[string]BucketState, len(keys))
	for _, key := range keys {
		if state, ok := rl.GetBucketState(key); ok {
			out[key] = state
		}
	}
	return out
}
