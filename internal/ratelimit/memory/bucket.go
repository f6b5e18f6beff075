package memory

import (
	"math"
	"sync"
	"time"
)

// bucket is one client's admission state. All fields below mu are guarded by it.
type bucket struct {
	mu sync.Mutex

	capacity   float64
	refillRate float64 // tokens per second

	tokens     float64
	lastRefill time.Time
	lastAccess time.Time

	// evicted is set by the sweep just before the bucket leaves the store.
	// A holder that observes it must drop the bucket and look up again.
	evicted bool
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now,
		lastAccess: now,
	}
}

// refill tops up tokens for the time elapsed since the last refill.
// A now at or before lastRefill adds nothing and leaves lastRefill where it is,
// so a clock that steps backwards can't later be counted twice.
// Must be called with b.mu held.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.refillRate)
	b.lastRefill = now
}

// tryConsume runs refill-then-consume as one step. On rejection tokens are left
// at their refilled level and retryAfter is the time until the deficit is covered.
// Must be called with b.mu held.
func (b *bucket) tryConsume(cost float64, now time.Time) (admitted bool, retryAfter time.Duration) {
	b.refill(now)

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}

	return false, secondsToDuration((cost - b.tokens) / b.refillRate)
}

// untilFull is how long refill takes to bring the bucket back to capacity.
// Must be called with b.mu held.
func (b *bucket) untilFull() time.Duration {
	return secondsToDuration((b.capacity - b.tokens) / b.refillRate)
}

// secondsToDuration rounds up to the next nanosecond. Waits too long for a
// Duration, which a tiny refill rate can produce, saturate at the maximum.
func secondsToDuration(secs float64) time.Duration {
	ns := math.Ceil(secs * float64(time.Second))
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// touch records an admission attempt for eviction purposes. Must be called with b.mu held.
func (b *bucket) touch(now time.Time) {
	if now.After(b.lastAccess) {
		b.lastAccess = now
	}
}

// idle reports whether the bucket has gone unused for longer than ttl. Must be called with b.mu held.
func (b *bucket) idle(now time.Time, ttl time.Duration) bool {
	return now.Sub(b.lastAccess) > ttl
}
