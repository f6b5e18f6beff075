package memory

import (
	"sync"
	"sync/atomic"
	"time"
)

// store maps client identity to its bucket. The map itself is only touched for
// insert-if-absent and delete; token math happens under each bucket's own mutex,
// so two identities never contend with each other.
type store struct {
	capacity   float64
	refillRate float64

	buckets sync.Map // string -> *bucket
	live    atomic.Int64
}

func newStore(capacity, refillRate float64) *store {
	return &store{
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// getOrCreate returns the bucket for identity, creating a full one if absent.
// LoadOrStore guarantees a single winner when first accesses race.
func (s *store) getOrCreate(identity string, now time.Time) *bucket {
	if v, ok := s.buckets.Load(identity); ok {
		return v.(*bucket)
	}

	v, loaded := s.buckets.LoadOrStore(identity, newBucket(s.capacity, s.refillRate, now))
	if !loaded {
		s.live.Add(1)
	}
	return v.(*bucket)
}

// sweep evicts every bucket idle for longer than ttl and returns how many went.
// Each candidate is locked while it is checked and removed, so a bucket that is
// mid-check is never deleted underneath its holder, and one touched just before
// the sweep reaches it survives.
func (s *store) sweep(now time.Time, ttl time.Duration) int {
	evicted := 0
	s.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)

		b.mu.Lock()
		if !b.evicted && b.idle(now, ttl) {
			b.evicted = true
			if s.buckets.CompareAndDelete(k, b) {
				s.live.Add(-1)
				evicted++
			}
		}
		b.mu.Unlock()

		return true
	})
	return evicted
}

func (s *store) len() int {
	return int(s.live.Load())
}
