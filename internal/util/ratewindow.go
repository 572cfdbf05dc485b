package util

import (
	"sync"
	"time"
)

// rateBucketCap bounds the timestamps kept per key; it is also the largest
// limit a RateWindow accepts.
const rateBucketCap = 120

// rateBucket is a fixed-size ring buffer of timestamps.
type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

// RateWindow is a per-key sliding-window limiter: at most limit events per
// window for each key.
type RateWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func NewRateWindow(limit int, window time.Duration) *RateWindow {
	if limit > rateBucketCap {
		limit = rateBucketCap
	}
	if limit < 1 {
		limit = 1
	}
	return &RateWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: map[string]*rateBucket{},
	}
}

// Allow records an event for key and reports whether it is within the limit.
func (rw *RateWindow) Allow(key string) bool {
	now := rw.now()
	cutoff := now.Add(-rw.window)

	rw.mu.Lock()
	defer rw.mu.Unlock()

	bucket, ok := rw.buckets[key]
	if !ok {
		bucket = &rateBucket{}
		rw.buckets[key] = bucket
	}

	// Trim expired entries from the front
	for bucket.count > 0 {
		oldest := bucket.times[bucket.head]
		if oldest.After(cutoff) {
			break
		}
		bucket.head = (bucket.head + 1) % rateBucketCap
		bucket.count--
	}

	if bucket.count >= rw.limit {
		return false
	}

	idx := (bucket.head + bucket.count) % rateBucketCap
	bucket.times[idx] = now
	bucket.count++
	return true
}

// Sweep drops keys whose newest event is older than the window.
func (rw *RateWindow) Sweep() {
	cutoff := rw.now().Add(-rw.window)
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for key, b := range rw.buckets {
		if b.count == 0 {
			delete(rw.buckets, key)
			continue
		}
		newest := b.times[(b.head+b.count-1)%rateBucketCap]
		if !newest.After(cutoff) {
			delete(rw.buckets, key)
		}
	}
}
