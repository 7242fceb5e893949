package credentials

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket per API key id. Buckets refill continuously at
// limit/60 tokens per second and are dropped after ten idle minutes.
type RateLimiter struct {
	store *sync.Map // map[string]*bucket
}

type bucket struct {
	tokens     float64
	limit      int
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{store: &sync.Map{}}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.store.Range(func(key, value interface{}) bool {
			b := value.(*bucket)
			b.mu.Lock()
			if now.Sub(b.lastAccess) > 10*time.Minute {
				rl.store.Delete(key)
			}
			b.mu.Unlock()
			return true
		})
	}
}

// Allow consumes one token for keyID, refilling first. limit is requests per
// minute. A changed limit resets the bucket so key updates take effect at once.
func (rl *RateLimiter) Allow(keyID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now()
	val, _ := rl.store.LoadOrStore(keyID, &bucket{
		tokens:     float64(limit),
		limit:      limit,
		lastRefill: now,
		lastAccess: now,
	})

	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = now
	if b.limit != limit {
		b.tokens = float64(limit)
		b.limit = limit
		b.lastRefill = now
	}

	elapsed := now.Sub(b.lastRefill)
	refill := elapsed.Seconds() * float64(limit) / 60.0
	if refill > 0 {
		b.tokens += refill
		if b.tokens > float64(limit) {
			b.tokens = float64(limit)
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
